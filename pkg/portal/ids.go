// Copyright 2024-2026 Aiku AI

package portal

import (
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"maunium.net/go/mautrix/id"
)

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	Username  string
	Nickname  string
	FirstName string
	LastName  string
}

// GhostNamer maps Mattermost user IDs to ghost Matrix IDs and renders ghost
// display names.
type GhostNamer struct {
	domain      string
	prefix      string
	suffix      string
	ghostRegex  *regexp.Regexp
	displayname *template.Template
}

const templateMarker = "\x00id\x00"

// NewGhostNamer parses the username and displayname templates. The username
// template receives the Mattermost user ID as its only argument.
func NewGhostNamer(usernameTemplate, displaynameTemplate, domain string) (*GhostNamer, error) {
	usernameTmpl, err := template.New("username").Parse(usernameTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse username template: %w", err)
	}
	var buf strings.Builder
	if err = usernameTmpl.Execute(&buf, templateMarker); err != nil {
		return nil, fmt.Errorf("failed to render username template: %w", err)
	}
	prefix, suffix, found := strings.Cut(buf.String(), templateMarker)
	if !found {
		return nil, fmt.Errorf("username template %q does not use the user ID", usernameTemplate)
	}
	displayname, err := template.New("displayname").Parse(displaynameTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse displayname template: %w", err)
	}
	return &GhostNamer{
		domain: domain,
		prefix: prefix,
		suffix: suffix,
		ghostRegex: regexp.MustCompile(fmt.Sprintf("^@%s([a-z0-9]+)%s:%s$",
			regexp.QuoteMeta(prefix), regexp.QuoteMeta(suffix), regexp.QuoteMeta(domain))),
		displayname: displayname,
	}, nil
}

// GhostUserID returns the Matrix ID of the ghost for a Mattermost user.
func (gn *GhostNamer) GhostUserID(mmUserID string) id.UserID {
	return id.NewUserID(gn.prefix+strings.ToLower(mmUserID)+gn.suffix, gn.domain)
}

// ParseGhostUserID extracts the Mattermost user ID from a ghost Matrix ID.
func (gn *GhostNamer) ParseGhostUserID(mxid id.UserID) (string, bool) {
	match := gn.ghostRegex.FindStringSubmatch(string(mxid))
	if match == nil {
		return "", false
	}
	return match[1], true
}

// IsGhost reports whether mxid belongs to a bridge ghost.
func (gn *GhostNamer) IsGhost(mxid id.UserID) bool {
	return gn.ghostRegex.MatchString(string(mxid))
}

// GhostRegex returns the pattern matching every ghost user ID.
func (gn *GhostNamer) GhostRegex() *regexp.Regexp {
	return gn.ghostRegex
}

// FormatDisplayname renders the displayname template, falling back to the
// username when rendering fails or produces nothing.
func (gn *GhostNamer) FormatDisplayname(params DisplaynameParams) string {
	var buf strings.Builder
	if err := gn.displayname.Execute(&buf, params); err != nil {
		return params.Username
	}
	if name := strings.TrimSpace(buf.String()); name != "" {
		return name
	}
	return params.Username
}
