// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixfmt converts Matrix HTML to Mattermost markdown.
package matrixfmt

import (
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MentionResolver maps a Matrix user to the Mattermost username it stands
// for. Users that do not resolve keep their pill text.
type MentionResolver func(mxid id.UserID) (username string, ok bool)

var excessNewlines = regexp.MustCompile(`\n{3,}`)

// Parse converts Matrix message content to Mattermost markdown.
func Parse(content *event.MessageEventContent) string {
	return ParseWithMentions(content, nil)
}

// ParseWithMentions converts Matrix message content to Mattermost markdown
// and turns user pills into @username mentions.
func ParseWithMentions(content *event.MessageEventContent, resolve MentionResolver) string {
	if content == nil {
		return ""
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return content.Body
	}
	text, err := newConverter(resolve).ConvertString(content.FormattedBody)
	if err != nil {
		return content.Body
	}
	return cleanup(text)
}

func newConverter(resolve MentionResolver) *md.Converter {
	conv := md.NewConverter("", true, &md.Options{
		CodeBlockStyle: "fenced",
		EmDelimiter:    "*",
	})
	conv.Remove("mx-reply")
	conv.AddRules(md.Rule{
		Filter: []string{"a"},
		Replacement: func(content string, selec *goquery.Selection, _ *md.Options) *string {
			if resolve == nil {
				return nil
			}
			href, _ := selec.Attr("href")
			mxid, ok := parsePill(href)
			if !ok {
				return nil
			}
			if username, ok := resolve(mxid); ok {
				return md.String("@" + username)
			}
			return md.String(content)
		},
	})
	return conv
}

// parsePill extracts the user ID from a matrix.to user link.
func parsePill(href string) (id.UserID, bool) {
	const prefix = "https://matrix.to/#/"
	if !strings.HasPrefix(href, prefix) {
		return "", false
	}
	target := strings.SplitN(strings.TrimPrefix(href, prefix), "?", 2)[0]
	if unescaped, err := url.PathUnescape(target); err == nil {
		target = unescaped
	}
	if !strings.HasPrefix(target, "@") {
		return "", false
	}
	return id.UserID(target), true
}

func cleanup(text string) string {
	return strings.TrimSpace(excessNewlines.ReplaceAllString(text, "\n\n"))
}
