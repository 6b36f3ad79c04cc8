// Copyright 2024-2026 Aiku AI

// Package mattermostfmt converts Mattermost markdown into Matrix message
// content.
package mattermostfmt

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"
)

// ParsedMessage is the Matrix rendition of a Mattermost post body.
type ParsedMessage struct {
	Body          string
	Format        event.Format
	FormattedBody string
}

// MentionResolver maps a Mattermost username to the Matrix user that
// represents it and the name to show in the pill.
type MentionResolver func(username string) (mxid id.UserID, name string, ok bool)

var (
	formattingRegex = regexp.MustCompile("[*_~`#>|\\[]|^\\s*[-+] |^\\s*\\d+\\. ")
	mentionRegex    = regexp.MustCompile(`(^|[^\w@/])@([a-z0-9][a-z0-9._-]*)`)
)

// Parse renders Mattermost markdown. Plain text is returned without an HTML
// body.
func Parse(text string) *ParsedMessage {
	return ParseWithMentions(text, nil)
}

// ParseWithMentions renders Mattermost markdown and turns @username
// mentions that resolve into Matrix pills.
func ParseWithMentions(text string, resolve MentionResolver) *ParsedMessage {
	msg := &ParsedMessage{Body: text}
	if text == "" {
		return msg
	}
	source, mentioned := replaceMentions(text, resolve)
	if !mentioned && !formattingRegex.MatchString(text) {
		return msg
	}
	rendered := format.RenderMarkdown(source, true, false)
	if rendered.Format != event.FormatHTML || rendered.FormattedBody == "" {
		return msg
	}
	formatted := unwrapParagraph(rendered.FormattedBody)
	if formatted == html.EscapeString(text) {
		return msg
	}
	msg.Format = event.FormatHTML
	msg.FormattedBody = formatted
	return msg
}

// ToContent builds message content of the given type.
func (pm *ParsedMessage) ToContent(msgType event.MessageType) *event.MessageEventContent {
	return &event.MessageEventContent{
		MsgType:       msgType,
		Body:          pm.Body,
		Format:        pm.Format,
		FormattedBody: pm.FormattedBody,
	}
}

func replaceMentions(text string, resolve MentionResolver) (string, bool) {
	if resolve == nil || !strings.Contains(text, "@") {
		return text, false
	}
	var found bool
	out := mentionRegex.ReplaceAllStringFunc(text, func(match string) string {
		sub := mentionRegex.FindStringSubmatch(match)
		prefix, username := sub[1], sub[2]
		trimmed := strings.TrimRight(username, ".")
		suffix := username[len(trimmed):]
		mxid, name, ok := resolve(trimmed)
		if !ok {
			return match
		}
		found = true
		if name == "" {
			name = trimmed
		}
		return fmt.Sprintf("%s[%s](https://matrix.to/#/%s)%s", prefix, escapeLinkText(name), mxid, suffix)
	})
	return out, found
}

func escapeLinkText(text string) string {
	return strings.NewReplacer(`[`, `\[`, `]`, `\]`).Replace(text)
}

func unwrapParagraph(body string) string {
	body = strings.TrimSpace(body)
	if strings.HasPrefix(body, "<p>") && strings.HasSuffix(body, "</p>") && strings.Count(body, "<p>") == 1 {
		return body[len("<p>") : len(body)-len("</p>")]
	}
	return body
}
