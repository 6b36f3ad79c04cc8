// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package portal

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"
)

// CreateNoticeRoom creates the bot's management room with a user.
func (t *Translator) CreateNoticeRoom(ctx context.Context, userID id.UserID) (id.RoomID, error) {
	req := &mautrix.ReqCreateRoom{
		Visibility: "private",
		Preset:     "private_chat",
		Name:       "Mattermost bridge notices",
		Invite:     []id.UserID{userID},
		IsDirect:   true,
	}
	if !t.opts.FederateRooms {
		req.CreationContent = map[string]any{"m.federate": false}
	}
	resp, err := t.Bot().CreateRoom(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to create notice room: %w", err)
	}
	return resp.RoomID, nil
}

// SendNotice sends a bridge status message to a notice room. Important
// messages are sent as m.text so clients notify about them.
func (t *Translator) SendNotice(ctx context.Context, roomID id.RoomID, text string, important bool) error {
	content := format.RenderMarkdown(text, true, false)
	content.MsgType = event.MsgNotice
	if important {
		content.MsgType = event.MsgText
	}
	if _, err := t.Bot().SendMessageEvent(ctx, roomID, event.EventMessage, &content); err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}
