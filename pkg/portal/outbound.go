// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package portal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mattermost-dm/pkg/database"
	"github.com/aiku/mautrix-mattermost-dm/pkg/portal/matrixfmt"
	"github.com/aiku/mautrix-mattermost-dm/pkg/remote"
)

// ErrNotLoggedIn is returned for Matrix events of accounts without a live
// Mattermost connection.
var ErrNotLoggedIn = errors.New("account is not logged in to Mattermost")

// IsBridgeUser reports whether mxid is the bridge bot or one of its ghosts.
func (t *Translator) IsBridgeUser(mxid id.UserID) bool {
	return mxid == t.as.BotMXID() || t.namer.IsGhost(mxid)
}

// HandleMatrixEvent bridges an event the owner sent in one of its portal
// rooms to Mattermost.
func (t *Translator) HandleMatrixEvent(ctx context.Context, owner Owner, p *Portal, evt *event.Event) error {
	if evt.Content.Parsed == nil {
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			return fmt.Errorf("failed to parse event content: %w", err)
		}
	}
	if _, ok := evt.Content.Raw[DoublePuppetSourceKey]; ok {
		return nil
	}
	client := owner.GetRemote()
	if client == nil {
		return ErrNotLoggedIn
	}
	switch evt.Type {
	case event.EventMessage:
		return t.handleMatrixMessage(ctx, client, owner, p, evt)
	case event.EventReaction:
		return t.handleMatrixReaction(ctx, client, owner, p, evt)
	case event.EventRedaction:
		return t.handleMatrixRedaction(ctx, client, p, evt)
	default:
		return nil
	}
}

func (t *Translator) handleMatrixMessage(ctx context.Context, client remote.Client, owner Owner, p *Portal, evt *event.Event) error {
	content := evt.Content.AsMessage()
	if replaceID := content.RelatesTo.GetReplaceID(); replaceID != "" {
		target, err := t.db.GetMessageByMXID(ctx, p.MXID, replaceID)
		if errors.Is(err, database.ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		newContent := content.NewContent
		if newContent == nil {
			newContent = content
		}
		return client.EditMessage(ctx, target.MMPostID, t.matrixText(newContent))
	}

	var text string
	var uploads []remote.Upload
	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		text = t.matrixText(content)
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		upload, err := t.downloadMatrixMedia(ctx, content)
		if err != nil {
			return fmt.Errorf("failed to download media: %w", err)
		}
		uploads = append(uploads, *upload)
		if content.FileName != "" && content.Body != content.FileName {
			text = t.matrixText(content)
		}
	default:
		return fmt.Errorf("unsupported message type: %s", content.MsgType)
	}

	var replyTo string
	if replyID := content.RelatesTo.GetReplyTo(); replyID != "" {
		if target, err := t.db.GetMessageByMXID(ctx, p.MXID, replyID); err == nil {
			replyTo = target.MMPostID
		}
	}
	postID, err := client.SendMessage(ctx, p.ChannelID, text, replyTo, uploads)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return t.db.SaveMessage(ctx, &database.Message{
		MMPostID:  postID,
		Receiver:  p.Receiver,
		MMSender:  owner.GetRemoteID(),
		MXRoom:    p.MXID,
		MXEvent:   evt.ID,
		Timestamp: eventTimestamp(evt),
	})
}

func (t *Translator) matrixText(content *event.MessageEventContent) string {
	text := matrixfmt.ParseWithMentions(content, t.resolveGhost)
	if content.MsgType == event.MsgEmote {
		text = "/me " + text
	}
	return text
}

func (t *Translator) downloadMatrixMedia(ctx context.Context, content *event.MessageEventContent) (*remote.Upload, error) {
	if content.File != nil {
		return nil, errors.New("encrypted media is not supported")
	}
	uri, err := content.URL.Parse()
	if err != nil {
		return nil, err
	}
	data, err := t.Bot().DownloadBytes(ctx, uri)
	if err != nil {
		return nil, err
	}
	name := content.GetFileName()
	if name == "" {
		name = "upload"
	}
	var mimeType string
	if content.Info != nil {
		mimeType = content.Info.MimeType
	}
	return &remote.Upload{Name: name, MimeType: mimeType, Data: data}, nil
}

func (t *Translator) handleMatrixReaction(ctx context.Context, client remote.Client, owner Owner, p *Portal, evt *event.Event) error {
	content := evt.Content.AsReaction()
	target, err := t.db.GetMessageByMXID(ctx, p.MXID, content.RelatesTo.EventID)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	emoji := content.RelatesTo.Key
	if err = client.SendReaction(ctx, target.MMPostID, emoji); err != nil {
		return fmt.Errorf("failed to send reaction: %w", err)
	}
	return t.db.SaveReaction(ctx, &database.Reaction{
		MMPostID: target.MMPostID,
		MMSender: owner.GetRemoteID(),
		Emoji:    emoji,
		Receiver: p.Receiver,
		MXRoom:   p.MXID,
		MXEvent:  evt.ID,
	})
}

func (t *Translator) handleMatrixRedaction(ctx context.Context, client remote.Client, p *Portal, evt *event.Event) error {
	redacts := evt.Redacts
	if redacts == "" {
		redacts = evt.Content.AsRedaction().Redacts
	}
	reaction, err := t.db.GetReactionByMXID(ctx, p.MXID, redacts)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	if err = client.RemoveReaction(ctx, reaction.MMPostID, reaction.Emoji); err != nil {
		return fmt.Errorf("failed to remove reaction: %w", err)
	}
	return t.db.DeleteReaction(ctx, reaction)
}

// HandleMatrixReceipt marks the conversation read on Mattermost.
func (t *Translator) HandleMatrixReceipt(ctx context.Context, owner Owner, p *Portal) error {
	client := owner.GetRemote()
	if client == nil {
		return ErrNotLoggedIn
	}
	return client.MarkRead(ctx, p.ChannelID)
}

func eventTimestamp(evt *event.Event) int64 {
	if evt.Timestamp > 0 {
		return evt.Timestamp
	}
	return time.Now().UnixMilli()
}
