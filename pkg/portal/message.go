// Copyright 2024-2026 Aiku AI

package portal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mau.fi/util/variationselector"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mattermost-dm/pkg/database"
	"github.com/aiku/mautrix-mattermost-dm/pkg/portal/mattermostfmt"
	"github.com/aiku/mautrix-mattermost-dm/pkg/remote"
)

// ErrNoRoom is returned when translating into a portal without a room.
var ErrNoRoom = errors.New("portal has no room")

// TranslateMessage bridges a Mattermost post into the portal room. Posts
// that are already bridged are skipped; edits of unknown posts are dropped.
func (t *Translator) TranslateMessage(ctx context.Context, owner Owner, p *Portal, sender *Puppet, msg *remote.Message) error {
	if !p.HasRoom() {
		return ErrNoRoom
	}
	log := t.log.With().Str("post_id", msg.ID).Str("channel_id", p.ChannelID).Logger()
	existing, err := t.db.GetMessage(ctx, msg.ID, p.Receiver)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return err
	}
	if msg.Edited {
		if existing == nil {
			log.Debug().Msg("Dropping edit of a post that was never bridged")
			return nil
		}
		return t.translateEdit(ctx, owner, p, sender, msg, existing)
	} else if existing != nil {
		log.Debug().Msg("Post already bridged")
		return nil
	}

	cli, isDoublePuppet, err := t.intentFor(ctx, p, sender)
	if err != nil {
		return err
	}
	var relatesTo *event.RelatesTo
	if msg.ReplyTo != "" {
		if target, err := t.db.GetMessage(ctx, msg.ReplyTo, p.Receiver); err == nil {
			relatesTo = &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: target.MXEvent}}
		}
	}
	ts := msg.Timestamp.UnixMilli()

	var contents []*event.MessageEventContent
	if msg.Text != "" {
		contents = append(contents, t.textContent(owner, msg.Text))
	}
	for _, file := range msg.Files {
		content, err := t.fileContent(ctx, owner, cli, file)
		if err != nil {
			log.Warn().Err(err).Str("file_id", file.ID).Msg("Failed to bridge file")
			content = &event.MessageEventContent{
				MsgType: event.MsgNotice,
				Body:    fmt.Sprintf("Failed to bridge file %s", file.Name),
			}
		}
		contents = append(contents, content)
	}

	var firstEvent id.EventID
	for _, content := range contents {
		if firstEvent == "" {
			content.RelatesTo = relatesTo
		}
		eventID, err := t.sendEvent(ctx, cli, isDoublePuppet, p.MXID, event.EventMessage, content, ts)
		if err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
		if firstEvent == "" {
			firstEvent = eventID
		}
	}
	if firstEvent == "" {
		return nil
	}
	return t.db.SaveMessage(ctx, &database.Message{
		MMPostID:  msg.ID,
		Receiver:  p.Receiver,
		MMSender:  msg.SenderID,
		MXRoom:    p.MXID,
		MXEvent:   firstEvent,
		Timestamp: ts,
	})
}

func (t *Translator) textContent(owner Owner, text string) *event.MessageEventContent {
	msgType := event.MsgText
	if rest, ok := strings.CutPrefix(text, "/me "); ok {
		msgType = event.MsgEmote
		text = rest
	}
	return mattermostfmt.ParseWithMentions(text, t.resolveUsername(owner)).ToContent(msgType)
}

func (t *Translator) translateEdit(ctx context.Context, owner Owner, p *Portal, sender *Puppet, msg *remote.Message, existing *database.Message) error {
	cli, isDoublePuppet, err := t.intentFor(ctx, p, sender)
	if err != nil {
		return err
	}
	newContent := t.textContent(owner, msg.Text)
	content := &event.MessageEventContent{
		MsgType:    newContent.MsgType,
		Body:       "* " + newContent.Body,
		Format:     newContent.Format,
		NewContent: newContent,
		RelatesTo:  &event.RelatesTo{Type: event.RelReplace, EventID: existing.MXEvent},
	}
	if newContent.FormattedBody != "" {
		content.FormattedBody = "* " + newContent.FormattedBody
	}
	_, err = t.sendEvent(ctx, cli, isDoublePuppet, p.MXID, event.EventMessage, content, 0)
	if err != nil {
		return fmt.Errorf("failed to send edit: %w", err)
	}
	return nil
}

func (t *Translator) fileContent(ctx context.Context, owner Owner, cli *mautrix.Client, file remote.File) (*event.MessageEventContent, error) {
	client := owner.GetRemote()
	if client == nil {
		return nil, errors.New("account is not connected")
	}
	data, err := client.GetFile(ctx, file.ID)
	if err != nil {
		return nil, err
	}
	resp, err := cli.UploadBytes(ctx, data, file.MimeType)
	if err != nil {
		return nil, fmt.Errorf("failed to upload file: %w", err)
	}
	return &event.MessageEventContent{
		MsgType: fileMsgType(file.MimeType),
		Body:    file.Name,
		URL:     resp.ContentURI.CUString(),
		Info: &event.FileInfo{
			MimeType: file.MimeType,
			Size:     int(file.Size),
		},
	}, nil
}

func fileMsgType(mimeType string) event.MessageType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return event.MsgImage
	case strings.HasPrefix(mimeType, "video/"):
		return event.MsgVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return event.MsgAudio
	default:
		return event.MsgFile
	}
}

// TranslateReactionAdd bridges a Mattermost reaction.
func (t *Translator) TranslateReactionAdd(ctx context.Context, owner Owner, p *Portal, sender *Puppet, evt *remote.ReactionAdded) error {
	target, err := t.db.GetMessage(ctx, evt.MessageID, p.Receiver)
	if errors.Is(err, database.ErrNotFound) {
		t.log.Debug().Str("post_id", evt.MessageID).Msg("Dropping reaction to unknown post")
		return nil
	} else if err != nil {
		return err
	}
	if _, err = t.db.GetReaction(ctx, evt.MessageID, evt.UserID, evt.Emoji, p.Receiver); err == nil {
		return nil
	} else if !errors.Is(err, database.ErrNotFound) {
		return err
	}
	cli, isDoublePuppet, err := t.intentFor(ctx, p, sender)
	if err != nil {
		return err
	}
	content := &event.ReactionEventContent{RelatesTo: event.RelatesTo{
		Type:    event.RelAnnotation,
		EventID: target.MXEvent,
		Key:     variationselector.Add(evt.Emoji),
	}}
	eventID, err := t.sendEvent(ctx, cli, isDoublePuppet, p.MXID, event.EventReaction, content, evt.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to send reaction: %w", err)
	}
	return t.db.SaveReaction(ctx, &database.Reaction{
		MMPostID: evt.MessageID,
		MMSender: evt.UserID,
		Emoji:    evt.Emoji,
		Receiver: p.Receiver,
		MXRoom:   p.MXID,
		MXEvent:  eventID,
	})
}

// TranslateReactionRemove redacts a bridged reaction.
func (t *Translator) TranslateReactionRemove(ctx context.Context, owner Owner, p *Portal, sender *Puppet, evt *remote.ReactionRemoved) error {
	existing, err := t.db.GetReaction(ctx, evt.MessageID, evt.UserID, evt.Emoji, p.Receiver)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	cli, _, err := t.intentFor(ctx, p, sender)
	if err != nil {
		return err
	}
	if _, err = cli.RedactEvent(ctx, existing.MXRoom, existing.MXEvent); err != nil {
		return fmt.Errorf("failed to redact reaction: %w", err)
	}
	return t.db.DeleteReaction(ctx, existing)
}

// TranslateReceipt moves the reader's read marker to the newest bridged
// message at or before the receipt. Historical receipts never make a ghost
// join a room just to mark it read.
func (t *Translator) TranslateReceipt(ctx context.Context, owner Owner, p *Portal, reader *Puppet, evt *remote.ReceiptUpdated, historical bool) error {
	msg, err := t.db.GetLastMessageBefore(ctx, p.MXID, evt.ReadUpTo.UnixMilli())
	if errors.Is(err, database.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	var cli *mautrix.Client
	if dp := t.doublePuppetFor(reader, p.Receiver); dp != nil {
		cli = dp
	} else if historical && !t.as.StateStore.IsInRoom(ctx, p.MXID, reader.MXID) {
		return nil
	} else {
		cli, _, err = t.intentFor(ctx, p, reader)
		if err != nil {
			return err
		}
	}
	if err = cli.MarkRead(ctx, p.MXID, msg.MXEvent); err != nil {
		return fmt.Errorf("failed to mark read: %w", err)
	}
	return nil
}
