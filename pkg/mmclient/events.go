// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mautrix-mattermost-dm/pkg/remote"
)

// handleEvent maps a websocket event to a normalized remote event.
func (c *Client) handleEvent(ctx context.Context, evt *model.WebSocketEvent) {
	var err error
	switch evt.EventType() {
	case model.WebsocketEventPosted, model.WebsocketEventPostEdited:
		err = c.handlePosted(ctx, evt)
	case model.WebsocketEventReactionAdded, model.WebsocketEventReactionRemoved:
		err = c.handleReaction(ctx, evt)
	case model.WebsocketEventChannelViewed:
		c.handleChannelViewed(ctx, evt)
	case model.WebsocketEventUserUpdated:
		err = c.handleUserUpdated(ctx, evt)
	case model.WebsocketEventChannelUpdated, model.WebsocketEventDirectAdded, model.WebsocketEventGroupAdded:
		err = c.handleChannelChanged(ctx, evt)
	default:
		c.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
	if err != nil {
		c.log.Warn().Err(err).Str("event_type", string(evt.EventType())).Msg("Failed to handle websocket event")
	}
}

// decodeData decodes a websocket data field that is either a JSON string or
// an already decoded object.
func decodeData(raw any, out any) error {
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case nil:
		return fmt.Errorf("missing field")
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			return err
		}
	}
	return json.Unmarshal(data, out)
}

func (c *Client) handlePosted(ctx context.Context, evt *model.WebSocketEvent) error {
	var post model.Post
	if err := decodeData(evt.GetData()["post"], &post); err != nil {
		return fmt.Errorf("failed to decode post: %w", err)
	}
	if !isUserPost(&post) {
		return nil
	}
	if c.pending.take(post.PendingPostId) {
		c.log.Debug().Str("post_id", post.Id).Msg("Dropping echo of own sent post")
		c.advanceCursor(post.CreateAt)
		return nil
	}
	var kind remote.ConversationKind
	var ok bool
	switch model.ChannelType(fmt.Sprint(evt.GetData()["channel_type"])) {
	case model.ChannelTypeDirect:
		kind, ok = remote.KindDirect, true
		c.rememberKind(post.ChannelId, kind)
	case model.ChannelTypeGroup:
		kind, ok = remote.KindGroup, true
		c.rememberKind(post.ChannelId, kind)
	case model.ChannelTypeOpen, model.ChannelTypePrivate:
		return nil
	default:
		kind, ok = c.conversationKind(ctx, post.ChannelId)
	}
	if !ok {
		return nil
	}
	msg := c.postToMessage(ctx, &post, kind)
	msg.Edited = evt.EventType() == model.WebsocketEventPostEdited
	c.emitMessage(ctx, msg)
	return nil
}

func (c *Client) handleReaction(ctx context.Context, evt *model.WebSocketEvent) error {
	var reaction model.Reaction
	if err := decodeData(evt.GetData()["reaction"], &reaction); err != nil {
		return fmt.Errorf("failed to decode reaction: %w", err)
	}
	channelID := evt.GetBroadcast().ChannelId
	if channelID == "" {
		channelID = reaction.ChannelId
	}
	if _, ok := c.conversationKind(ctx, channelID); !ok {
		return nil
	}
	handlers := c.getHandlers()
	if evt.EventType() == model.WebsocketEventReactionAdded {
		if handlers.ReactionAdded != nil {
			handlers.ReactionAdded(ctx, &remote.ReactionAdded{
				ConversationID: channelID,
				MessageID:      reaction.PostId,
				UserID:         reaction.UserId,
				Emoji:          reactionToEmoji(reaction.EmojiName),
				Timestamp:      time.UnixMilli(reaction.CreateAt),
			})
		}
	} else if handlers.ReactionRemoved != nil {
		handlers.ReactionRemoved(ctx, &remote.ReactionRemoved{
			ConversationID: channelID,
			MessageID:      reaction.PostId,
			UserID:         reaction.UserId,
			Emoji:          reactionToEmoji(reaction.EmojiName),
		})
	}
	return nil
}

// handleChannelViewed reports the account reading a channel on another
// device.
func (c *Client) handleChannelViewed(ctx context.Context, evt *model.WebSocketEvent) {
	channelID, _ := evt.GetData()["channel_id"].(string)
	if channelID == "" {
		return
	}
	if _, ok := c.conversationKind(ctx, channelID); !ok {
		return
	}
	if h := c.getHandlers().ReceiptUpdated; h != nil {
		h(ctx, &remote.ReceiptUpdated{ConversationID: channelID, ReadUpTo: time.Now()})
	}
}

func (c *Client) handleUserUpdated(ctx context.Context, evt *model.WebSocketEvent) error {
	var user model.User
	if err := decodeData(evt.GetData()["user"], &user); err != nil {
		return fmt.Errorf("failed to decode user: %w", err)
	}
	if h := c.getHandlers().UserUpdated; h != nil {
		h(ctx, &remote.UserUpdated{User: convertUser(&user)})
	}
	return nil
}

func (c *Client) handleChannelChanged(ctx context.Context, evt *model.WebSocketEvent) error {
	channelID := evt.GetBroadcast().ChannelId
	if evt.EventType() == model.WebsocketEventChannelUpdated {
		var ch model.Channel
		if err := decodeData(evt.GetData()["channel"], &ch); err == nil && ch.Id != "" {
			channelID = ch.Id
		}
	}
	if channelID == "" {
		return nil
	}
	if _, ok := c.conversationKind(ctx, channelID); !ok {
		return nil
	}
	conv, err := c.GetConversation(ctx, channelID)
	if err != nil {
		return err
	}
	if h := c.getHandlers().ConversationUpdated; h != nil {
		h(ctx, &remote.ConversationUpdated{Conversation: conv})
	}
	return nil
}
