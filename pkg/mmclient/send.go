// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mmclient

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mautrix-mattermost-dm/pkg/remote"
)

// SendMessage uploads the attachments and creates a post. replyTo may be
// any post in a thread; the reply is attached to the thread root.
func (c *Client) SendMessage(ctx context.Context, conversationID, text, replyTo string, files []remote.Upload) (string, error) {
	post := &model.Post{
		ChannelId:     conversationID,
		Message:       text,
		PendingPostId: c.userID() + ":" + uuid.New().String(),
	}
	for _, file := range files {
		name := file.Name
		if name == "" {
			name = "upload"
		}
		resp, httpResp, err := c.api.UploadFile(ctx, file.Data, conversationID, name)
		if err != nil {
			return "", classify(httpResp, err, "failed to upload file")
		}
		if len(resp.FileInfos) == 0 {
			return "", fmt.Errorf("no file info returned from upload")
		}
		post.FileIds = append(post.FileIds, resp.FileInfos[0].Id)
	}
	if replyTo != "" {
		post.RootId = replyTo
		if target, _, err := c.api.GetPost(ctx, replyTo, ""); err == nil && target.RootId != "" {
			post.RootId = target.RootId
		}
	}

	c.pending.add(post.PendingPostId)
	created, resp, err := c.api.CreatePost(ctx, post)
	if err != nil {
		c.pending.take(post.PendingPostId)
		return "", classify(resp, err, "failed to create post")
	}
	return created.Id, nil
}

func (c *Client) EditMessage(ctx context.Context, messageID, text string) error {
	_, resp, err := c.api.PatchPost(ctx, messageID, &model.PostPatch{Message: &text})
	if err != nil {
		return classify(resp, err, "failed to edit post")
	}
	return nil
}

// SendReaction reacts to a post. emoji may be a Unicode emoji or a
// Mattermost emoji name.
func (c *Client) SendReaction(ctx context.Context, messageID, emoji string) error {
	_, resp, err := c.api.SaveReaction(ctx, &model.Reaction{
		UserId:    c.userID(),
		PostId:    messageID,
		EmojiName: emojiToReaction(emoji),
	})
	if err != nil {
		return classify(resp, err, "failed to save reaction")
	}
	return nil
}

func (c *Client) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	resp, err := c.api.DeleteReaction(ctx, &model.Reaction{
		UserId:    c.userID(),
		PostId:    messageID,
		EmojiName: emojiToReaction(emoji),
	})
	if err != nil {
		return classify(resp, err, "failed to remove reaction")
	}
	return nil
}

// MarkRead marks a channel as viewed.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	_, resp, err := c.api.ViewChannel(ctx, c.userID(), &model.ChannelView{ChannelId: conversationID})
	if err != nil {
		return classify(resp, err, "failed to mark channel as viewed")
	}
	return nil
}
