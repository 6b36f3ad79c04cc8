// Copyright 2024-2026 Aiku AI

package mmclient

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mautrix-mattermost-dm/pkg/remote"
)

// FetchSnapshot lists every DM and group DM of the account together with
// the users taking part in them.
func (c *Client) FetchSnapshot(ctx context.Context) (*remote.Snapshot, error) {
	channels, resp, err := c.api.GetChannelsForUserWithLastDeleteAt(ctx, c.userID(), 0)
	if err != nil {
		return nil, classify(resp, err, "failed to list channels")
	}

	var dms []*model.Channel
	members := make(map[string][]string)
	userIDs := make(map[string]struct{})
	var newest int64
	for _, ch := range channels {
		kind, ok := channelKind(ch)
		if !ok {
			continue
		}
		c.rememberKind(ch.Id, kind)
		ids, err := c.channelParticipants(ctx, ch)
		if err != nil {
			c.log.Warn().Err(err).Str("channel_id", ch.Id).Msg("Failed to get channel members")
			continue
		}
		dms = append(dms, ch)
		members[ch.Id] = ids
		for _, uid := range ids {
			userIDs[uid] = struct{}{}
		}
		newest = max(newest, ch.LastPostAt)
	}

	users, err := c.getUsers(ctx, userIDs)
	if err != nil {
		return nil, err
	}

	snap := &remote.Snapshot{Cursor: formatCursor(newest)}
	if snap.Cursor == "" {
		snap.Cursor = formatCursor(time.Now().UnixMilli())
	}
	for _, ch := range dms {
		snap.Conversations = append(snap.Conversations, c.channelToConversation(ch, members[ch.Id], users))
	}
	for _, user := range users {
		snap.Users = append(snap.Users, user)
	}
	sort.Slice(snap.Users, func(i, j int) bool {
		return snap.Users[i].ID < snap.Users[j].ID
	})
	c.log.Info().Int("conversations", len(snap.Conversations)).Int("users", len(snap.Users)).Msg("Fetched conversation snapshot")
	return snap, nil
}

// GetConversation fetches the current metadata of one DM or group DM.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*remote.Conversation, error) {
	ch, resp, err := c.api.GetChannel(ctx, conversationID, "")
	if err != nil {
		return nil, classify(resp, err, "failed to get channel")
	}
	kind, ok := channelKind(ch)
	if !ok {
		return nil, fmt.Errorf("channel %s is not a direct or group message", conversationID)
	}
	c.rememberKind(ch.Id, kind)
	ids, err := c.channelParticipants(ctx, ch)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(ids))
	for _, uid := range ids {
		set[uid] = struct{}{}
	}
	users, err := c.getUsers(ctx, set)
	if err != nil {
		return nil, err
	}
	return c.channelToConversation(ch, ids, users), nil
}

func (c *Client) GetUser(ctx context.Context, userID string) (*remote.User, error) {
	user, resp, err := c.api.GetUser(ctx, userID, "")
	if err != nil {
		return nil, classify(resp, err, "failed to get user")
	}
	return convertUser(user), nil
}

func (c *Client) GetAvatar(ctx context.Context, user *remote.User) ([]byte, error) {
	data, resp, err := c.api.GetProfileImage(ctx, user.ID, "")
	if err != nil {
		return nil, classify(resp, err, "failed to get profile image")
	}
	return data, nil
}

func (c *Client) GetFile(ctx context.Context, fileID string) ([]byte, error) {
	data, resp, err := c.api.GetFile(ctx, fileID)
	if err != nil {
		return nil, classify(resp, err, "failed to download file")
	}
	return data, nil
}

// channelParticipants returns the user IDs in a DM or group DM. DM members
// are derived from the channel name without a request.
func (c *Client) channelParticipants(ctx context.Context, ch *model.Channel) ([]string, error) {
	if ch.Type == model.ChannelTypeDirect {
		me := c.userID()
		other := otherDMUser(ch, me)
		if other == "" {
			// Self-DM.
			return []string{me}, nil
		}
		return []string{me, other}, nil
	}
	members, resp, err := c.api.GetChannelMembers(ctx, ch.Id, 0, 200, "")
	if err != nil {
		return nil, classify(resp, err, "failed to get channel members")
	}
	ids := make([]string, 0, len(members))
	for _, member := range members {
		ids = append(ids, member.UserId)
	}
	return ids, nil
}

func (c *Client) getUsers(ctx context.Context, ids map[string]struct{}) (map[string]*remote.User, error) {
	out := make(map[string]*remote.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	list := make([]string, 0, len(ids))
	for uid := range ids {
		list = append(list, uid)
	}
	sort.Strings(list)
	users, resp, err := c.api.GetUsersByIds(ctx, list)
	if err != nil {
		return nil, classify(resp, err, "failed to get users")
	}
	for _, user := range users {
		out[user.Id] = convertUser(user)
	}
	return out, nil
}

// channelToConversation converts a Mattermost channel to a conversation. A
// conversation is untrusted when the channel is archived or a DM
// counterpart is deactivated. DMs with bots are low quality.
func (c *Client) channelToConversation(ch *model.Channel, participants []string, users map[string]*remote.User) *remote.Conversation {
	kind, _ := channelKind(ch)
	conv := &remote.Conversation{
		ID:           ch.Id,
		Kind:         kind,
		Participants: participants,
		LastActivity: time.UnixMilli(ch.LastPostAt),
		Trusted:      ch.DeleteAt == 0,
	}
	if kind == remote.KindGroup {
		conv.Name = ch.DisplayName
		return conv
	}
	conv.OtherUserID = otherDMUser(ch, c.userID())
	if conv.OtherUserID == "" {
		conv.OtherUserID = c.userID()
	}
	if other, ok := users[conv.OtherUserID]; ok {
		conv.LowQuality = other.IsBot
		if other.Deleted {
			conv.Trusted = false
		}
	}
	return conv
}

// otherDMUser returns the counterpart of a DM, or "" for a self-DM.
func otherDMUser(ch *model.Channel, me string) string {
	if !strings.Contains(ch.Name, "__") {
		return ""
	}
	return ch.GetOtherUserIdForDM(me)
}

func convertUser(user *model.User) *remote.User {
	return &remote.User{
		ID:              user.Id,
		Username:        user.Username,
		Nickname:        user.Nickname,
		FirstName:       user.FirstName,
		LastName:        user.LastName,
		IsBot:           user.IsBot,
		Deleted:         user.DeleteAt > 0,
		AvatarUpdatedAt: user.LastPictureUpdate,
	}
}

// postToMessage converts a post. Attachment metadata comes from the post
// when present and is fetched otherwise.
func (c *Client) postToMessage(ctx context.Context, post *model.Post, kind remote.ConversationKind) *remote.Message {
	msg := &remote.Message{
		ID:               post.Id,
		ConversationID:   post.ChannelId,
		ConversationKind: kind,
		SenderID:         post.UserId,
		Text:             post.Message,
		ReplyTo:          post.RootId,
		Timestamp:        time.UnixMilli(post.CreateAt),
	}
	if post.Metadata != nil && len(post.Metadata.Files) > 0 {
		for _, info := range post.Metadata.Files {
			msg.Files = append(msg.Files, convertFile(info))
		}
		return msg
	}
	for _, fileID := range post.FileIds {
		info, _, err := c.api.GetFileInfo(ctx, fileID)
		if err != nil {
			c.log.Error().Err(err).Str("file_id", fileID).Msg("Failed to get file info")
			continue
		}
		msg.Files = append(msg.Files, convertFile(info))
	}
	return msg
}

func convertFile(info *model.FileInfo) remote.File {
	return remote.File{
		ID:       info.Id,
		Name:     info.Name,
		MimeType: info.MimeType,
		Size:     info.Size,
	}
}
