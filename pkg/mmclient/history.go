// Copyright 2024-2026 Aiku AI

package mmclient

import (
	"context"
	"sort"

	"github.com/aiku/mautrix-mattermost-dm/pkg/remote"
)

// maxHistoryPage is the largest page the posts API returns.
const maxHistoryPage = 200

// FetchHistory returns the most recent user posts of a DM or group DM,
// oldest first. System posts and deleted posts are skipped, so fewer than
// limit messages may be returned.
func (c *Client) FetchHistory(ctx context.Context, conversationID string, limit int) ([]*remote.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	kind, ok := c.conversationKind(ctx, conversationID)
	if !ok {
		return nil, nil
	}
	perPage := min(limit, maxHistoryPage)
	list, resp, err := c.api.GetPostsForChannel(ctx, conversationID, 0, perPage, "", false, false)
	if err != nil {
		return nil, classify(resp, err, "failed to fetch posts for backfill")
	}

	posts := list.ToSlice()
	sort.Slice(posts, func(i, j int) bool {
		return posts[i].CreateAt < posts[j].CreateAt
	})
	if len(posts) > limit {
		posts = posts[len(posts)-limit:]
	}
	msgs := make([]*remote.Message, 0, len(posts))
	for _, post := range posts {
		if post.DeleteAt > 0 || !isUserPost(post) {
			continue
		}
		msgs = append(msgs, c.postToMessage(ctx, post, kind))
	}
	c.log.Debug().
		Str("channel_id", conversationID).
		Int("posts", len(list.Order)).
		Int("messages", len(msgs)).
		Msg("Fetched channel history")
	return msgs, nil
}
