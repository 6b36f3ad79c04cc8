// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mmclient

import (
	"context"
	"sort"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mautrix-mattermost-dm/pkg/remote"
)

// StartPolling starts the stream loop in a new goroutine. It is a no-op if
// the loop is already running.
func (c *Client) StartPolling(ctx context.Context) {
	c.pollLock.Lock()
	defer c.pollLock.Unlock()
	if c.pollCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.pollCancel = cancel
	c.pollDone = done
	go func() {
		defer close(done)
		c.run(ctx)
		c.pollLock.Lock()
		if c.pollDone == done {
			c.pollCancel = nil
			c.pollDone = nil
		}
		c.pollLock.Unlock()
		cancel()
	}()
}

// StopPolling stops the stream loop and waits for it to exit. It must not
// be called from an event handler.
func (c *Client) StopPolling() {
	c.pollLock.Lock()
	cancel, done := c.pollCancel, c.pollDone
	c.pollLock.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Client) IsPolling() bool {
	c.pollLock.Lock()
	defer c.pollLock.Unlock()
	return c.pollCancel != nil
}

func (c *Client) run(ctx context.Context) {
	log := c.log.With().Str("action", "poll").Logger()
	ctx = log.WithContext(ctx)
	if h := c.getHandlers().ConnectionStarted; h != nil {
		h(ctx, &remote.ConnectionStarted{})
	}

	errCount := 0
	onHealthy := func() {
		if errCount == 0 {
			return
		}
		errCount = 0
		log.Info().Msg("Connection restored")
		if h := c.getHandlers().ConnectionErrorResolved; h != nil {
			h(ctx, &remote.ConnectionErrorResolved{})
		}
	}

	for {
		err := c.cycle(ctx, onHealthy)
		if ctx.Err() != nil {
			log.Debug().Msg("Poll loop stopped")
			if h := c.getHandlers().ConnectionStopped; h != nil {
				h(context.WithoutCancel(ctx), &remote.ConnectionStopped{})
			}
			return
		}

		errCount++
		fatal := remote.IsAuthError(err) || (c.opts.MaxPollErrors > 0 && errCount > c.opts.MaxPollErrors)
		log.Warn().Err(err).Int("error_count", errCount).Bool("fatal", fatal).Msg("Poll cycle failed")
		if h := c.getHandlers().ConnectionErrored; h != nil {
			h(ctx, &remote.ConnectionErrored{Err: err, Count: errCount, Fatal: fatal})
		}
		if fatal {
			return
		}

		select {
		case <-time.After(c.backoff(errCount)):
		case <-ctx.Done():
			if h := c.getHandlers().ConnectionStopped; h != nil {
				h(context.WithoutCancel(ctx), &remote.ConnectionStopped{})
			}
			return
		}
	}
}

func (c *Client) backoff(errCount int) time.Duration {
	sleep := c.opts.ErrorSleep * time.Duration(errCount)
	if sleep > MaxBackoff || sleep < 0 {
		return MaxBackoff
	}
	return sleep
}

// cycle verifies the session, opens the websocket, replays anything missed
// since the cursor and then streams events until the socket drops. It
// returns nil only when ctx is canceled.
func (c *Client) cycle(ctx context.Context, onHealthy func()) error {
	if _, err := c.Whoami(ctx); err != nil {
		return err
	}
	stream, err := c.dial(httpToWS(c.serverURL), c.Credentials().AuthToken)
	if err != nil {
		return &remote.TransportError{Err: err}
	}
	defer stream.Close()

	if err = c.catchUp(ctx); err != nil {
		return err
	}
	onHealthy()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-stream.Events():
			if !ok {
				return &remote.TransportError{Err: stream.Err()}
			}
			if evt != nil {
				c.handleEvent(ctx, evt)
			}
		}
	}
}

// catchUp emits posts created or edited after the cursor in every DM and
// group DM that has newer activity.
func (c *Client) catchUp(ctx context.Context) error {
	since := c.cursorMillis()
	if since == 0 {
		return nil
	}
	channels, resp, err := c.api.GetChannelsForUserWithLastDeleteAt(ctx, c.userID(), 0)
	if err != nil {
		return classify(resp, err, "failed to list channels")
	}
	for _, ch := range channels {
		kind, ok := channelKind(ch)
		if !ok {
			continue
		}
		c.rememberKind(ch.Id, kind)
		if ch.LastPostAt <= since {
			continue
		}
		list, resp, err := c.api.GetPostsSince(ctx, ch.Id, since, false)
		if err != nil {
			return classify(resp, err, "failed to fetch missed posts")
		}
		posts := list.ToSlice()
		sort.Slice(posts, func(i, j int) bool {
			return posts[i].CreateAt < posts[j].CreateAt
		})
		for _, post := range posts {
			if post.DeleteAt > 0 || !isUserPost(post) {
				continue
			}
			msg := c.postToMessage(ctx, post, kind)
			msg.Edited = post.CreateAt <= since
			c.emitMessage(ctx, msg)
		}
	}
	return nil
}

func isUserPost(post *model.Post) bool {
	return post.Type == "" || post.Type == model.PostTypeDefault
}

func (c *Client) emitMessage(ctx context.Context, msg *remote.Message) {
	if !msg.Edited {
		c.advanceCursor(msg.Timestamp.UnixMilli())
	}
	if h := c.getHandlers().MessageReceived; h != nil {
		h(ctx, &remote.MessageReceived{Message: msg})
	}
}
