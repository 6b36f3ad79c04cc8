// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mmclient implements [remote.Client] on top of the official
// Mattermost REST client and websocket.
package mmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-mattermost-dm/pkg/remote"
)

// Options configures the poll loop.
type Options struct {
	// ErrorSleep is the base backoff after a failed poll cycle. The n-th
	// consecutive failure sleeps n*ErrorSleep, capped at MaxBackoff.
	ErrorSleep time.Duration
	// MaxPollErrors makes the loop give up after this many consecutive
	// failures. Zero or negative retries forever.
	MaxPollErrors int
}

// MaxBackoff caps the sleep between failed poll cycles.
const MaxBackoff = 15 * time.Minute

// Client is a Mattermost connection for one account.
type Client struct {
	serverURL string
	opts      Options
	log       zerolog.Logger
	dial      dialFunc

	api *model.Client4

	lock     sync.RWMutex
	creds    remote.Credentials
	me       *remote.Identity
	cursor   int64
	handlers remote.Handlers
	kinds    map[string]remote.ConversationKind

	pending *pendingSet

	pollLock   sync.Mutex
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

var _ remote.Client = (*Client)(nil)

// New creates a client for a Mattermost server. It does not make any
// requests until Connect is called.
func New(serverURL string, opts Options, log zerolog.Logger) *Client {
	serverURL = strings.TrimSuffix(serverURL, "/")
	return &Client{
		serverURL: serverURL,
		opts:      opts,
		log:       log.With().Str("component", "mm_client").Logger(),
		dial:      dialWebSocket,
		api:       model.NewAPIv4Client(serverURL),
		kinds:     make(map[string]remote.ConversationKind),
		pending:   newPendingSet(),
	}
}

// Connect applies the credentials and verifies them with GET /users/me.
func (c *Client) Connect(ctx context.Context, creds remote.Credentials) (*remote.Identity, error) {
	c.SetCredentials(creds)
	if creds.AuthToken == "" {
		return nil, &remote.AuthError{Message: "no access token"}
	}
	c.log.Info().Str("server_url", c.serverURL).Msg("Connecting to Mattermost")
	me, err := c.Whoami(ctx)
	if err != nil {
		return nil, err
	}
	c.log.Info().Str("user_id", me.UserID).Str("username", me.Username).Msg("Authenticated")
	return me, nil
}

// Whoami fetches the identity of the logged-in user.
func (c *Client) Whoami(ctx context.Context) (*remote.Identity, error) {
	user, resp, err := c.api.GetMe(ctx, "")
	if err != nil {
		return nil, classify(resp, err, "failed to get own user")
	}
	me := &remote.Identity{
		UserID:      user.Id,
		Username:    user.Username,
		DisplayName: user.GetDisplayName(model.ShowNicknameFullName),
	}
	c.lock.Lock()
	c.me = me
	c.lock.Unlock()
	return me, nil
}

// Logout invalidates the session token on the server.
func (c *Client) Logout(ctx context.Context) error {
	c.StopPolling()
	resp, err := c.api.Logout(ctx)
	if err != nil {
		return classify(resp, err, "failed to log out")
	}
	return nil
}

// Subscribe replaces the event handlers.
func (c *Client) Subscribe(handlers remote.Handlers) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.handlers = handlers
}

func (c *Client) getHandlers() remote.Handlers {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.handlers
}

func (c *Client) Credentials() remote.Credentials {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.creds
}

// SetCredentials swaps the credentials used for subsequent requests.
func (c *Client) SetCredentials(creds remote.Credentials) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.creds = creds
	c.api.SetToken(creds.AuthToken)
	if c.api.HTTPHeader == nil {
		c.api.HTTPHeader = make(map[string]string)
	}
	if creds.CSRFToken != "" {
		c.api.HTTPHeader[model.HeaderCsrfToken] = creds.CSRFToken
	} else {
		delete(c.api.HTTPHeader, model.HeaderCsrfToken)
	}
}

func (c *Client) userID() string {
	c.lock.RLock()
	defer c.lock.RUnlock()
	if c.me == nil {
		return ""
	}
	return c.me.UserID
}

// Cursor returns the create time of the newest seen post in milliseconds.
func (c *Client) Cursor() string {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return formatCursor(c.cursor)
}

func (c *Client) SetCursor(cursor string) {
	ts := parseCursor(cursor)
	c.lock.Lock()
	defer c.lock.Unlock()
	c.cursor = ts
}

// advanceCursor moves the cursor forward, never back.
func (c *Client) advanceCursor(ts int64) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if ts > c.cursor {
		c.cursor = ts
	}
}

func (c *Client) cursorMillis() int64 {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.cursor
}

func (c *Client) rememberKind(channelID string, kind remote.ConversationKind) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.kinds[channelID] = kind
}

// conversationKind returns the kind of a DM or group DM channel. ok is false
// for any other channel type.
func (c *Client) conversationKind(ctx context.Context, channelID string) (remote.ConversationKind, bool) {
	c.lock.RLock()
	kind, ok := c.kinds[channelID]
	c.lock.RUnlock()
	if ok {
		return kind, true
	}
	ch, _, err := c.api.GetChannel(ctx, channelID, "")
	if err != nil {
		c.log.Debug().Err(err).Str("channel_id", channelID).Msg("Failed to look up channel type")
		return 0, false
	}
	kind, ok = channelKind(ch)
	if ok {
		c.rememberKind(channelID, kind)
	}
	return kind, ok
}

func channelKind(ch *model.Channel) (remote.ConversationKind, bool) {
	switch ch.Type {
	case model.ChannelTypeDirect:
		return remote.KindDirect, true
	case model.ChannelTypeGroup:
		return remote.KindGroup, true
	default:
		return 0, false
	}
}

// classify converts a Client4 error into the remote error taxonomy.
func classify(resp *model.Response, err error, msg string) error {
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	var appErr *model.AppError
	if status == 0 && errors.As(err, &appErr) {
		status = appErr.StatusCode
	}
	if status == http.StatusUnauthorized {
		return &remote.AuthError{Message: msg, Err: err}
	}
	return &remote.TransportError{StatusCode: status, Err: fmt.Errorf("%s: %w", msg, err)}
}
