// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/bridgev2/status"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mattermost-dm/pkg/database"
	"github.com/aiku/mautrix-mattermost-dm/pkg/portal"
	"github.com/aiku/mautrix-mattermost-dm/pkg/remote"
)

type loginState int

const (
	loginUnknown loginState = iota
	loginTrue
	loginFalse
)

// reconnectCall is an in-flight connect sequence. Callers that arrive while
// it runs wait on done and share err.
type reconnectCall struct {
	done chan struct{}
	err  error
}

// Session is the live state of one bridged account.
type Session struct {
	bridge *Bridge
	MXID   id.UserID
	log    zerolog.Logger

	lock     sync.RWMutex
	account  *database.Account
	client   remote.Client
	loggedIn loginState
	// stopped is set by Stop and keeps a pending initial sync from
	// starting the stream loop.
	stopped bool

	connected       atomic.Bool
	intentionalStop atomic.Bool

	reconnectLock sync.Mutex
	reconnect     *reconnectCall

	queues *conversationQueues

	noticeSendLock sync.Mutex
	noticeRoomLock sync.Mutex
}

var _ portal.Owner = (*Session)(nil)

func newSession(b *Bridge, acc *database.Account) *Session {
	log := b.Log.With().Str("user_id", acc.MXID.String()).Logger()
	return &Session{
		bridge:  b,
		MXID:    acc.MXID,
		log:     log,
		account: acc,
		queues:  newConversationQueues(log),
	}
}

// LocalID returns the Matrix user ID.
func (s *Session) LocalID() string { return s.MXID.String() }

// RemoteID returns the Mattermost user ID, or "" when logged out.
func (s *Session) RemoteID() string { return s.GetRemoteID() }

func (s *Session) GetMXID() id.UserID { return s.MXID }

func (s *Session) GetRemoteID() string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.account.MMUserID
}

func (s *Session) GetRemote() remote.Client {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.client
}

func (s *Session) storedCredentials() remote.Credentials {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return remote.Credentials{AuthToken: s.account.AuthToken, CSRFToken: s.account.CSRFToken}
}

func (s *Session) isCurrent(client remote.Client) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.client == client
}

func (s *Session) saveAccount(ctx context.Context) error {
	s.lock.RLock()
	acc := *s.account
	s.lock.RUnlock()
	return s.bridge.DB.SaveAccount(ctx, &acc)
}

func (s *Session) pushState(ctx context.Context, evt status.BridgeStateEvent, code status.BridgeStateErrorCode) {
	s.bridge.reporter.Push(ctx, s.MXID, evt, code)
}

// Connect connects with the stored credentials. Failures are reported as
// bridge states and never returned.
func (s *Session) Connect(ctx context.Context) {
	creds := s.storedCredentials()
	if creds.IsZero() {
		s.pushState(ctx, status.StateBadCredentials, ErrNotLoggedIn)
		return
	}
	_ = s.supervise(ctx, creds, false)
}

// ReconnectWithCredentials connects with new credentials and persists them
// on success. Only one connect sequence runs at a time; callers arriving
// while one is in flight wait for it and get its result. Credentials equal
// to the active ones are a no-op.
func (s *Session) ReconnectWithCredentials(ctx context.Context, creds remote.Credentials) error {
	return s.supervise(ctx, creds, true)
}

func (s *Session) isActive(creds remote.Credentials) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.client != nil && s.loggedIn == loginTrue && s.client.Credentials() == creds
}

func (s *Session) supervise(ctx context.Context, creds remote.Credentials, skipIfActive bool) error {
	s.reconnectLock.Lock()
	call := s.reconnect
	if call == nil {
		if skipIfActive && s.isActive(creds) {
			s.reconnectLock.Unlock()
			s.log.Debug().Msg("Credentials unchanged, not reconnecting")
			return nil
		}
		call = &reconnectCall{done: make(chan struct{})}
		s.reconnect = call
		go s.runReconnect(context.WithoutCancel(ctx), call, creds)
	}
	s.reconnectLock.Unlock()

	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) runReconnect(ctx context.Context, call *reconnectCall, creds remote.Credentials) {
	call.err = s.connect(ctx, creds)
	s.reconnectLock.Lock()
	s.reconnect = nil
	s.reconnectLock.Unlock()
	close(call.done)
}

func (s *Session) connect(ctx context.Context, creds remote.Credentials) error {
	client := s.bridge.NewClient(s.log)
	me, err := client.Connect(ctx, creds)
	if err != nil {
		s.reportConnectError(ctx, err)
		return err
	}

	s.lock.Lock()
	oldClient := s.client
	oldRemoteID := s.account.MMUserID
	if oldRemoteID != me.UserID {
		s.account.Cursor = ""
	}
	s.account.MMUserID = me.UserID
	s.account.AuthToken = creds.AuthToken
	s.account.CSRFToken = creds.CSRFToken
	s.client = client
	s.loggedIn = loginTrue
	s.stopped = false
	cursor := s.account.Cursor
	s.lock.Unlock()

	if oldClient != nil {
		// Events of the replaced client are ignored from here on.
		oldClient.StopPolling()
	}
	if oldRemoteID != me.UserID {
		s.bridge.accounts.Forget(oldRemoteID)
	}
	if err = s.saveAccount(ctx); err != nil {
		s.log.Err(err).Msg("Failed to save account after connecting")
	}
	s.bridge.accounts.Register(s)
	s.intentionalStop.Store(false)
	s.log.Info().
		Str("mm_user_id", me.UserID).
		Str("mm_username", me.Username).
		Msg("Connected to Mattermost")

	client.Subscribe(s.handlers(client))
	go s.syncSelf(ctx, client, me.UserID)
	if cursor != "" {
		client.SetCursor(cursor)
		s.startPolling(ctx, client)
	} else {
		go s.initialSync(ctx, client)
	}
	return nil
}

func (s *Session) reportConnectError(ctx context.Context, err error) {
	if remote.IsAuthError(err) {
		s.log.Warn().Err(err).Msg("Mattermost rejected credentials")
		s.lock.Lock()
		if s.client == nil {
			s.loggedIn = loginFalse
		}
		s.lock.Unlock()
		s.pushState(ctx, status.StateBadCredentials, ErrAuthFailed)
		return
	}
	s.log.Err(err).Msg("Failed to connect to Mattermost")
	s.pushState(ctx, status.StateUnknownError, ErrConnectionFailed)
}

func (s *Session) syncSelf(ctx context.Context, client remote.Client, remoteID string) {
	me, err := client.GetUser(ctx, remoteID)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to fetch own profile")
		return
	}
	token := s.bridge.Config.Bridge.DoublePuppetTokens[s.MXID]
	if err = s.bridge.Translator.SyncSelf(ctx, s, me, token); err != nil {
		s.log.Warn().Err(err).Msg("Failed to sync own puppet")
	}
}

// startPolling starts the stream loop of client unless the session was
// stopped or the client replaced in the meantime.
func (s *Session) startPolling(ctx context.Context, client remote.Client) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.stopped || s.client != client {
		return false
	}
	client.StartPolling(ctx)
	return true
}

// Stop stops the stream loop and persists the cursor. The disconnect it
// causes is not reported as an error. A stream loop that an initial sync
// was about to start stays stopped.
func (s *Session) Stop(ctx context.Context) {
	s.lock.Lock()
	s.stopped = true
	client := s.client
	s.lock.Unlock()
	if client == nil {
		return
	}
	if client.IsPolling() {
		s.intentionalStop.Store(true)
	}
	client.StopPolling()
	s.connected.Store(false)
	s.saveCursor(ctx, client)
}

func (s *Session) saveCursor(ctx context.Context, client remote.Client) {
	cursor := client.Cursor()
	if cursor == "" {
		return
	}
	s.lock.Lock()
	if s.client != client {
		s.lock.Unlock()
		return
	}
	s.account.Cursor = cursor
	s.lock.Unlock()
	if err := s.saveAccount(ctx); err != nil {
		s.log.Err(err).Msg("Failed to save sync cursor")
	}
}

// Logout stops the session, logs out remotely and forgets the remote
// identity, credentials and cursor.
func (s *Session) Logout(ctx context.Context) error {
	s.Stop(ctx)

	s.lock.Lock()
	client := s.client
	oldRemoteID := s.account.MMUserID
	s.client = nil
	s.account.ClearLogin()
	s.loggedIn = loginFalse
	s.lock.Unlock()

	if client != nil {
		if err := client.Logout(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Failed to log out from Mattermost")
		}
	}
	if oldRemoteID != "" {
		s.bridge.accounts.Forget(oldRemoteID)
		if err := s.bridge.Translator.RevokeDoublePuppet(ctx, s, oldRemoteID); err != nil {
			s.log.Warn().Err(err).Msg("Failed to revoke double puppet")
		}
	}
	s.pushState(ctx, status.StateLoggedOut, "")
	if err := s.saveAccount(ctx); err != nil {
		return err
	}
	s.log.Info().Str("mm_user_id", oldRemoteID).Msg("Logged out")
	return nil
}

// IsLoggedIn reports whether the stored credentials are valid. An unknown
// state is resolved with one identity check.
func (s *Session) IsLoggedIn(ctx context.Context) bool {
	s.lock.RLock()
	state := s.loggedIn
	s.lock.RUnlock()
	switch state {
	case loginTrue:
		return true
	case loginFalse:
		return false
	}

	creds := s.storedCredentials()
	if creds.IsZero() {
		return false
	}
	_, err := s.bridge.NewClient(s.log).Connect(ctx, creds)
	switch {
	case err == nil:
		state = loginTrue
	case remote.IsAuthError(err):
		state = loginFalse
	default:
		s.log.Warn().Err(err).Msg("Failed to check login state")
		return false
	}
	s.lock.Lock()
	if s.loggedIn == loginUnknown {
		s.loggedIn = state
	}
	s.lock.Unlock()
	return state == loginTrue
}

// ConnectionInfo describes a session for the provisioning API.
type ConnectionInfo struct {
	MXID           id.UserID               `json:"mxid"`
	RemoteID       string                  `json:"mm_user_id,omitempty"`
	HasCredentials bool                    `json:"has_credentials"`
	Connected      bool                    `json:"connected"`
	Polling        bool                    `json:"polling"`
	Cursor         string                  `json:"cursor,omitempty"`
	NoticeRoom     id.RoomID               `json:"notice_room,omitempty"`
	State          status.BridgeStateEvent `json:"state_event,omitempty"`
}

// GetConnectionInfo returns a snapshot of the session's connection.
func (s *Session) GetConnectionInfo() ConnectionInfo {
	s.lock.RLock()
	info := ConnectionInfo{
		MXID:           s.MXID,
		RemoteID:       s.account.MMUserID,
		HasCredentials: s.account.AuthToken != "",
		Cursor:         s.account.Cursor,
		NoticeRoom:     s.account.NoticeRoom,
	}
	client := s.client
	s.lock.RUnlock()

	info.Connected = s.connected.Load()
	if client != nil {
		info.Polling = client.IsPolling()
		if cursor := client.Cursor(); cursor != "" {
			info.Cursor = cursor
		}
	}
	if last, ok := s.bridge.reporter.Last(s.MXID); ok {
		info.State = last.StateEvent
	}
	return info
}
