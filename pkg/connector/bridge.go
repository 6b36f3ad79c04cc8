// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/bridgev2/status"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mattermost-dm/pkg/database"
	"github.com/aiku/mautrix-mattermost-dm/pkg/identity"
	"github.com/aiku/mautrix-mattermost-dm/pkg/mmclient"
	"github.com/aiku/mautrix-mattermost-dm/pkg/remote"
)

// Bridge owns every bridged account's session.
type Bridge struct {
	Config     *Config
	DB         *database.DB
	Translator RoomTranslator
	Log        zerolog.Logger

	// NewClient builds a disconnected remote client for a session.
	NewClient func(log zerolog.Logger) remote.Client
	// PasswordLogin exchanges a username and password for credentials.
	PasswordLogin func(ctx context.Context, serverURL, username, password string) (remote.Credentials, *remote.Identity, error)

	reporter *Reporter
	accounts *identity.Cache[*Session]
	counters *eventCounters
}

// NewBridge creates a bridge. A nil sink only logs bridge states.
func NewBridge(cfg *Config, db *database.DB, tr RoomTranslator, sink StateSink, log zerolog.Logger) *Bridge {
	b := &Bridge{
		Config:        cfg,
		DB:            db,
		Translator:    tr,
		Log:           log,
		PasswordLogin: mmclient.PasswordLogin,
		reporter:      NewReporter(sink, log.With().Str("component", "bridge_state").Logger()),
		counters:      newEventCounters(),
	}
	b.NewClient = func(log zerolog.Logger) remote.Client {
		return mmclient.New(cfg.Mattermost.ServerURL, mmclient.Options{
			ErrorSleep:    cfg.ErrorSleepDuration(),
			MaxPollErrors: cfg.Bridge.MaxPollErrors,
		}, log)
	}
	b.accounts = identity.New(b.loadSession)
	return b
}

func (b *Bridge) loadSession(ctx context.Context, localID string) (*Session, error) {
	mxid := id.UserID(localID)
	acc, err := b.DB.GetAccount(ctx, mxid)
	if errors.Is(err, database.ErrNotFound) {
		acc = &database.Account{MXID: mxid}
		if err = b.DB.SaveAccount(ctx, acc); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return newSession(b, acc), nil
}

// GetSession returns the session of a Matrix user, creating the account
// record on first use. Ghost users never get a session.
func (b *Bridge) GetSession(ctx context.Context, mxid id.UserID) (*Session, error) {
	if b.Translator.IsBridgeUser(mxid) {
		return nil, identity.ErrGhostIdentity
	}
	return b.accounts.GetOrCreate(ctx, mxid.String())
}

// GetSessionByRemoteID returns the session logged in as a Mattermost user.
func (b *Bridge) GetSessionByRemoteID(mmUserID string) (*Session, bool) {
	return b.accounts.GetByRemoteID(mmUserID)
}

// InitAllAccounts yields one connect task per account with stored
// credentials. Accounts are listed when iteration starts.
func (b *Bridge) InitAllAccounts(ctx context.Context) iter.Seq[func(context.Context)] {
	return func(yield func(func(context.Context)) bool) {
		accounts, err := b.DB.GetLoggedInAccounts(ctx)
		if err != nil {
			b.Log.Err(err).Msg("Failed to list logged in accounts")
			return
		}
		for _, acc := range accounts {
			sess, err := b.GetSession(ctx, acc.MXID)
			if err != nil {
				b.Log.Err(err).Str("user_id", acc.MXID.String()).Msg("Failed to load session")
				continue
			}
			if !yield(sess.Connect) {
				return
			}
		}
	}
}

// StopAll stops every session and waits for queued events to finish.
func (b *Bridge) StopAll(ctx context.Context) {
	sessions := b.accounts.All()
	for _, sess := range sessions {
		sess.Stop(ctx)
	}
	for _, sess := range sessions {
		sess.queues.Wait()
	}
}

// AccountHealth is the health of one logged-in account.
type AccountHealth struct {
	MXID       id.UserID               `json:"mxid"`
	RemoteID   string                  `json:"remote_id"`
	StateEvent status.BridgeStateEvent `json:"state_event"`
	LastState  *status.BridgeState     `json:"last_state,omitempty"`
}

// HealthReport is returned by the readiness endpoint.
type HealthReport struct {
	Accounts []AccountHealth  `json:"accounts"`
	Events   map[string]int64 `json:"events"`
}

// Health reports CONNECTED for connected sessions and UNKNOWN_ERROR for
// other logged-in ones, with the last pushed state and event counters.
func (b *Bridge) Health() HealthReport {
	report := HealthReport{
		Accounts: []AccountHealth{},
		Events:   b.counters.Snapshot(),
	}
	for _, sess := range b.accounts.All() {
		remoteID := sess.GetRemoteID()
		if remoteID == "" {
			continue
		}
		health := AccountHealth{
			MXID:       sess.MXID,
			RemoteID:   remoteID,
			StateEvent: status.StateUnknownError,
		}
		if sess.connected.Load() {
			health.StateEvent = status.StateConnected
		}
		if last, ok := b.reporter.Last(sess.MXID); ok {
			health.LastState = &last
		}
		report.Accounts = append(report.Accounts, health)
	}
	slices.SortFunc(report.Accounts, func(x, y AccountHealth) int {
		return strings.Compare(x.MXID.String(), y.MXID.String())
	})
	return report
}

// ListAccounts returns a one-line summary of every stored account.
func (b *Bridge) ListAccounts(ctx context.Context) ([]string, error) {
	accounts, err := b.DB.GetAllAccounts(ctx)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(accounts))
	for _, acc := range accounts {
		state := "logged out"
		if acc.HasLogin() {
			state = "logged in as " + acc.MMUserID
		}
		lines = append(lines, fmt.Sprintf("%s: %s", acc.MXID, state))
	}
	return lines, nil
}
