// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/bridgev2/status"
	"maunium.net/go/mautrix/id"
)

// Bridge state error codes.
const (
	ErrAuthFailed       status.BridgeStateErrorCode = "mm-auth-error"
	ErrConnectionFailed status.BridgeStateErrorCode = "mm-connection-failed"
	ErrNotConnected     status.BridgeStateErrorCode = "mm-not-connected"
	ErrConnectionError  status.BridgeStateErrorCode = "mm-connection-error"
	ErrLoggedOut        status.BridgeStateErrorCode = "logged-out"
	ErrNotLoggedIn      status.BridgeStateErrorCode = "mm-not-logged-in"
)

const defaultBridgeStateTTL = 3600

var humanErrors = map[status.BridgeStateErrorCode]string{
	ErrAuthFailed:       "Mattermost rejected the stored credentials",
	ErrConnectionFailed: "Failed to connect to Mattermost",
	ErrNotConnected:     "You're not connected to Mattermost",
	ErrConnectionError:  "An error occurred while polling Mattermost",
	ErrLoggedOut:        "You were logged out from Mattermost, please log in again",
	ErrNotLoggedIn:      "You're not logged into Mattermost",
}

// HumanError returns the user-facing message of an error code.
func HumanError(code status.BridgeStateErrorCode) string {
	return humanErrors[code]
}

// StateSink receives bridge state pushes.
type StateSink interface {
	SendBridgeState(ctx context.Context, state *status.BridgeState) error
}

// HTTPStateSink posts bridge states as JSON to a status endpoint.
type HTTPStateSink struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

func (s *HTTPStateSink) SendBridgeState(ctx context.Context, state *status.BridgeState) error {
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal bridge state: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to prepare bridge state request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	cli := s.Client
	if cli == nil {
		cli = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := cli.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send bridge state: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from bridge state endpoint", resp.StatusCode)
	}
	return nil
}

// LogStateSink only logs bridge states. It is used when no status endpoint
// is configured.
type LogStateSink struct {
	Log zerolog.Logger
}

func (s LogStateSink) SendBridgeState(_ context.Context, state *status.BridgeState) error {
	s.Log.Info().
		Str("user_id", state.UserID.String()).
		Str("state_event", string(state.StateEvent)).
		Str("error", string(state.Error)).
		Msg("Bridge state changed")
	return nil
}

// Reporter pushes per-account bridge states to a sink and remembers the
// last one for health queries.
type Reporter struct {
	sink StateSink
	log  zerolog.Logger

	lock sync.RWMutex
	last map[id.UserID]status.BridgeState
}

func NewReporter(sink StateSink, log zerolog.Logger) *Reporter {
	if sink == nil {
		sink = LogStateSink{Log: log}
	}
	return &Reporter{
		sink: sink,
		log:  log,
		last: make(map[id.UserID]status.BridgeState),
	}
}

// Push sends a state for an account. Sink failures are logged.
func (r *Reporter) Push(ctx context.Context, userID id.UserID, evt status.BridgeStateEvent, code status.BridgeStateErrorCode) {
	state := status.BridgeState{
		StateEvent: evt,
		Timestamp:  jsontime.UnixNow(),
		TTL:        defaultBridgeStateTTL,
		Source:     "bridge",
		Error:      code,
		Message:    humanErrors[code],
		UserID:     userID,
	}
	r.lock.Lock()
	r.last[userID] = state
	r.lock.Unlock()
	if err := r.sink.SendBridgeState(ctx, &state); err != nil {
		r.log.Warn().Err(err).
			Str("user_id", userID.String()).
			Str("state_event", string(evt)).
			Msg("Failed to push bridge state")
	}
}

// Last returns the most recent state pushed for an account.
func (r *Reporter) Last(userID id.UserID) (status.BridgeState, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	state, ok := r.last[userID]
	return state, ok
}
