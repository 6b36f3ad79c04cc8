// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mmclient

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
)

// eventStream is the subset of model.WebSocketClient the poll loop uses.
type eventStream interface {
	Events() <-chan *model.WebSocketEvent
	Err() error
	Close()
}

type dialFunc func(wsURL, token string) (eventStream, error)

type wsStream struct {
	ws *model.WebSocketClient
}

func dialWebSocket(wsURL, token string) (eventStream, error) {
	ws, err := model.NewWebSocketClient4(wsURL, token)
	if err != nil {
		return nil, fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()
	return &wsStream{ws: ws}, nil
}

func (s *wsStream) Events() <-chan *model.WebSocketEvent {
	return s.ws.EventChannel
}

func (s *wsStream) Err() error {
	if s.ws.ListenError != nil {
		return s.ws.ListenError
	}
	return errors.New("websocket closed")
}

func (s *wsStream) Close() {
	s.ws.Close()
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func formatCursor(ts int64) string {
	if ts <= 0 {
		return ""
	}
	return strconv.FormatInt(ts, 10)
}

func parseCursor(cursor string) int64 {
	ts, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || ts < 0 {
		return 0
	}
	return ts
}

// pendingSet holds the pending post IDs of messages this client sent, so
// their websocket echoes can be dropped.
type pendingSet struct {
	lock sync.Mutex
	ids  map[string]struct{}
}

func newPendingSet() *pendingSet {
	return &pendingSet{ids: make(map[string]struct{})}
}

func (p *pendingSet) add(id string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.ids[id] = struct{}{}
}

// take reports whether id was pending and removes it.
func (p *pendingSet) take(id string) bool {
	if id == "" {
		return false
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	_, ok := p.ids[id]
	delete(p.ids, id)
	return ok
}
