// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mmclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-mattermost-dm/pkg/remote"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// fakeMM is a test helper that wraps an httptest.Server simulating the
// Mattermost API. It records calls and provides canned responses.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// Users maps user ID to model.User.
	Users map[string]*model.User
	// TokenToUser maps bearer tokens to user IDs for auth.
	TokenToUser map[string]string
	// Passwords maps login IDs to passwords for POST /users/login.
	Passwords map[string]string
	// Channels maps channel ID to model.Channel.
	Channels map[string]*model.Channel
	// ChannelMembers maps channel ID to member list.
	ChannelMembers map[string]model.ChannelMembers
	// ChannelsForUser maps user ID to channel list.
	ChannelsForUser map[string][]*model.Channel
	// Posts maps post ID to post.
	Posts map[string]*model.Post
	// PostsSince maps channel ID to the posts returned by GetPostsSince.
	PostsSince map[string]*model.PostList
	// ChannelPosts maps channel ID to the latest page of posts.
	ChannelPosts map[string]*model.PostList
	// Files maps file ID to model.FileInfo.
	Files map[string]*model.FileInfo
	// FailEndpoints causes specific path substrings to return 500.
	FailEndpoints map[string]bool

	createdPosts []*model.Post
}

func newFakeMM() *fakeMM {
	f := &fakeMM{
		Users:           make(map[string]*model.User),
		TokenToUser:     make(map[string]string),
		Passwords:       make(map[string]string),
		Channels:        make(map[string]*model.Channel),
		ChannelMembers:  make(map[string]model.ChannelMembers),
		ChannelsForUser: make(map[string][]*model.Channel),
		Posts:           make(map[string]*model.Post),
		PostsSince:      make(map[string]*model.PostList),
		ChannelPosts:    make(map[string]*model.PostList),
		Files:           make(map[string]*model.FileInfo),
		FailEndpoints:   make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeMM) Close() {
	f.Server.Close()
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeMM) CalledPath(method, path string) bool {
	for _, c := range f.Calls() {
		if c.Method == method && strings.Contains(c.Path, path) {
			return true
		}
	}
	return false
}

func (f *fakeMM) CreatedPosts() []*model.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.Post(nil), f.createdPosts...)
}

func (f *fakeMM) resolveToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	f.mu.Lock()
	defer f.mu.Unlock()
	for tok, uid := range f.TokenToUser {
		if strings.EqualFold(auth, "bearer "+tok) {
			return uid
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, v any) {
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	writeJSON(w, map[string]any{"id": "fake.error", "message": msg, "status_code": status})
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, endpointCall{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: string(body)})
	f.mu.Unlock()

	for prefix := range f.FailEndpoints {
		if strings.Contains(r.URL.Path, prefix) {
			writeError(w, http.StatusInternalServerError, "fake error")
			return
		}
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/v4")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if r.Method == http.MethodPost && path == "/users/login" {
		var req map[string]string
		_ = json.Unmarshal(body, &req)
		if pass, ok := f.Passwords[req["login_id"]]; !ok || pass != req["password"] {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		for uid, u := range f.Users {
			if u.Username == req["login_id"] {
				w.Header().Set(model.HeaderToken, "session-"+uid)
				http.SetCookie(w, &http.Cookie{Name: model.SessionCookieCsrf, Value: "csrf-" + uid})
				writeJSON(w, u)
				return
			}
		}
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	uid := f.resolveToken(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	switch {
	case r.Method == http.MethodGet && path == "/users/me":
		writeJSON(w, f.Users[uid])

	case r.Method == http.MethodPost && path == "/users/logout":
		writeJSON(w, map[string]string{"status": "OK"})

	case r.Method == http.MethodPost && path == "/users/ids":
		var ids []string
		_ = json.Unmarshal(body, &ids)
		users := []*model.User{}
		for _, id := range ids {
			if u, ok := f.Users[id]; ok {
				users = append(users, u)
			}
		}
		writeJSON(w, users)

	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "users" && parts[2] == "channels":
		chs := f.ChannelsForUser[parts[1]]
		if chs == nil {
			chs = []*model.Channel{}
		}
		writeJSON(w, chs)

	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "users" && parts[2] == "image":
		_, _ = w.Write([]byte("png:" + parts[1]))

	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "users":
		if u, ok := f.Users[parts[1]]; ok {
			writeJSON(w, u)
			return
		}
		writeError(w, http.StatusNotFound, "user not found")

	case r.Method == http.MethodDelete && len(parts) == 6 && parts[0] == "users" && parts[4] == "reactions":
		writeJSON(w, map[string]string{"status": "OK"})

	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "channels" && parts[2] == "posts":
		posts := f.ChannelPosts
		if r.URL.Query().Has("since") {
			posts = f.PostsSince
		}
		if pl, ok := posts[parts[1]]; ok {
			writeJSON(w, pl)
			return
		}
		writeJSON(w, model.NewPostList())

	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "channels" && parts[2] == "members":
		members := f.ChannelMembers[parts[1]]
		if members == nil {
			members = model.ChannelMembers{}
		}
		writeJSON(w, members)

	case r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "channels" && parts[3] == "view":
		writeJSON(w, map[string]any{"status": "OK"})

	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "channels":
		if ch, ok := f.Channels[parts[1]]; ok {
			writeJSON(w, ch)
			return
		}
		writeError(w, http.StatusNotFound, "channel not found")

	case r.Method == http.MethodPost && path == "/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		f.mu.Lock()
		post.Id = "created-post-" + string(rune('a'+len(f.createdPosts)))
		f.createdPosts = append(f.createdPosts, &post)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, &post)

	case r.Method == http.MethodPut && len(parts) == 3 && parts[0] == "posts" && parts[2] == "patch":
		writeJSON(w, &model.Post{Id: parts[1]})

	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "posts":
		if p, ok := f.Posts[parts[1]]; ok {
			writeJSON(w, p)
			return
		}
		writeError(w, http.StatusNotFound, "post not found")

	case r.Method == http.MethodPost && path == "/reactions":
		var reaction model.Reaction
		_ = json.Unmarshal(body, &reaction)
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, &reaction)

	case r.Method == http.MethodPost && path == "/files":
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, &model.FileUploadResponse{
			FileInfos: []*model.FileInfo{{Id: "uploaded-file-id", Name: "upload"}},
		})

	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "files" && parts[2] == "info":
		if fi, ok := f.Files[parts[1]]; ok {
			writeJSON(w, fi)
			return
		}
		writeError(w, http.StatusNotFound, "file not found")

	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "files":
		_, _ = w.Write([]byte("file:" + parts[1]))

	default:
		writeError(w, http.StatusNotFound, "not found: "+path)
	}
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	return string(data)
}

// newTestSetup returns a fake server with one logged in user "me" (token
// "test-token") and a client connected to it.
func newTestSetup(t *testing.T) (*fakeMM, *Client) {
	t.Helper()
	f := newFakeMM()
	t.Cleanup(f.Close)
	f.Users["me"] = &model.User{Id: "me", Username: "myself", FirstName: "My", LastName: "Self"}
	f.TokenToUser["test-token"] = "me"

	c := New(f.Server.URL, Options{ErrorSleep: time.Millisecond}, zerolog.Nop())
	if _, err := c.Connect(context.Background(), remote.Credentials{AuthToken: "test-token"}); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	return f, c
}

// recorder collects emitted events by kind.
type recorder struct {
	mu     sync.Mutex
	kinds  []string
	msgs   []*remote.Message
	errs   []*remote.ConnectionErrored
	reacts []any
	rcpts  []*remote.ReceiptUpdated
	convs  []*remote.ConversationUpdated
	users  []*remote.User
}

func (r *recorder) add(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
}

func (r *recorder) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.kinds...)
}

func (r *recorder) Messages() []*remote.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*remote.Message(nil), r.msgs...)
}

func (r *recorder) Errors() []*remote.ConnectionErrored {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*remote.ConnectionErrored(nil), r.errs...)
}

func (r *recorder) handlers() remote.Handlers {
	return remote.Handlers{
		ConversationUpdated: func(_ context.Context, evt *remote.ConversationUpdated) {
			r.mu.Lock()
			r.convs = append(r.convs, evt)
			r.mu.Unlock()
			r.add("conversation")
		},
		UserUpdated: func(_ context.Context, evt *remote.UserUpdated) {
			r.mu.Lock()
			r.users = append(r.users, evt.User)
			r.mu.Unlock()
			r.add("user")
		},
		MessageReceived: func(_ context.Context, evt *remote.MessageReceived) {
			r.mu.Lock()
			r.msgs = append(r.msgs, evt.Message)
			r.mu.Unlock()
			r.add("message")
		},
		ReactionAdded: func(_ context.Context, evt *remote.ReactionAdded) {
			r.mu.Lock()
			r.reacts = append(r.reacts, evt)
			r.mu.Unlock()
			r.add("reaction_added")
		},
		ReactionRemoved: func(_ context.Context, evt *remote.ReactionRemoved) {
			r.mu.Lock()
			r.reacts = append(r.reacts, evt)
			r.mu.Unlock()
			r.add("reaction_removed")
		},
		ReceiptUpdated: func(_ context.Context, evt *remote.ReceiptUpdated) {
			r.mu.Lock()
			r.rcpts = append(r.rcpts, evt)
			r.mu.Unlock()
			r.add("receipt")
		},
		ConnectionStarted: func(context.Context, *remote.ConnectionStarted) { r.add("started") },
		ConnectionStopped: func(context.Context, *remote.ConnectionStopped) { r.add("stopped") },
		ConnectionErrored: func(_ context.Context, evt *remote.ConnectionErrored) {
			r.mu.Lock()
			r.errs = append(r.errs, evt)
			r.mu.Unlock()
			r.add("errored")
		},
		ConnectionErrorResolved: func(context.Context, *remote.ConnectionErrorResolved) { r.add("resolved") },
	}
}

// fakeStream is an eventStream fed by the test.
type fakeStream struct {
	events chan *model.WebSocketEvent
	closed atomic.Bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan *model.WebSocketEvent, 16)}
}

func (s *fakeStream) Events() <-chan *model.WebSocketEvent { return s.events }
func (s *fakeStream) Err() error                           { return io.ErrUnexpectedEOF }
func (s *fakeStream) Close()                               { s.closed.Store(true) }
