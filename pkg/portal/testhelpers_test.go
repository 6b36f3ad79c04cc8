// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mattermost-dm/pkg/database"
	"github.com/aiku/mautrix-mattermost-dm/pkg/remote"
)

const (
	testDomain = "example.com"
	testBot    = id.UserID("@mattermostbot:example.com")
	testOwner  = id.UserID("@alice:example.com")
)

// hsRequest is one request received by the fake homeserver.
type hsRequest struct {
	Method string
	Path   string
	// AsUser is the user_id query parameter set by appservice clients.
	AsUser string
	Token  string
	Body   map[string]any
}

// fakeHS is a minimal Matrix homeserver for portal tests.
type fakeHS struct {
	Server *httptest.Server

	mu          sync.Mutex
	requests    []hsRequest
	counter     int
	tags        map[string]map[string]any
	pushRules   map[string]bool
	accountData map[string]json.RawMessage
	// members maps room IDs to user IDs and their membership.
	members map[string]map[string]string
	// Whoami maps access tokens to the user they belong to.
	Whoami map[string]id.UserID
}

func newFakeHS(t *testing.T) *fakeHS {
	t.Helper()
	hs := &fakeHS{
		tags:        make(map[string]map[string]any),
		pushRules:   make(map[string]bool),
		accountData: make(map[string]json.RawMessage),
		members:     make(map[string]map[string]string),
		Whoami:      make(map[string]id.UserID),
	}
	hs.Server = httptest.NewServer(http.HandlerFunc(hs.handle))
	t.Cleanup(hs.Server.Close)
	return hs
}

func (hs *fakeHS) next() int {
	hs.counter++
	return hs.counter
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND", "error": "not found"})
}

func (hs *fakeHS) handle(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	req := hsRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		AsUser: r.URL.Query().Get("user_id"),
		Token:  strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "),
	}
	if len(raw) > 0 && strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(raw, &req.Body)
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.requests = append(hs.requests, req)
	path := r.URL.Path

	switch {
	case strings.HasSuffix(path, "/createRoom"):
		roomID := fmt.Sprintf("!room%d:%s", hs.next(), testDomain)
		hs.members[roomID] = map[string]string{hs.sender(req): "join"}
		invites, _ := req.Body["invite"].([]any)
		for _, invite := range invites {
			hs.members[roomID][invite.(string)] = "invite"
		}
		writeJSON(w, http.StatusOK, map[string]any{"room_id": roomID})
	case strings.HasSuffix(path, "/invite"):
		if members, ok := hs.members[roomFromPath(path)]; ok {
			members[req.Body["user_id"].(string)] = "invite"
		}
		writeJSON(w, http.StatusOK, map[string]any{})
	case strings.HasSuffix(path, "/join"):
		hs.handleJoin(w, roomFromPath(path), hs.sender(req))
	case strings.Contains(path, "/send/"), strings.Contains(path, "/state/"), strings.Contains(path, "/redact/"):
		writeJSON(w, http.StatusOK, map[string]any{"event_id": fmt.Sprintf("$ev%d", hs.next())})
	case strings.HasSuffix(path, "/upload"):
		writeJSON(w, http.StatusOK, map[string]any{"content_uri": fmt.Sprintf("mxc://%s/media%d", testDomain, hs.next())})
	case strings.Contains(path, "/download/"):
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("matrix-media"))
	case strings.HasSuffix(path, "/account/whoami"):
		userID, ok := hs.Whoami[req.Token]
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"errcode": "M_UNKNOWN_TOKEN", "error": "bad token"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user_id": userID})
	case strings.Contains(path, "/tags"):
		hs.handleTags(w, r.Method, path, req.Body)
	case strings.Contains(path, "/pushrules/"):
		hs.handlePushRule(w, r.Method, path)
	case strings.Contains(path, "/account_data/"):
		if r.Method == http.MethodGet {
			data, ok := hs.accountData[path]
			if !ok {
				notFound(w)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(data)
			return
		}
		hs.accountData[path] = raw
		writeJSON(w, http.StatusOK, map[string]any{})
	default:
		writeJSON(w, http.StatusOK, map[string]any{})
	}
}

// sender returns the user a request acts as.
func (hs *fakeHS) sender(req hsRequest) string {
	if req.AsUser != "" {
		return req.AsUser
	}
	return hs.Whoami[req.Token].String()
}

func roomFromPath(path string) string {
	_, rest, _ := strings.Cut(path, "/rooms/")
	roomID, _, _ := strings.Cut(rest, "/")
	return roomID
}

// handleJoin refuses joins to known rooms without an invite.
func (hs *fakeHS) handleJoin(w http.ResponseWriter, roomID, userID string) {
	members, known := hs.members[roomID]
	if known && members[userID] == "" {
		writeJSON(w, http.StatusForbidden, map[string]string{"errcode": "M_FORBIDDEN", "error": "not invited"})
		return
	}
	if known {
		members[userID] = "join"
	}
	writeJSON(w, http.StatusOK, map[string]any{"room_id": roomID})
}

func (hs *fakeHS) handleTags(w http.ResponseWriter, method, path string, body map[string]any) {
	roomPath, tag, _ := strings.Cut(path, "/tags")
	tag = strings.TrimPrefix(tag, "/")
	switch method {
	case http.MethodGet:
		tags := hs.tags[roomPath]
		if tags == nil {
			tags = map[string]any{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"tags": tags})
	case http.MethodPut:
		if hs.tags[roomPath] == nil {
			hs.tags[roomPath] = make(map[string]any)
		}
		hs.tags[roomPath][tag] = body
		writeJSON(w, http.StatusOK, map[string]any{})
	case http.MethodDelete:
		delete(hs.tags[roomPath], tag)
		writeJSON(w, http.StatusOK, map[string]any{})
	}
}

func (hs *fakeHS) handlePushRule(w http.ResponseWriter, method, path string) {
	switch method {
	case http.MethodPut:
		hs.pushRules[path] = true
		writeJSON(w, http.StatusOK, map[string]any{})
	case http.MethodDelete:
		if !hs.pushRules[path] {
			notFound(w)
			return
		}
		delete(hs.pushRules, path)
		writeJSON(w, http.StatusOK, map[string]any{})
	}
}

// Requests returns every request whose path contains substr.
func (hs *fakeHS) Requests(method, substr string) []hsRequest {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	var out []hsRequest
	for _, req := range hs.requests {
		if req.Method == method && strings.Contains(req.Path, substr) {
			out = append(out, req)
		}
	}
	return out
}

// Tags returns the tags stored for a room path fragment.
func (hs *fakeHS) Tags(roomID id.RoomID) map[string]any {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	for path, tags := range hs.tags {
		if strings.Contains(path, roomID.String()) {
			return tags
		}
	}
	return nil
}

// AccountData returns stored account data whose path ends with suffix.
func (hs *fakeHS) AccountData(suffix string) json.RawMessage {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	for path, data := range hs.accountData {
		if strings.HasSuffix(path, suffix) {
			return data
		}
	}
	return nil
}

// fakeRemote implements remote.Client with canned data.
type fakeRemote struct {
	mu        sync.Mutex
	sent      []sentMessage
	edits     map[string]string
	reactions []string
	removed   []string
	read      []string
	nextPost  int
}

type sentMessage struct {
	ConversationID string
	Text           string
	ReplyTo        string
	Files          []remote.Upload
}

func (f *fakeRemote) Connect(context.Context, remote.Credentials) (*remote.Identity, error) {
	return &remote.Identity{UserID: "me"}, nil
}
func (f *fakeRemote) Whoami(context.Context) (*remote.Identity, error) {
	return &remote.Identity{UserID: "me"}, nil
}
func (f *fakeRemote) Logout(context.Context) error { return nil }
func (f *fakeRemote) Subscribe(remote.Handlers) {}
func (f *fakeRemote) StartPolling(context.Context) {}
func (f *fakeRemote) StopPolling() {}
func (f *fakeRemote) IsPolling() bool { return true }
func (f *fakeRemote) Cursor() string { return "" }
func (f *fakeRemote) SetCursor(string) {}
func (f *fakeRemote) Credentials() remote.Credentials { return remote.Credentials{} }
func (f *fakeRemote) SetCredentials(remote.Credentials) {}
func (f *fakeRemote) FetchSnapshot(context.Context) (*remote.Snapshot, error) {
	return &remote.Snapshot{}, nil
}
func (f *fakeRemote) FetchHistory(context.Context, string, int) ([]*remote.Message, error) {
	return nil, nil
}
func (f *fakeRemote) GetConversation(_ context.Context, convID string) (*remote.Conversation, error) {
	return &remote.Conversation{ID: convID}, nil
}
func (f *fakeRemote) GetUser(_ context.Context, userID string) (*remote.User, error) {
	return &remote.User{ID: userID, Username: userID}, nil
}
func (f *fakeRemote) GetAvatar(_ context.Context, user *remote.User) ([]byte, error) {
	return []byte("\x89PNG\r\n\x1a\n" + user.ID), nil
}
func (f *fakeRemote) GetFile(_ context.Context, fileID string) ([]byte, error) {
	return []byte("file:" + fileID), nil
}

func (f *fakeRemote) SendMessage(_ context.Context, convID, text, replyTo string, files []remote.Upload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPost++
	f.sent = append(f.sent, sentMessage{ConversationID: convID, Text: text, ReplyTo: replyTo, Files: files})
	return fmt.Sprintf("post%d", f.nextPost), nil
}

func (f *fakeRemote) EditMessage(_ context.Context, postID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.edits == nil {
		f.edits = make(map[string]string)
	}
	f.edits[postID] = text
	return nil
}

func (f *fakeRemote) SendReaction(_ context.Context, postID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, postID+":"+emoji)
	return nil
}

func (f *fakeRemote) RemoveReaction(_ context.Context, postID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, postID+":"+emoji)
	return nil
}

func (f *fakeRemote) MarkRead(_ context.Context, convID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read = append(f.read, convID)
	return nil
}

// testOwnerAccount is a logged-in account.
type testOwnerAccount struct {
	mxid     id.UserID
	remoteID string
	client   remote.Client
}

func (o *testOwnerAccount) GetMXID() id.UserID { return o.mxid }
func (o *testOwnerAccount) GetRemoteID() string { return o.remoteID }
func (o *testOwnerAccount) GetRemote() remote.Client { return o.client }

var testOptions = Options{
	BridgeID:  "mattermost-dm",
	ServerURL: "https://mm.example.com",
}

func newTestAppService(t *testing.T, hs *fakeHS) *appservice.AppService {
	t.Helper()
	as, err := appservice.CreateFull(appservice.CreateOpts{
		Registration: &appservice.Registration{
			AppToken:        "as-token",
			ServerToken:     "hs-token",
			SenderLocalpart: testBot.Localpart(),
		},
		HomeserverDomain: testDomain,
		HomeserverURL:    hs.Server.URL,
	})
	require.NoError(t, err)
	return as
}

type testSetup struct {
	hs     *fakeHS
	as     *appservice.AppService
	db     *database.DB
	tr     *Translator
	remote *fakeRemote
	owner  *testOwnerAccount
}

func newTestSetup(t *testing.T) *testSetup {
	t.Helper()
	hs := newFakeHS(t)
	db, err := database.New("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	namer, err := NewGhostNamer("mattermost_{{.}}", "{{or .Nickname .Username}} (MM)", testDomain)
	require.NoError(t, err)
	as := newTestAppService(t, hs)
	tr := New(as, db, namer, testOptions, zerolog.Nop())
	fr := &fakeRemote{}
	return &testSetup{
		hs:     hs,
		as:     as,
		db:     db,
		tr:     tr,
		remote: fr,
		owner:  &testOwnerAccount{mxid: testOwner, remoteID: "me", client: fr},
	}
}

// linkDoublePuppet stores a double puppet token for the owner.
func (s *testSetup) linkDoublePuppet(t *testing.T) {
	t.Helper()
	s.hs.Whoami["dp-token"] = testOwner
	require.NoError(t, s.tr.SyncSelf(context.Background(), s.owner, &remote.User{ID: "me", Username: "alice"}, "dp-token"))
}

// directPortal creates a DM portal with a room.
func (s *testSetup) directPortal(t *testing.T) *Portal {
	t.Helper()
	ctx := context.Background()
	p, err := s.tr.ResolveOrCreateConversation(ctx, "dm", s.owner, remote.KindDirect)
	require.NoError(t, err)
	require.NoError(t, s.tr.CreateRoom(ctx, s.owner, p, &remote.Conversation{
		ID: "dm", Kind: remote.KindDirect, OtherUserID: "bob", Participants: []string{"me", "bob"}, Trusted: true,
	}))
	return p
}
