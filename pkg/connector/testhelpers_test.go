// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/bridgev2/status"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mattermost-dm/pkg/database"
	"github.com/aiku/mautrix-mattermost-dm/pkg/portal"
	"github.com/aiku/mautrix-mattermost-dm/pkg/remote"
)

const (
	testOwner = id.UserID("@alice:example.com")
	testBot   = id.UserID("@mattermostbot:example.com")
)

func ghostID(mmUserID string) id.UserID {
	return id.UserID("@mattermost_" + mmUserID + ":example.com")
}

// fakeTranslator records every call the connector makes.
type fakeTranslator struct {
	mu      sync.Mutex
	calls   []string
	portals map[string]*portal.Portal
	puppets map[string]*portal.Puppet
	notices []string
	// noticeRooms counts notice room creations.
	noticeRooms int
	revoked     []string
	selfTokens  []string
	matrixEvts  []*event.Event
	mxCalls     int
	mxReceipts  int

	// onMessage runs before a message is recorded.
	onMessage func(msg *remote.Message)
	// noticeDelay slows down notice sends.
	noticeDelay time.Duration
}

var _ RoomTranslator = (*fakeTranslator)(nil)

func newFakeTranslator() *fakeTranslator {
	return &fakeTranslator{
		portals: make(map[string]*portal.Portal),
		puppets: make(map[string]*portal.Puppet),
	}
}

func (ft *fakeTranslator) record(call string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.calls = append(ft.calls, call)
}

// Calls returns the recorded calls that start with prefix.
func (ft *fakeTranslator) Calls(prefix string) []string {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var out []string
	for _, call := range ft.calls {
		if strings.HasPrefix(call, prefix) {
			out = append(out, call)
		}
	}
	return out
}

func (ft *fakeTranslator) Notices() []string {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]string(nil), ft.notices...)
}

// addRoom registers a portal that already has a room.
func (ft *fakeTranslator) addRoom(convID string, owner id.UserID, kind remote.ConversationKind) *portal.Portal {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	p := &portal.Portal{Portal: &database.Portal{
		PortalKey: database.PortalKey{ChannelID: convID, Receiver: owner},
		MXID:      id.RoomID("!" + convID + ":example.com"),
		Kind:      int(kind),
	}}
	ft.portals[convID] = p
	return p
}

func (ft *fakeTranslator) ResolveOrCreateConversation(_ context.Context, conversationID string, owner portal.Owner, kind remote.ConversationKind) (*portal.Portal, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if p, ok := ft.portals[conversationID]; ok {
		return p, nil
	}
	p := &portal.Portal{Portal: &database.Portal{
		PortalKey: database.PortalKey{ChannelID: conversationID, Receiver: owner.GetMXID()},
		Kind:      int(kind),
	}}
	ft.portals[conversationID] = p
	return p, nil
}

func (ft *fakeTranslator) GetConversation(_ context.Context, conversationID string, _ portal.Owner) (*portal.Portal, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	p, ok := ft.portals[conversationID]
	if !ok || p.MXID == "" {
		return nil, remote.ErrNoProjection
	}
	return p, nil
}

func (ft *fakeTranslator) GetPortalByRoom(_ context.Context, roomID id.RoomID) (*portal.Portal, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for _, p := range ft.portals {
		if p.MXID == roomID {
			return p, nil
		}
	}
	return nil, remote.ErrNoProjection
}

func (ft *fakeTranslator) GetPuppet(_ context.Context, mmUserID string) (*portal.Puppet, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if puppet, ok := ft.puppets[mmUserID]; ok {
		return puppet, nil
	}
	puppet := &portal.Puppet{
		Puppet: &database.Puppet{MMUserID: mmUserID, Username: mmUserID},
		MXID:   ghostID(mmUserID),
	}
	ft.puppets[mmUserID] = puppet
	return puppet, nil
}

func (ft *fakeTranslator) CreateRoom(_ context.Context, _ portal.Owner, p *portal.Portal, conv *remote.Conversation) error {
	ft.mu.Lock()
	p.MXID = id.RoomID("!" + conv.ID + ":example.com")
	ft.mu.Unlock()
	ft.record("create:" + conv.ID)
	return nil
}

func (ft *fakeTranslator) UpdateMetadata(_ context.Context, _ portal.Owner, _ *portal.Portal, conv *remote.Conversation) error {
	ft.record("update:" + conv.ID)
	return nil
}

func (ft *fakeTranslator) PushBridgeInfo(context.Context, *portal.Portal) error {
	return nil
}

func (ft *fakeTranslator) UpdatePuppet(_ context.Context, _ portal.Owner, user *remote.User) error {
	ft.record("puppet:" + user.ID)
	return nil
}

func (ft *fakeTranslator) SyncSelf(_ context.Context, _ portal.Owner, me *remote.User, token string) error {
	ft.mu.Lock()
	ft.selfTokens = append(ft.selfTokens, token)
	ft.mu.Unlock()
	ft.record("self:" + me.ID)
	return nil
}

func (ft *fakeTranslator) RevokeDoublePuppet(_ context.Context, _ portal.Owner, remoteID string) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.revoked = append(ft.revoked, remoteID)
	return nil
}

func (ft *fakeTranslator) TranslateMessage(_ context.Context, _ portal.Owner, p *portal.Portal, sender *portal.Puppet, msg *remote.Message) error {
	if ft.onMessage != nil {
		ft.onMessage(msg)
	}
	ft.record("msg:" + p.ChannelID + ":" + msg.ID + ":" + sender.MMUserID)
	return nil
}

func (ft *fakeTranslator) TranslateReactionAdd(_ context.Context, _ portal.Owner, p *portal.Portal, _ *portal.Puppet, evt *remote.ReactionAdded) error {
	ft.record("react+:" + p.ChannelID + ":" + evt.Emoji)
	return nil
}

func (ft *fakeTranslator) TranslateReactionRemove(_ context.Context, _ portal.Owner, p *portal.Portal, _ *portal.Puppet, evt *remote.ReactionRemoved) error {
	ft.record("react-:" + p.ChannelID + ":" + evt.Emoji)
	return nil
}

func (ft *fakeTranslator) TranslateReceipt(_ context.Context, _ portal.Owner, p *portal.Portal, reader *portal.Puppet, _ *remote.ReceiptUpdated, historical bool) error {
	if historical {
		ft.record("receipt-historical:" + p.ChannelID)
		return nil
	}
	ft.record("receipt:" + p.ChannelID + ":" + reader.MMUserID)
	return nil
}

func (ft *fakeTranslator) SetTag(_ context.Context, _ portal.Owner, p *portal.Portal, tag string, active bool) error {
	if active {
		ft.record("tag:" + p.ChannelID + ":" + tag)
	} else {
		ft.record("untag:" + p.ChannelID + ":" + tag)
	}
	return nil
}

func (ft *fakeTranslator) SetMuted(_ context.Context, _ portal.Owner, p *portal.Portal, muted bool) error {
	if muted {
		ft.record("mute:" + p.ChannelID)
	} else {
		ft.record("unmute:" + p.ChannelID)
	}
	return nil
}

func (ft *fakeTranslator) UpdateDirectChats(context.Context, portal.Owner) error {
	ft.record("direct")
	return nil
}

func (ft *fakeTranslator) CreateNoticeRoom(context.Context, id.UserID) (id.RoomID, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.noticeRooms++
	return "!notices:example.com", nil
}

func (ft *fakeTranslator) SendNotice(_ context.Context, _ id.RoomID, text string, _ bool) error {
	if ft.noticeDelay > 0 {
		time.Sleep(ft.noticeDelay)
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.notices = append(ft.notices, text)
	return nil
}

func (ft *fakeTranslator) IsBridgeUser(mxid id.UserID) bool {
	return mxid == testBot || strings.HasPrefix(mxid.String(), "@mattermost_")
}

func (ft *fakeTranslator) HandleMatrixEvent(_ context.Context, owner portal.Owner, _ *portal.Portal, evt *event.Event) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.mxCalls++
	if owner.GetRemote() == nil {
		return portal.ErrNotLoggedIn
	}
	ft.matrixEvts = append(ft.matrixEvts, evt)
	return nil
}

func (ft *fakeTranslator) matrixCalls() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.mxCalls
}

func (ft *fakeTranslator) HandleMatrixReceipt(context.Context, portal.Owner, *portal.Portal) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.mxReceipts++
	return nil
}

// fakeClient is a scripted remote client.
type fakeClient struct {
	mu        sync.Mutex
	identity  *remote.Identity
	creds     remote.Credentials
	handlers  remote.Handlers
	polling   bool
	cursor    string
	loggedOut bool

	connectErr error
	// entered is signaled when Connect starts; Connect then blocks until
	// gate is closed.
	entered chan struct{}
	gate    chan struct{}

	snapshot *remote.Snapshot
	// snapshotEntered is signaled when FetchSnapshot starts; the fetch then
	// blocks until snapshotGate is closed.
	snapshotEntered chan struct{}
	snapshotGate    chan struct{}
	// history is returned by FetchHistory, keyed by conversation ID.
	history     map[string][]*remote.Message
	historyErr  error
	historyReqs []string

	convs    map[string]*remote.Conversation
	users    map[string]*remote.User
	// pollStarted is closed on the first StartPolling call.
	pollStarted chan struct{}
}

var _ remote.Client = (*fakeClient)(nil)

func newFakeClient(userID string) *fakeClient {
	return &fakeClient{
		identity:    &remote.Identity{UserID: userID, Username: userID},
		convs:       make(map[string]*remote.Conversation),
		users:       make(map[string]*remote.User),
		pollStarted: make(chan struct{}),
	}
}

func (fc *fakeClient) Connect(ctx context.Context, creds remote.Credentials) (*remote.Identity, error) {
	if fc.entered != nil {
		fc.entered <- struct{}{}
	}
	if fc.gate != nil {
		select {
		case <-fc.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fc.connectErr != nil {
		return nil, fc.connectErr
	}
	fc.SetCredentials(creds)
	return fc.identity, nil
}

func (fc *fakeClient) Whoami(context.Context) (*remote.Identity, error) {
	return fc.identity, nil
}

func (fc *fakeClient) Logout(context.Context) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.loggedOut = true
	return nil
}

func (fc *fakeClient) Subscribe(handlers remote.Handlers) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.handlers = handlers
}

func (fc *fakeClient) Handlers() remote.Handlers {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.handlers
}

func (fc *fakeClient) StartPolling(context.Context) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if !fc.polling {
		fc.polling = true
		select {
		case <-fc.pollStarted:
		default:
			close(fc.pollStarted)
		}
	}
}

// StopPolling does not emit ConnectionStopped; tests fire it explicitly.
func (fc *fakeClient) StopPolling() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.polling = false
}

func (fc *fakeClient) IsPolling() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.polling
}

func (fc *fakeClient) Cursor() string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.cursor
}

func (fc *fakeClient) SetCursor(cursor string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.cursor = cursor
}

func (fc *fakeClient) Credentials() remote.Credentials {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.creds
}

func (fc *fakeClient) SetCredentials(creds remote.Credentials) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.creds = creds
}

func (fc *fakeClient) FetchSnapshot(ctx context.Context) (*remote.Snapshot, error) {
	if fc.snapshotEntered != nil {
		fc.snapshotEntered <- struct{}{}
	}
	if fc.snapshotGate != nil {
		select {
		case <-fc.snapshotGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fc.snapshot == nil {
		return &remote.Snapshot{}, nil
	}
	return fc.snapshot, nil
}

func (fc *fakeClient) FetchHistory(_ context.Context, conversationID string, limit int) ([]*remote.Message, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.historyReqs = append(fc.historyReqs, fmt.Sprintf("%s:%d", conversationID, limit))
	if fc.historyErr != nil {
		return nil, fc.historyErr
	}
	msgs := fc.history[conversationID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (fc *fakeClient) HistoryRequests() []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]string(nil), fc.historyReqs...)
}

func (fc *fakeClient) GetConversation(_ context.Context, conversationID string) (*remote.Conversation, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if conv, ok := fc.convs[conversationID]; ok {
		return conv, nil
	}
	return &remote.Conversation{ID: conversationID, Kind: remote.KindDirect, Trusted: true}, nil
}

func (fc *fakeClient) GetUser(_ context.Context, userID string) (*remote.User, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if user, ok := fc.users[userID]; ok {
		return user, nil
	}
	return &remote.User{ID: userID, Username: userID}, nil
}

func (fc *fakeClient) GetAvatar(context.Context, *remote.User) ([]byte, error) { return nil, nil }
func (fc *fakeClient) GetFile(context.Context, string) ([]byte, error) { return nil, nil }

func (fc *fakeClient) SendMessage(context.Context, string, string, string, []remote.Upload) (string, error) {
	return "post", nil
}
func (fc *fakeClient) EditMessage(context.Context, string, string) error { return nil }
func (fc *fakeClient) SendReaction(context.Context, string, string) error { return nil }
func (fc *fakeClient) RemoveReaction(context.Context, string, string) error { return nil }
func (fc *fakeClient) MarkRead(context.Context, string) error { return nil }

// fakeSink records pushed bridge states.
type fakeSink struct {
	mu     sync.Mutex
	states []status.BridgeState
}

func (fs *fakeSink) SendBridgeState(_ context.Context, state *status.BridgeState) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.states = append(fs.states, *state)
	return nil
}

// States returns the pushed states as "EVENT" or "EVENT/code".
func (fs *fakeSink) States() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]string, 0, len(fs.states))
	for _, state := range fs.states {
		s := string(state.StateEvent)
		if state.Error != "" {
			s += "/" + string(state.Error)
		}
		out = append(out, s)
	}
	return out
}

func (fs *fakeSink) Count(state string) int {
	n := 0
	for _, s := range fs.States() {
		if s == state {
			n++
		}
	}
	return n
}

type testEnv struct {
	bridge *Bridge
	db     *database.DB
	tr     *fakeTranslator
	sink   *fakeSink

	mu      sync.Mutex
	clients []*fakeClient
	// prepare configures each new client before it is returned.
	prepare func(fc *fakeClient)
}

func testConfig() *Config {
	cfg := &Config{
		Homeserver: HomeserverConfig{Address: "http://localhost:8008", Domain: "example.com"},
		AppService: AppServiceConfig{
			BotUsername: "mattermostbot",
			ASToken:     "as-token",
			HSToken:     "hs-token",
		},
		Mattermost: MattermostConfig{ServerURL: "http://mm.local"},
		Bridge: BridgeConfig{
			InitialConversationSync: 2,
			LowQualityTag:           "m.lowpriority",
			LowQualityMute:          true,
			Permissions:             map[string]string{"example.com": PermissionUser},
			DoublePuppetTokens:      map[id.UserID]string{testOwner: "dp-token"},
			Provisioning:            ProvisioningConfig{SharedSecret: "secret"},
		},
	}
	if err := cfg.PostProcess(); err != nil {
		panic(err)
	}
	return cfg
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.New("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	env := &testEnv{
		db:   db,
		tr:   newFakeTranslator(),
		sink: &fakeSink{},
	}
	env.bridge = NewBridge(testConfig(), db, env.tr, env.sink, zerolog.Nop())
	env.bridge.NewClient = func(zerolog.Logger) remote.Client {
		fc := newFakeClient("mm-alice")
		env.mu.Lock()
		prepare := env.prepare
		env.clients = append(env.clients, fc)
		env.mu.Unlock()
		if prepare != nil {
			prepare(fc)
		}
		return fc
	}
	return env
}

func (env *testEnv) Clients() []*fakeClient {
	env.mu.Lock()
	defer env.mu.Unlock()
	return append([]*fakeClient(nil), env.clients...)
}

// connected returns a session logged in with a fresh client whose poll
// loop is running.
func (env *testEnv) connected(t *testing.T, cursor string) (*Session, *fakeClient) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.db.SaveAccount(ctx, &database.Account{
		MXID: testOwner, MMUserID: "mm-alice", AuthToken: "token", Cursor: cursor,
	}))
	sess, err := env.bridge.GetSession(ctx, testOwner)
	require.NoError(t, err)
	require.NoError(t, sess.ReconnectWithCredentials(ctx, remote.Credentials{AuthToken: "token"}))
	clients := env.Clients()
	fc := clients[len(clients)-1]
	waitClosed(t, fc.pollStarted)
	return sess, fc
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting")
	}
}
