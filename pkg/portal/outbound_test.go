// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package portal

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mattermost-dm/pkg/remote"
)

func matrixEvent(t *testing.T, p *Portal, evtType event.Type, eventID id.EventID, content map[string]any) *event.Event {
	t.Helper()
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	evt := &event.Event{
		Type:      evtType,
		ID:        eventID,
		Sender:    testOwner,
		RoomID:    p.MXID,
		Timestamp: 4242,
	}
	require.NoError(t, json.Unmarshal(raw, &evt.Content))
	return evt
}

func TestHandleMatrixMessage(t *testing.T) {
	t.Parallel()
	s := newTestSetup(t)
	ctx := context.Background()
	p := s.directPortal(t)

	require.NoError(t, s.tr.HandleMatrixEvent(ctx, s.owner, p, matrixEvent(t, p, event.EventMessage, "$mx1", map[string]any{
		"msgtype":        "m.text",
		"body":           "hello world",
		"format":         "org.matrix.custom.html",
		"formatted_body": "hello <strong>world</strong>",
	})))
	require.Len(t, s.remote.sent, 1)
	assert.Equal(t, "dm", s.remote.sent[0].ConversationID)
	assert.Equal(t, "hello **world**", s.remote.sent[0].Text)

	stored, err := s.db.GetMessageByMXID(ctx, p.MXID, "$mx1")
	require.NoError(t, err)
	assert.Equal(t, "post1", stored.MMPostID)
	assert.Equal(t, "me", stored.MMSender)
	assert.Equal(t, int64(4242), stored.Timestamp)

	// The echo of our own post is not bridged back into the room.
	require.NoError(t, s.tr.TranslateMessage(ctx, s.owner, p, mustPuppet(t, s, "me"), &remote.Message{ID: "post1", SenderID: "me", Text: "hello **world**"}))
	assert.Empty(t, s.hs.Requests("PUT", "/send/m.room.message/"))

	require.NoError(t, s.tr.HandleMatrixEvent(ctx, s.owner, p, matrixEvent(t, p, event.EventMessage, "$mx2", map[string]any{
		"msgtype": "m.emote",
		"body":    "waves",
		"m.relates_to": map[string]any{
			"m.in_reply_to": map[string]any{"event_id": "$mx1"},
		},
	})))
	require.Len(t, s.remote.sent, 2)
	assert.Equal(t, "/me waves", s.remote.sent[1].Text)
	assert.Equal(t, "post1", s.remote.sent[1].ReplyTo)
}

func TestHandleMatrixEdit(t *testing.T) {
	t.Parallel()
	s := newTestSetup(t)
	ctx := context.Background()
	p := s.directPortal(t)

	edit := func(target id.EventID) *event.Event {
		return matrixEvent(t, p, event.EventMessage, "$edit", map[string]any{
			"msgtype":       "m.text",
			"body":          "* fixed",
			"m.new_content": map[string]any{"msgtype": "m.text", "body": "fixed"},
			"m.relates_to":  map[string]any{"rel_type": "m.replace", "event_id": target},
		})
	}
	require.NoError(t, s.tr.HandleMatrixEvent(ctx, s.owner, p, edit("$unknown")))
	assert.Empty(t, s.remote.edits)

	require.NoError(t, s.tr.HandleMatrixEvent(ctx, s.owner, p, matrixEvent(t, p, event.EventMessage, "$mx1", map[string]any{
		"msgtype": "m.text",
		"body":    "fxied",
	})))
	require.NoError(t, s.tr.HandleMatrixEvent(ctx, s.owner, p, edit("$mx1")))
	assert.Equal(t, map[string]string{"post1": "fixed"}, s.remote.edits)
	assert.Len(t, s.remote.sent, 1, "edits are not sent as new posts")
}

func TestHandleMatrixMedia(t *testing.T) {
	t.Parallel()
	s := newTestSetup(t)
	ctx := context.Background()
	p := s.directPortal(t)

	require.NoError(t, s.tr.HandleMatrixEvent(ctx, s.owner, p, matrixEvent(t, p, event.EventMessage, "$img", map[string]any{
		"msgtype": "m.image",
		"body":    "cat.png",
		"url":     "mxc://example.com/cat",
		"info":    map[string]any{"mimetype": "image/png", "size": 12},
	})))
	require.Len(t, s.remote.sent, 1)
	sent := s.remote.sent[0]
	assert.Empty(t, sent.Text)
	require.Len(t, sent.Files, 1)
	assert.Equal(t, "cat.png", sent.Files[0].Name)
	assert.Equal(t, "image/png", sent.Files[0].MimeType)
	assert.Equal(t, "matrix-media", string(sent.Files[0].Data))

	err := s.tr.HandleMatrixEvent(ctx, s.owner, p, matrixEvent(t, p, event.EventMessage, "$loc", map[string]any{
		"msgtype": "m.location",
		"body":    "somewhere",
		"geo_uri": "geo:0,0",
	}))
	assert.Error(t, err)
}

func TestHandleMatrixReactionAndRedaction(t *testing.T) {
	t.Parallel()
	s := newTestSetup(t)
	ctx := context.Background()
	p := s.directPortal(t)

	require.NoError(t, s.tr.HandleMatrixEvent(ctx, s.owner, p, matrixEvent(t, p, event.EventMessage, "$mx1", map[string]any{
		"msgtype": "m.text",
		"body":    "react to me",
	})))
	reaction := func(target id.EventID) *event.Event {
		return matrixEvent(t, p, event.EventReaction, "$react", map[string]any{
			"m.relates_to": map[string]any{"rel_type": "m.annotation", "event_id": target, "key": "👍"},
		})
	}
	require.NoError(t, s.tr.HandleMatrixEvent(ctx, s.owner, p, reaction("$unknown")))
	assert.Empty(t, s.remote.reactions)

	require.NoError(t, s.tr.HandleMatrixEvent(ctx, s.owner, p, reaction("$mx1")))
	assert.Equal(t, []string{"post1:👍"}, s.remote.reactions)
	stored, err := s.db.GetReactionByMXID(ctx, p.MXID, "$react")
	require.NoError(t, err)
	assert.Equal(t, "me", stored.MMSender)

	redaction := matrixEvent(t, p, event.EventRedaction, "$redact", map[string]any{})
	redaction.Redacts = "$react"
	require.NoError(t, s.tr.HandleMatrixEvent(ctx, s.owner, p, redaction))
	assert.Equal(t, []string{"post1:👍"}, s.remote.removed)

	// The mapping is gone, so a repeated redaction is a no-op.
	require.NoError(t, s.tr.HandleMatrixEvent(ctx, s.owner, p, redaction))
	assert.Len(t, s.remote.removed, 1)
}

func TestHandleMatrixEventSkipsDoublePuppetEcho(t *testing.T) {
	t.Parallel()
	s := newTestSetup(t)
	p := s.directPortal(t)
	require.NoError(t, s.tr.HandleMatrixEvent(context.Background(), s.owner, p, matrixEvent(t, p, event.EventMessage, "$echo", map[string]any{
		"msgtype":             "m.text",
		"body":                "from phone",
		DoublePuppetSourceKey: "mattermost-dm",
	})))
	assert.Empty(t, s.remote.sent)
}

func TestHandleMatrixEventNotLoggedIn(t *testing.T) {
	t.Parallel()
	s := newTestSetup(t)
	p := s.directPortal(t)
	loggedOut := &testOwnerAccount{mxid: testOwner, remoteID: "me"}
	err := s.tr.HandleMatrixEvent(context.Background(), loggedOut, p, matrixEvent(t, p, event.EventMessage, "$mx1", map[string]any{
		"msgtype": "m.text",
		"body":    "hi",
	}))
	assert.ErrorIs(t, err, ErrNotLoggedIn)
	assert.ErrorIs(t, s.tr.HandleMatrixReceipt(context.Background(), loggedOut, p), ErrNotLoggedIn)
}

func TestHandleMatrixReceipt(t *testing.T) {
	t.Parallel()
	s := newTestSetup(t)
	p := s.directPortal(t)
	require.NoError(t, s.tr.HandleMatrixReceipt(context.Background(), s.owner, p))
	assert.Equal(t, []string{"dm"}, s.remote.read)
}

func TestIsBridgeUser(t *testing.T) {
	t.Parallel()
	s := newTestSetup(t)
	assert.True(t, s.tr.IsBridgeUser(testBot))
	assert.True(t, s.tr.IsBridgeUser("@mattermost_bob:example.com"))
	assert.False(t, s.tr.IsBridgeUser(testOwner))
}

func mustPuppet(t *testing.T, s *testSetup, mmUserID string) *Puppet {
	t.Helper()
	puppet, err := s.tr.GetPuppet(context.Background(), mmUserID)
	require.NoError(t, err)
	return puppet
}
