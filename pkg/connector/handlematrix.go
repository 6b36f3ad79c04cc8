// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mattermost-dm/pkg/portal"
	"github.com/aiku/mautrix-mattermost-dm/pkg/remote"
)

// HandleMatrixEvent routes a room event from the homeserver to the session
// that owns the portal. Events from ghosts, non-owners and unknown rooms are
// ignored.
func (b *Bridge) HandleMatrixEvent(ctx context.Context, evt *event.Event) {
	if evt.Type.Class == event.EphemeralEventType {
		b.handleEphemeral(ctx, evt)
		return
	}
	if b.Translator.IsBridgeUser(evt.Sender) {
		return
	}
	log := b.Log.With().
		Str("event_id", evt.ID.String()).
		Str("room_id", evt.RoomID.String()).
		Str("sender", evt.Sender.String()).
		Logger()
	p, sess := b.portalSession(ctx, evt.RoomID, evt.Sender)
	if p == nil {
		log.Debug().Msg("Ignoring Matrix event outside owned portal")
		return
	}
	sess.queues.Enqueue(ctx, "mx|"+evt.RoomID.String(), func(ctx context.Context) {
		err := b.Translator.HandleMatrixEvent(ctx, sess, p, evt)
		if errors.Is(err, portal.ErrNotLoggedIn) {
			log.Debug().Msg("Dropping Matrix event of logged out account")
		} else if err != nil {
			log.Err(err).Str("event_type", evt.Type.Type).Msg("Failed to bridge Matrix event")
		}
	})
}

// portalSession returns the portal of a room and the session of its owner,
// or nil if sender is not allowed to act in it.
func (b *Bridge) portalSession(ctx context.Context, roomID id.RoomID, sender id.UserID) (*portal.Portal, *Session) {
	p, err := b.Translator.GetPortalByRoom(ctx, roomID)
	if err != nil {
		if !errors.Is(err, remote.ErrNoProjection) {
			b.Log.Err(err).Str("room_id", roomID.String()).Msg("Failed to look up portal")
		}
		return nil, nil
	}
	if p.Receiver != sender || !b.Config.IsAllowed(sender) {
		return nil, nil
	}
	sess, err := b.GetSession(ctx, sender)
	if err != nil {
		b.Log.Err(err).Str("user_id", sender.String()).Msg("Failed to get session for Matrix event")
		return nil, nil
	}
	return p, sess
}

func (b *Bridge) handleEphemeral(ctx context.Context, evt *event.Event) {
	if evt.Type != event.EphemeralEventReceipt {
		return
	}
	readers := make(map[id.UserID]struct{})
	for _, receipts := range *evt.Content.AsReceipt() {
		for _, receiptType := range []event.ReceiptType{event.ReceiptTypeRead, event.ReceiptTypeReadPrivate} {
			for userID := range receipts[receiptType] {
				readers[userID] = struct{}{}
			}
		}
	}
	for userID := range readers {
		if b.Translator.IsBridgeUser(userID) {
			continue
		}
		p, sess := b.portalSession(ctx, evt.RoomID, userID)
		if p == nil {
			continue
		}
		sess.queues.Enqueue(ctx, "mx|"+evt.RoomID.String(), func(ctx context.Context) {
			if err := b.Translator.HandleMatrixReceipt(ctx, sess, p); err != nil && !errors.Is(err, portal.ErrNotLoggedIn) {
				sess.log.Warn().Err(err).Str("room_id", evt.RoomID.String()).Msg("Failed to bridge read receipt")
			}
		})
	}
}
