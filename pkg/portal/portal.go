// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package portal projects Mattermost conversations onto Matrix rooms. It
// owns the portal and puppet registries, creates rooms, keeps ghost
// profiles current and translates messages, reactions and receipts in both
// directions.
package portal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mattermost-dm/pkg/database"
	"github.com/aiku/mautrix-mattermost-dm/pkg/identity"
	"github.com/aiku/mautrix-mattermost-dm/pkg/remote"
)

// Owner is the bridged account a portal belongs to.
type Owner interface {
	GetMXID() id.UserID
	GetRemoteID() string
	// GetRemote returns the live remote client, or nil when disconnected.
	GetRemote() remote.Client
}

// Options configures the translator.
type Options struct {
	// BridgeID identifies this bridge in bridge info state keys and in the
	// double puppet source marker.
	BridgeID      string
	ServerURL     string
	FederateRooms bool
}

// Portal is a Mattermost DM or group DM as seen by one account.
type Portal struct {
	*database.Portal

	roomLock sync.Mutex
}

// LocalID returns the channel and receiver key.
func (p *Portal) LocalID() string { return p.PortalKey.String() }

// RemoteID returns the Matrix room ID, or "" before the room exists.
func (p *Portal) RemoteID() string { return p.MXID.String() }

// ConversationKind returns whether the portal is a DM or a group DM.
func (p *Portal) ConversationKind() remote.ConversationKind {
	return remote.ConversationKind(p.Kind)
}

// HasRoom reports whether the Matrix room has been created.
func (p *Portal) HasRoom() bool { return p.MXID != "" }

// Translator is the Matrix side of the bridge.
type Translator struct {
	as    *appservice.AppService
	db    *database.DB
	opts  Options
	namer *GhostNamer
	log   zerolog.Logger

	portals *identity.Cache[*Portal]
	puppets *identity.Cache[*Puppet]
}

// New creates a translator acting through the given appservice.
func New(as *appservice.AppService, db *database.DB, namer *GhostNamer, opts Options, log zerolog.Logger) *Translator {
	t := &Translator{
		as:    as,
		db:    db,
		opts:  opts,
		namer: namer,
		log:   log.With().Str("component", "portal").Logger(),
	}
	t.portals = identity.New(t.loadPortal)
	t.puppets = identity.New(t.loadPuppet)
	return t
}

// Bot returns the intent of the bridge bot.
func (t *Translator) Bot() *appservice.IntentAPI {
	return t.as.BotIntent()
}

func (t *Translator) loadPortal(ctx context.Context, localID string) (*Portal, error) {
	channelID, receiver, ok := strings.Cut(localID, "|")
	if !ok || channelID == "" || receiver == "" {
		return nil, fmt.Errorf("invalid portal key %q", localID)
	}
	key := database.PortalKey{ChannelID: channelID, Receiver: id.UserID(receiver)}
	dbPortal, err := t.db.GetPortal(ctx, key)
	if errors.Is(err, database.ErrNotFound) {
		dbPortal = &database.Portal{PortalKey: key}
		if err = t.db.SavePortal(ctx, dbPortal); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return &Portal{Portal: dbPortal}, nil
}

// ResolveOrCreateConversation returns the projection of a conversation for
// an account, creating the record on first use.
func (t *Translator) ResolveOrCreateConversation(ctx context.Context, conversationID string, owner Owner, kind remote.ConversationKind) (*Portal, error) {
	key := database.PortalKey{ChannelID: conversationID, Receiver: owner.GetMXID()}
	p, err := t.portals.GetOrCreate(ctx, key.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get portal: %w", err)
	}
	if p.ConversationKind() != kind && !p.HasRoom() {
		p.Kind = int(kind)
		if err = t.db.SavePortal(ctx, p.Portal); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// GetConversation returns an existing projection. It returns
// remote.ErrNoProjection when the conversation has no room.
func (t *Translator) GetConversation(ctx context.Context, conversationID string, owner Owner) (*Portal, error) {
	key := database.PortalKey{ChannelID: conversationID, Receiver: owner.GetMXID()}
	p, ok := t.portals.GetByLocalID(key.String())
	if !ok {
		dbPortal, err := t.db.GetPortal(ctx, key)
		if errors.Is(err, database.ErrNotFound) {
			return nil, remote.ErrNoProjection
		} else if err != nil {
			return nil, err
		}
		p, err = t.portals.GetOrCreate(ctx, dbPortal.PortalKey.String())
		if err != nil {
			return nil, err
		}
	}
	if !p.HasRoom() {
		return nil, remote.ErrNoProjection
	}
	return p, nil
}

// GetPortalByRoom returns the portal bridged to a Matrix room.
func (t *Translator) GetPortalByRoom(ctx context.Context, roomID id.RoomID) (*Portal, error) {
	if p, ok := t.portals.GetByRemoteID(roomID.String()); ok {
		return p, nil
	}
	dbPortal, err := t.db.GetPortalByMXID(ctx, roomID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, remote.ErrNoProjection
	} else if err != nil {
		return nil, err
	}
	return t.portals.GetOrCreate(ctx, dbPortal.PortalKey.String())
}
