// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package database

import (
	"context"

	"github.com/pkg/errors"
	"maunium.net/go/mautrix/id"
)

// PortalKey identifies a conversation as seen by one bridged account.
type PortalKey struct {
	ChannelID string    `db:"channel_id"`
	Receiver  id.UserID `db:"receiver"`
}

func (pk PortalKey) String() string {
	return pk.ChannelID + "|" + pk.Receiver.String()
}

// Portal is a Mattermost DM or group DM and its Matrix room.
type Portal struct {
	PortalKey
	MXID        id.RoomID `db:"mxid"`
	Kind        int       `db:"kind"`
	Name        string    `db:"name"`
	OtherUserID string    `db:"other_user_id"`
}

const portalColumns = `channel_id, receiver, COALESCE(mxid, '') AS mxid, kind, name, other_user_id`

// GetPortal returns the portal for a conversation key.
func (db *DB) GetPortal(ctx context.Context, key PortalKey) (*Portal, error) {
	var p Portal
	err := db.get(ctx, &p, `SELECT `+portalColumns+` FROM portal WHERE channel_id = ? AND receiver = ?`,
		key.ChannelID, key.Receiver)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "failed to get portal")
	}
	return &p, nil
}

// GetPortalByMXID returns the portal bridged to a Matrix room.
func (db *DB) GetPortalByMXID(ctx context.Context, roomID id.RoomID) (*Portal, error) {
	var p Portal
	err := db.get(ctx, &p, `SELECT `+portalColumns+` FROM portal WHERE mxid = ?`, roomID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "failed to get portal by room")
	}
	return &p, nil
}

// GetPortalsByReceiver returns every portal of an account.
func (db *DB) GetPortalsByReceiver(ctx context.Context, receiver id.UserID) ([]*Portal, error) {
	var portals []*Portal
	err := db.selectAll(ctx, &portals, `SELECT `+portalColumns+` FROM portal WHERE receiver = ? ORDER BY channel_id`, receiver)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list portals")
	}
	return portals, nil
}

// SavePortal inserts or updates a portal.
func (db *DB) SavePortal(ctx context.Context, p *Portal) error {
	err := db.exec(ctx, `
		INSERT INTO portal (channel_id, receiver, mxid, kind, name, other_user_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel_id, receiver) DO UPDATE SET
			mxid = excluded.mxid,
			kind = excluded.kind,
			name = excluded.name,
			other_user_id = excluded.other_user_id
	`, p.ChannelID, p.Receiver, nullable(p.MXID), p.Kind, p.Name, p.OtherUserID)
	if err != nil {
		return errors.Wrap(err, "failed to save portal")
	}
	return nil
}
