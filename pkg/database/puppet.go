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

// Puppet is the Matrix ghost of a Mattermost user.
type Puppet struct {
	MMUserID     string              `db:"mm_user_id"`
	DisplayName  string              `db:"displayname"`
	Username     string              `db:"username"`
	AvatarMarker string              `db:"avatar_marker"`
	AvatarURL    id.ContentURIString `db:"avatar_url"`
	IsBot        bool                `db:"is_bot"`
	Registered   bool                `db:"registered"`
	// CustomMXID is the real Matrix user the puppet is linked to for double
	// puppeting, with the access token used to act as them.
	CustomMXID  id.UserID `db:"custom_mxid"`
	AccessToken string    `db:"access_token"`
}

const puppetColumns = `mm_user_id, displayname, username, avatar_marker, avatar_url, is_bot, registered,
	COALESCE(custom_mxid, '') AS custom_mxid, COALESCE(access_token, '') AS access_token`

// GetPuppet returns the puppet of a Mattermost user.
func (db *DB) GetPuppet(ctx context.Context, mmUserID string) (*Puppet, error) {
	var p Puppet
	err := db.get(ctx, &p, `SELECT `+puppetColumns+` FROM puppet WHERE mm_user_id = ?`, mmUserID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "failed to get puppet")
	}
	return &p, nil
}

// GetPuppetByCustomMXID returns the puppet double-puppeted by a Matrix user.
func (db *DB) GetPuppetByCustomMXID(ctx context.Context, mxid id.UserID) (*Puppet, error) {
	var p Puppet
	err := db.get(ctx, &p, `SELECT `+puppetColumns+` FROM puppet WHERE custom_mxid = ?`, mxid)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "failed to get puppet by custom mxid")
	}
	return &p, nil
}

// SavePuppet inserts or updates a puppet.
func (db *DB) SavePuppet(ctx context.Context, p *Puppet) error {
	err := db.exec(ctx, `
		INSERT INTO puppet (mm_user_id, displayname, username, avatar_marker, avatar_url, is_bot, registered, custom_mxid, access_token)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (mm_user_id) DO UPDATE SET
			displayname = excluded.displayname,
			username = excluded.username,
			avatar_marker = excluded.avatar_marker,
			avatar_url = excluded.avatar_url,
			is_bot = excluded.is_bot,
			registered = excluded.registered,
			custom_mxid = excluded.custom_mxid,
			access_token = excluded.access_token
	`, p.MMUserID, p.DisplayName, p.Username, p.AvatarMarker, p.AvatarURL, p.IsBot, p.Registered,
		nullable(p.CustomMXID), nullable(p.AccessToken))
	if err != nil {
		return errors.Wrap(err, "failed to save puppet")
	}
	return nil
}
