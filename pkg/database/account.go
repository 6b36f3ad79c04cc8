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

// Account is a bridged Matrix user and its Mattermost login.
type Account struct {
	MXID       id.UserID `db:"mxid"`
	MMUserID   string    `db:"mm_user_id"`
	AuthToken  string    `db:"auth_token"`
	CSRFToken  string    `db:"csrf_token"`
	Cursor     string    `db:"sync_cursor"`
	NoticeRoom id.RoomID `db:"notice_room"`
}

// HasLogin reports whether the account has a remote identity and
// credentials.
func (a *Account) HasLogin() bool {
	return a.MMUserID != "" && a.AuthToken != ""
}

// ClearLogin forgets the remote identity, credentials and cursor.
func (a *Account) ClearLogin() {
	a.MMUserID = ""
	a.AuthToken = ""
	a.CSRFToken = ""
	a.Cursor = ""
}

const accountColumns = `mxid, COALESCE(mm_user_id, '') AS mm_user_id, COALESCE(auth_token, '') AS auth_token,
	COALESCE(csrf_token, '') AS csrf_token, COALESCE(sync_cursor, '') AS sync_cursor,
	COALESCE(notice_room, '') AS notice_room`

// GetAccount returns the account of a Matrix user.
func (db *DB) GetAccount(ctx context.Context, mxid id.UserID) (*Account, error) {
	var acc Account
	err := db.get(ctx, &acc, `SELECT `+accountColumns+` FROM account WHERE mxid = ?`, mxid)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "failed to get account")
	}
	return &acc, nil
}

// GetAccountByMMUserID returns the account logged in as a Mattermost user.
func (db *DB) GetAccountByMMUserID(ctx context.Context, mmUserID string) (*Account, error) {
	var acc Account
	err := db.get(ctx, &acc, `SELECT `+accountColumns+` FROM account WHERE mm_user_id = ?`, mmUserID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "failed to get account by mattermost user")
	}
	return &acc, nil
}

// GetLoggedInAccounts returns every account with stored credentials.
func (db *DB) GetLoggedInAccounts(ctx context.Context) ([]*Account, error) {
	var accounts []*Account
	err := db.selectAll(ctx, &accounts, `SELECT `+accountColumns+` FROM account
		WHERE auth_token IS NOT NULL AND auth_token <> '' ORDER BY mxid`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list logged in accounts")
	}
	return accounts, nil
}

// GetAllAccounts returns every known account.
func (db *DB) GetAllAccounts(ctx context.Context) ([]*Account, error) {
	var accounts []*Account
	err := db.selectAll(ctx, &accounts, `SELECT `+accountColumns+` FROM account ORDER BY mxid`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list accounts")
	}
	return accounts, nil
}

// SaveAccount inserts or updates an account. Empty fields are stored as NULL.
func (db *DB) SaveAccount(ctx context.Context, acc *Account) error {
	err := db.exec(ctx, `
		INSERT INTO account (mxid, mm_user_id, auth_token, csrf_token, sync_cursor, notice_room)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (mxid) DO UPDATE SET
			mm_user_id = excluded.mm_user_id,
			auth_token = excluded.auth_token,
			csrf_token = excluded.csrf_token,
			sync_cursor = excluded.sync_cursor,
			notice_room = excluded.notice_room
	`, acc.MXID, nullable(acc.MMUserID), nullable(acc.AuthToken), nullable(acc.CSRFToken),
		nullable(acc.Cursor), nullable(acc.NoticeRoom))
	if err != nil {
		return errors.Wrap(err, "failed to save account")
	}
	return nil
}
