// Copyright 2024-2026 Aiku AI

package database

import (
	"context"

	"github.com/pkg/errors"
)

// BackfillState is the progress of a history backfill.
type BackfillState int

const (
	BackfillPending BackfillState = iota
	BackfillRunning
	BackfillDone
	BackfillFailed
)

// Backfill tracks the history backfill of one portal.
type Backfill struct {
	PortalKey
	Dispatched   bool          `db:"dispatched"`
	MessageCount int           `db:"message_count"`
	State        BackfillState `db:"state"`
}

// Finished reports whether the backfill must not run again.
func (b *Backfill) Finished() bool {
	return b.State == BackfillDone
}

// GetBackfill returns the backfill state of a portal.
func (db *DB) GetBackfill(ctx context.Context, key PortalKey) (*Backfill, error) {
	var b Backfill
	err := db.get(ctx, &b, `
		SELECT channel_id, receiver, dispatched, message_count, state
		FROM backfill_state WHERE channel_id = ? AND receiver = ?
	`, key.ChannelID, key.Receiver)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "failed to get backfill state")
	}
	return &b, nil
}

// SaveBackfill inserts or updates a backfill state.
func (db *DB) SaveBackfill(ctx context.Context, b *Backfill) error {
	err := db.exec(ctx, `
		INSERT INTO backfill_state (channel_id, receiver, dispatched, message_count, state)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (channel_id, receiver) DO UPDATE SET
			dispatched = excluded.dispatched,
			message_count = excluded.message_count,
			state = excluded.state
	`, b.ChannelID, b.Receiver, b.Dispatched, b.MessageCount, b.State)
	if err != nil {
		return errors.Wrap(err, "failed to save backfill state")
	}
	return nil
}
