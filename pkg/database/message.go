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

// Message maps a Mattermost post to the Matrix event it was bridged as.
type Message struct {
	MMPostID  string     `db:"mm_post_id"`
	Receiver  id.UserID  `db:"receiver"`
	MMSender  string     `db:"mm_sender"`
	MXRoom    id.RoomID  `db:"mx_room"`
	MXEvent   id.EventID `db:"mx_event"`
	Timestamp int64      `db:"ts"`
}

// Reaction maps a Mattermost reaction to its Matrix event.
type Reaction struct {
	MMPostID string     `db:"mm_post_id"`
	MMSender string     `db:"mm_sender"`
	Emoji    string     `db:"emoji"`
	Receiver id.UserID  `db:"receiver"`
	MXRoom   id.RoomID  `db:"mx_room"`
	MXEvent  id.EventID `db:"mx_event"`
}

// GetMessage returns the mapping for a post.
func (db *DB) GetMessage(ctx context.Context, postID string, receiver id.UserID) (*Message, error) {
	var msg Message
	err := db.get(ctx, &msg, `SELECT mm_post_id, receiver, mm_sender, mx_room, mx_event, ts
		FROM message WHERE mm_post_id = ? AND receiver = ?`, postID, receiver)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "failed to get message")
	}
	return &msg, nil
}

// GetMessageByMXID returns the mapping for a Matrix event.
func (db *DB) GetMessageByMXID(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*Message, error) {
	var msg Message
	err := db.get(ctx, &msg, `SELECT mm_post_id, receiver, mm_sender, mx_room, mx_event, ts
		FROM message WHERE mx_room = ? AND mx_event = ?`, roomID, eventID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "failed to get message by event")
	}
	return &msg, nil
}

// GetLastMessageBefore returns the newest bridged message in a room at or
// before ts (milliseconds).
func (db *DB) GetLastMessageBefore(ctx context.Context, roomID id.RoomID, ts int64) (*Message, error) {
	var msg Message
	err := db.get(ctx, &msg, `SELECT mm_post_id, receiver, mm_sender, mx_room, mx_event, ts
		FROM message WHERE mx_room = ? AND ts <= ? ORDER BY ts DESC LIMIT 1`, roomID, ts)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "failed to get last message")
	}
	return &msg, nil
}

// SaveMessage stores a post mapping. An existing mapping keeps its event.
func (db *DB) SaveMessage(ctx context.Context, msg *Message) error {
	err := db.exec(ctx, `
		INSERT INTO message (mm_post_id, receiver, mm_sender, mx_room, mx_event, ts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (mm_post_id, receiver) DO NOTHING
	`, msg.MMPostID, msg.Receiver, msg.MMSender, msg.MXRoom, msg.MXEvent, msg.Timestamp)
	if err != nil {
		return errors.Wrap(err, "failed to save message")
	}
	return nil
}

// GetReaction returns a reaction mapping.
func (db *DB) GetReaction(ctx context.Context, postID, sender, emoji string, receiver id.UserID) (*Reaction, error) {
	var r Reaction
	err := db.get(ctx, &r, `SELECT mm_post_id, mm_sender, emoji, receiver, mx_room, mx_event FROM reaction
		WHERE mm_post_id = ? AND mm_sender = ? AND emoji = ? AND receiver = ?`, postID, sender, emoji, receiver)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "failed to get reaction")
	}
	return &r, nil
}

// GetReactionByMXID returns the reaction mapping for a Matrix event.
func (db *DB) GetReactionByMXID(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*Reaction, error) {
	var r Reaction
	err := db.get(ctx, &r, `SELECT mm_post_id, mm_sender, emoji, receiver, mx_room, mx_event FROM reaction
		WHERE mx_room = ? AND mx_event = ?`, roomID, eventID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "failed to get reaction by event")
	}
	return &r, nil
}

// SaveReaction stores a reaction mapping.
func (db *DB) SaveReaction(ctx context.Context, r *Reaction) error {
	err := db.exec(ctx, `
		INSERT INTO reaction (mm_post_id, mm_sender, emoji, receiver, mx_room, mx_event)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (mm_post_id, mm_sender, emoji, receiver) DO UPDATE SET
			mx_room = excluded.mx_room,
			mx_event = excluded.mx_event
	`, r.MMPostID, r.MMSender, r.Emoji, r.Receiver, r.MXRoom, r.MXEvent)
	if err != nil {
		return errors.Wrap(err, "failed to save reaction")
	}
	return nil
}

// DeleteReaction removes a reaction mapping.
func (db *DB) DeleteReaction(ctx context.Context, r *Reaction) error {
	err := db.exec(ctx, `DELETE FROM reaction WHERE mm_post_id = ? AND mm_sender = ? AND emoji = ? AND receiver = ?`,
		r.MMPostID, r.MMSender, r.Emoji, r.Receiver)
	if err != nil {
		return errors.Wrap(err, "failed to delete reaction")
	}
	return nil
}
