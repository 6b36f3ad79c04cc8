// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package database

const schema = `
CREATE TABLE IF NOT EXISTS account (
    mxid        TEXT PRIMARY KEY,
    mm_user_id  TEXT,
    auth_token  TEXT,
    csrf_token  TEXT,
    sync_cursor TEXT,
    notice_room TEXT
);

CREATE TABLE IF NOT EXISTS puppet (
    mm_user_id    TEXT PRIMARY KEY,
    displayname   TEXT NOT NULL DEFAULT '',
    username      TEXT NOT NULL DEFAULT '',
    avatar_marker TEXT NOT NULL DEFAULT '',
    avatar_url    TEXT NOT NULL DEFAULT '',
    is_bot        BOOLEAN NOT NULL DEFAULT false,
    registered    BOOLEAN NOT NULL DEFAULT false,
    custom_mxid   TEXT,
    access_token  TEXT
);

CREATE TABLE IF NOT EXISTS portal (
    channel_id    TEXT NOT NULL,
    receiver      TEXT NOT NULL,
    mxid          TEXT UNIQUE,
    kind          INTEGER NOT NULL DEFAULT 0,
    name          TEXT NOT NULL DEFAULT '',
    other_user_id TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (channel_id, receiver)
);

CREATE TABLE IF NOT EXISTS message (
    mm_post_id TEXT NOT NULL,
    receiver   TEXT NOT NULL,
    mm_sender  TEXT NOT NULL DEFAULT '',
    mx_room    TEXT NOT NULL,
    mx_event   TEXT NOT NULL,
    ts         BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (mm_post_id, receiver)
);

CREATE TABLE IF NOT EXISTS reaction (
    mm_post_id TEXT NOT NULL,
    mm_sender  TEXT NOT NULL,
    emoji      TEXT NOT NULL,
    receiver   TEXT NOT NULL,
    mx_room    TEXT NOT NULL,
    mx_event   TEXT NOT NULL,
    PRIMARY KEY (mm_post_id, mm_sender, emoji, receiver)
);

CREATE TABLE IF NOT EXISTS backfill_state (
    channel_id    TEXT NOT NULL,
    receiver      TEXT NOT NULL,
    dispatched    BOOLEAN NOT NULL DEFAULT false,
    message_count INTEGER NOT NULL DEFAULT 0,
    state         INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (channel_id, receiver)
);

CREATE INDEX IF NOT EXISTS idx_message_event ON message(mx_room, mx_event);
CREATE INDEX IF NOT EXISTS idx_reaction_event ON reaction(mx_room, mx_event)
`
