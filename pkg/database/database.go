// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package database stores bridge state: accounts, puppets, portals and the
// message and reaction mappings between Mattermost and Matrix.
package database

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// DB wraps sqlx.DB.
type DB struct {
	*sqlx.DB
}

// New opens a database connection. dbType is either "sqlite3" or "postgres".
func New(dbType, uri string) (*DB, error) {
	var dsn string
	switch dbType {
	case "sqlite3", "sqlite":
		dbType = "sqlite3"
		dsn = sqliteDSN(uri)
		if path := strings.TrimPrefix(strings.SplitN(uri, "?", 2)[0], "file:"); !isMemory(uri) && path != "" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, errors.Wrap(err, "failed to create database directory")
			}
		}
	case "postgres":
		dsn = uri
	default:
		return nil, errors.Errorf("unsupported database type %q", dbType)
	}

	db, err := sqlx.Connect(dbType, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}
	if isMemory(uri) {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	return &DB{db}, nil
}

func isMemory(uri string) bool {
	return strings.Contains(uri, ":memory:") || strings.Contains(uri, "mode=memory")
}

func sqliteDSN(uri string) string {
	if strings.Contains(uri, "?") {
		return uri
	}
	return uri + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
}

// Migrate creates missing tables.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to run migrations")
		}
	}
	return nil
}

func (db *DB) get(ctx context.Context, dest any, query string, args ...any) error {
	err := db.GetContext(ctx, dest, db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (db *DB) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	return db.SelectContext(ctx, dest, db.Rebind(query), args...)
}

func (db *DB) exec(ctx context.Context, query string, args ...any) error {
	_, err := db.ExecContext(ctx, db.Rebind(query), args...)
	return err
}

// nullable maps empty strings to SQL NULL.
func nullable[T ~string](val T) sql.NullString {
	return sql.NullString{String: string(val), Valid: val != ""}
}
