// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package remote defines the contract between a bridged account's session
// and the chat service it is connected to. Events coming from the service are
// normalized into a closed set of structs, each with its own slot in
// [Handlers].
package remote

import (
	"context"
)

// Credentials is the opaque credential pair of a remote account.
type Credentials struct {
	AuthToken string
	CSRFToken string
}

// IsZero reports whether no credentials are set.
func (c Credentials) IsZero() bool {
	return c.AuthToken == "" && c.CSRFToken == ""
}

// Identity is the canonical remote identity of a logged-in account.
type Identity struct {
	UserID      string
	Username    string
	DisplayName string
}

// Client is a connection to the remote service for a single account.
type Client interface {
	// Connect verifies the credentials with one lightweight request and
	// returns the account's identity. It returns *AuthError when the
	// credentials are rejected and *TransportError for retryable failures.
	Connect(ctx context.Context, creds Credentials) (*Identity, error)
	Whoami(ctx context.Context) (*Identity, error)
	Logout(ctx context.Context) error

	Subscribe(handlers Handlers)
	StartPolling(ctx context.Context)
	StopPolling()
	IsPolling() bool

	Cursor() string
	SetCursor(cursor string)
	Credentials() Credentials
	SetCredentials(creds Credentials)

	FetchSnapshot(ctx context.Context) (*Snapshot, error)
	// FetchHistory returns up to limit of the most recent user messages in
	// a conversation, oldest first.
	FetchHistory(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	GetConversation(ctx context.Context, conversationID string) (*Conversation, error)
	GetUser(ctx context.Context, userID string) (*User, error)
	GetAvatar(ctx context.Context, user *User) ([]byte, error)
	GetFile(ctx context.Context, fileID string) ([]byte, error)

	SendMessage(ctx context.Context, conversationID, text, replyTo string, files []Upload) (string, error)
	EditMessage(ctx context.Context, messageID, text string) error
	SendReaction(ctx context.Context, messageID, emoji string) error
	RemoveReaction(ctx context.Context, messageID, emoji string) error
	MarkRead(ctx context.Context, conversationID string) error
}
