// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package remote

import (
	"context"
	"time"
)

// ConversationKind distinguishes one-to-one chats from group chats.
type ConversationKind int

const (
	KindDirect ConversationKind = iota
	KindGroup
)

func (k ConversationKind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindGroup:
		return "group"
	default:
		return "unknown"
	}
}

// Conversation is a snapshot of a remote conversation's metadata.
type Conversation struct {
	ID           string
	Kind         ConversationKind
	Name         string
	Participants []string
	// OtherUserID is the counterpart of a direct conversation.
	OtherUserID  string
	LastActivity time.Time
	// Trusted is false for conversations the remote service treats as
	// requests or archives. Untrusted conversations never get rooms during
	// the initial sync.
	Trusted    bool
	LowQuality bool
}

// User is a remote user profile.
type User struct {
	ID        string
	Username  string
	Nickname  string
	FirstName string
	LastName  string
	IsBot     bool
	Deleted   bool
	// AvatarUpdatedAt changes whenever the remote profile picture changes.
	AvatarUpdatedAt int64
}

// File describes an attachment on a remote message.
type File struct {
	ID       string
	Name     string
	MimeType string
	Size     int64
}

// Message is a remote message, either new or edited.
type Message struct {
	ID               string
	ConversationID   string
	ConversationKind ConversationKind
	SenderID         string
	Text             string
	ReplyTo          string
	Files            []File
	Timestamp        time.Time
	Edited           bool
}

// Upload is an outbound attachment.
type Upload struct {
	Name     string
	MimeType string
	Data     []byte
}

// Snapshot is the full conversation state used for the initial sync.
type Snapshot struct {
	Conversations []*Conversation
	Users         []*User
	Cursor        string
}

type ConversationUpdated struct {
	Conversation *Conversation
	// AllowCreate permits creating a room for a conversation that has none.
	AllowCreate bool
}

type UserUpdated struct {
	User *User
}

type MessageReceived struct {
	Message *Message
}

type ReactionAdded struct {
	ConversationID string
	MessageID      string
	UserID         string
	Emoji          string
	Timestamp      time.Time
}

type ReactionRemoved struct {
	ConversationID string
	MessageID      string
	UserID         string
	Emoji          string
}

// ReceiptUpdated reports the account's own read position in a conversation.
type ReceiptUpdated struct {
	ConversationID string
	ReadUpTo       time.Time
}

type ConnectionStarted struct{}

type ConnectionStopped struct{}

type ConnectionErrored struct {
	Err   error
	Count int
	// Fatal errors end the stream loop. No ConnectionStopped follows them.
	Fatal bool
}

type ConnectionErrorResolved struct{}

// Handlers has one slot per event kind. Nil slots drop the event. The client
// invokes the slots from its stream goroutine in emission order.
type Handlers struct {
	ConversationUpdated     func(ctx context.Context, evt *ConversationUpdated)
	UserUpdated             func(ctx context.Context, evt *UserUpdated)
	MessageReceived         func(ctx context.Context, evt *MessageReceived)
	ReactionAdded           func(ctx context.Context, evt *ReactionAdded)
	ReactionRemoved         func(ctx context.Context, evt *ReactionRemoved)
	ReceiptUpdated          func(ctx context.Context, evt *ReceiptUpdated)
	ConnectionStarted       func(ctx context.Context, evt *ConnectionStarted)
	ConnectionStopped       func(ctx context.Context, evt *ConnectionStopped)
	ConnectionErrored       func(ctx context.Context, evt *ConnectionErrored)
	ConnectionErrorResolved func(ctx context.Context, evt *ConnectionErrorResolved)
}
