// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mattermost-dm/pkg/portal"
	"github.com/aiku/mautrix-mattermost-dm/pkg/remote"
)

// RoomTranslator projects Mattermost conversations onto Matrix rooms and
// back. *portal.Translator is the production implementation.
type RoomTranslator interface {
	ResolveOrCreateConversation(ctx context.Context, conversationID string, owner portal.Owner, kind remote.ConversationKind) (*portal.Portal, error)
	// GetConversation returns remote.ErrNoProjection for conversations
	// without a room.
	GetConversation(ctx context.Context, conversationID string, owner portal.Owner) (*portal.Portal, error)
	GetPortalByRoom(ctx context.Context, roomID id.RoomID) (*portal.Portal, error)
	GetPuppet(ctx context.Context, mmUserID string) (*portal.Puppet, error)

	CreateRoom(ctx context.Context, owner portal.Owner, p *portal.Portal, conv *remote.Conversation) error
	UpdateMetadata(ctx context.Context, owner portal.Owner, p *portal.Portal, conv *remote.Conversation) error
	PushBridgeInfo(ctx context.Context, p *portal.Portal) error
	UpdatePuppet(ctx context.Context, owner portal.Owner, user *remote.User) error
	SyncSelf(ctx context.Context, owner portal.Owner, me *remote.User, doublePuppetToken string) error
	RevokeDoublePuppet(ctx context.Context, owner portal.Owner, remoteID string) error

	TranslateMessage(ctx context.Context, owner portal.Owner, p *portal.Portal, sender *portal.Puppet, msg *remote.Message) error
	TranslateReactionAdd(ctx context.Context, owner portal.Owner, p *portal.Portal, sender *portal.Puppet, evt *remote.ReactionAdded) error
	TranslateReactionRemove(ctx context.Context, owner portal.Owner, p *portal.Portal, sender *portal.Puppet, evt *remote.ReactionRemoved) error
	TranslateReceipt(ctx context.Context, owner portal.Owner, p *portal.Portal, reader *portal.Puppet, evt *remote.ReceiptUpdated, historical bool) error

	SetTag(ctx context.Context, owner portal.Owner, p *portal.Portal, tag string, active bool) error
	SetMuted(ctx context.Context, owner portal.Owner, p *portal.Portal, muted bool) error
	UpdateDirectChats(ctx context.Context, owner portal.Owner) error

	CreateNoticeRoom(ctx context.Context, userID id.UserID) (id.RoomID, error)
	SendNotice(ctx context.Context, roomID id.RoomID, text string, important bool) error

	IsBridgeUser(mxid id.UserID) bool
	HandleMatrixEvent(ctx context.Context, owner portal.Owner, p *portal.Portal, evt *event.Event) error
	HandleMatrixReceipt(ctx context.Context, owner portal.Owner, p *portal.Portal) error
}

var _ RoomTranslator = (*portal.Translator)(nil)
