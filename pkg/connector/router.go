// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"maunium.net/go/mautrix/bridgev2/status"

	"github.com/aiku/mautrix-mattermost-dm/pkg/portal"
	"github.com/aiku/mautrix-mattermost-dm/pkg/remote"
)

// Event kinds, used as counter names.
const (
	kindConversationUpdated     = "conversation_updated"
	kindUserUpdated             = "user_updated"
	kindMessageReceived         = "message_received"
	kindReactionAdded           = "reaction_added"
	kindReactionRemoved         = "reaction_removed"
	kindReceiptUpdated          = "receipt_updated"
	kindConnectionStarted       = "connection_started"
	kindConnectionStopped       = "connection_stopped"
	kindConnectionErrored       = "connection_errored"
	kindConnectionErrorResolved = "connection_error_resolved"
)

const noticeQueueKey = "notices"

type eventCounters struct {
	lock   sync.Mutex
	counts map[string]int64
}

func newEventCounters() *eventCounters {
	return &eventCounters{counts: make(map[string]int64)}
}

func (ec *eventCounters) inc(kind string) {
	ec.lock.Lock()
	ec.counts[kind]++
	ec.lock.Unlock()
}

// Snapshot returns a copy of the counters.
func (ec *eventCounters) Snapshot() map[string]int64 {
	ec.lock.Lock()
	defer ec.lock.Unlock()
	out := make(map[string]int64, len(ec.counts))
	for kind, count := range ec.counts {
		out[kind] = count
	}
	return out
}

// handlers binds the router to events of one client. Events of a client
// that has since been replaced are dropped.
func (s *Session) handlers(client remote.Client) remote.Handlers {
	return remote.Handlers{
		ConversationUpdated: func(ctx context.Context, evt *remote.ConversationUpdated) {
			s.bridge.counters.inc(kindConversationUpdated)
			s.enqueue(ctx, client, evt.Conversation.ID, kindConversationUpdated, func(ctx context.Context) error {
				return s.handleConversation(ctx, client, evt)
			})
		},
		UserUpdated: func(ctx context.Context, evt *remote.UserUpdated) {
			s.bridge.counters.inc(kindUserUpdated)
			s.enqueue(ctx, client, "user|"+evt.User.ID, kindUserUpdated, func(ctx context.Context) error {
				return s.bridge.Translator.UpdatePuppet(ctx, s, evt.User)
			})
		},
		MessageReceived: func(ctx context.Context, evt *remote.MessageReceived) {
			s.bridge.counters.inc(kindMessageReceived)
			s.enqueue(ctx, client, evt.Message.ConversationID, kindMessageReceived, func(ctx context.Context) error {
				return s.handleMessage(ctx, client, evt.Message)
			})
		},
		ReactionAdded: func(ctx context.Context, evt *remote.ReactionAdded) {
			s.bridge.counters.inc(kindReactionAdded)
			s.enqueue(ctx, client, evt.ConversationID, kindReactionAdded, func(ctx context.Context) error {
				return s.handleReactionAdded(ctx, client, evt)
			})
		},
		ReactionRemoved: func(ctx context.Context, evt *remote.ReactionRemoved) {
			s.bridge.counters.inc(kindReactionRemoved)
			s.enqueue(ctx, client, evt.ConversationID, kindReactionRemoved, func(ctx context.Context) error {
				return s.handleReactionRemoved(ctx, client, evt)
			})
		},
		ReceiptUpdated: func(ctx context.Context, evt *remote.ReceiptUpdated) {
			s.bridge.counters.inc(kindReceiptUpdated)
			s.enqueue(ctx, client, evt.ConversationID, kindReceiptUpdated, func(ctx context.Context) error {
				return s.handleReceipt(ctx, evt)
			})
		},
		ConnectionStarted: func(ctx context.Context, _ *remote.ConnectionStarted) {
			s.bridge.counters.inc(kindConnectionStarted)
			if s.isCurrent(client) {
				s.onConnected(ctx, false)
			}
		},
		ConnectionErrorResolved: func(ctx context.Context, _ *remote.ConnectionErrorResolved) {
			s.bridge.counters.inc(kindConnectionErrorResolved)
			if s.isCurrent(client) {
				s.onConnected(ctx, true)
			}
		},
		ConnectionStopped: func(ctx context.Context, _ *remote.ConnectionStopped) {
			s.bridge.counters.inc(kindConnectionStopped)
			if s.isCurrent(client) {
				s.onStopped(ctx)
			}
		},
		ConnectionErrored: func(ctx context.Context, evt *remote.ConnectionErrored) {
			s.bridge.counters.inc(kindConnectionErrored)
			if s.isCurrent(client) {
				s.onErrored(ctx, evt)
			}
		},
	}
}

func (s *Session) enqueue(ctx context.Context, client remote.Client, key, kind string, fn func(ctx context.Context) error) {
	s.queues.Enqueue(ctx, key, func(ctx context.Context) {
		if !s.isCurrent(client) {
			return
		}
		err := fn(ctx)
		switch {
		case err == nil:
		case errors.Is(err, remote.ErrNoProjection):
			s.log.Debug().Str("event_kind", kind).Str("queue", key).Msg("Dropping event for conversation without room")
		default:
			s.log.Err(err).Str("event_kind", kind).Str("queue", key).Msg("Failed to handle Mattermost event")
		}
	})
}

func (s *Session) handleConversation(ctx context.Context, client remote.Client, evt *remote.ConversationUpdated) error {
	tr := s.bridge.Translator
	conv := evt.Conversation
	p, err := tr.ResolveOrCreateConversation(ctx, conv.ID, s, conv.Kind)
	if err != nil {
		return err
	}
	if !p.HasRoom() {
		if !evt.AllowCreate {
			return tr.UpdateMetadata(ctx, s, p, conv)
		}
		if err = s.createRoom(ctx, p, conv); err != nil {
			return err
		}
		s.applyLowQuality(ctx, p, conv)
		return s.backfill(ctx, client, p)
	} else if err = tr.UpdateMetadata(ctx, s, p, conv); err != nil {
		return err
	}
	s.applyLowQuality(ctx, p, conv)
	return nil
}

func (s *Session) createRoom(ctx context.Context, p *portal.Portal, conv *remote.Conversation) error {
	tr := s.bridge.Translator
	if err := tr.CreateRoom(ctx, s, p, conv); err != nil {
		return err
	}
	if conv.Kind == remote.KindDirect {
		if err := tr.UpdateDirectChats(ctx, s); err != nil {
			s.log.Warn().Err(err).Msg("Failed to update m.direct")
		}
	}
	return nil
}

// applyLowQuality tags and mutes conversations with bots and deactivated
// users. Both toggles are idempotent.
func (s *Session) applyLowQuality(ctx context.Context, p *portal.Portal, conv *remote.Conversation) {
	cfg := s.bridge.Config.Bridge
	if cfg.LowQualityTag != "" {
		if err := s.bridge.Translator.SetTag(ctx, s, p, cfg.LowQualityTag, conv.LowQuality); err != nil {
			s.log.Warn().Err(err).Str("channel_id", conv.ID).Msg("Failed to update low quality tag")
		}
	}
	if cfg.LowQualityMute {
		if err := s.bridge.Translator.SetMuted(ctx, s, p, conv.LowQuality); err != nil {
			s.log.Warn().Err(err).Str("channel_id", conv.ID).Msg("Failed to update mute state")
		}
	}
}

func (s *Session) handleMessage(ctx context.Context, client remote.Client, msg *remote.Message) error {
	tr := s.bridge.Translator
	p, err := tr.ResolveOrCreateConversation(ctx, msg.ConversationID, s, msg.ConversationKind)
	if err != nil {
		return err
	}
	if !p.HasRoom() {
		conv, err := client.GetConversation(ctx, msg.ConversationID)
		if err != nil {
			return fmt.Errorf("failed to fetch conversation for new room: %w", err)
		}
		if err = s.createRoom(ctx, p, conv); err != nil {
			return err
		}
		s.applyLowQuality(ctx, p, conv)
		// History goes first. TranslateMessage drops the live message if
		// the history already contained it.
		if err = s.backfill(ctx, client, p); err != nil {
			s.log.Warn().Err(err).Str("channel_id", p.ChannelID).Msg("Backfill of new room failed")
		}
	}
	sender, err := s.resolvePuppet(ctx, client, msg.SenderID)
	if err != nil {
		return err
	}
	return tr.TranslateMessage(ctx, s, p, sender, msg)
}

// resolvePuppet returns the ghost of a Mattermost user, fetching its
// profile the first time the user is seen.
func (s *Session) resolvePuppet(ctx context.Context, client remote.Client, mmUserID string) (*portal.Puppet, error) {
	puppet, err := s.bridge.Translator.GetPuppet(ctx, mmUserID)
	if err != nil {
		return nil, err
	}
	if puppet.HasProfile() {
		return puppet, nil
	}
	user, err := client.GetUser(ctx, mmUserID)
	if err != nil {
		s.log.Warn().Err(err).Str("mm_user_id", mmUserID).Msg("Failed to fetch profile of new puppet")
		return puppet, nil
	}
	if err = s.bridge.Translator.UpdatePuppet(ctx, s, user); err != nil {
		s.log.Warn().Err(err).Str("mm_user_id", mmUserID).Msg("Failed to update new puppet")
	}
	return puppet, nil
}

func (s *Session) handleReactionAdded(ctx context.Context, client remote.Client, evt *remote.ReactionAdded) error {
	tr := s.bridge.Translator
	p, err := tr.GetConversation(ctx, evt.ConversationID, s)
	if err != nil {
		return err
	}
	sender, err := s.resolvePuppet(ctx, client, evt.UserID)
	if err != nil {
		return err
	}
	return tr.TranslateReactionAdd(ctx, s, p, sender, evt)
}

func (s *Session) handleReactionRemoved(ctx context.Context, client remote.Client, evt *remote.ReactionRemoved) error {
	tr := s.bridge.Translator
	p, err := tr.GetConversation(ctx, evt.ConversationID, s)
	if err != nil {
		return err
	}
	sender, err := s.resolvePuppet(ctx, client, evt.UserID)
	if err != nil {
		return err
	}
	return tr.TranslateReactionRemove(ctx, s, p, sender, evt)
}

func (s *Session) handleReceipt(ctx context.Context, evt *remote.ReceiptUpdated) error {
	tr := s.bridge.Translator
	p, err := tr.GetConversation(ctx, evt.ConversationID, s)
	if err != nil {
		return err
	}
	reader, err := tr.GetPuppet(ctx, s.GetRemoteID())
	if err != nil {
		return err
	}
	return tr.TranslateReceipt(ctx, s, p, reader, evt, false)
}

func (s *Session) onConnected(ctx context.Context, resolved bool) {
	s.connected.Store(true)
	s.pushState(ctx, status.StateConnected, "")
	if resolved && s.bridge.Config.Bridge.TemporaryDisconnectNotices {
		s.notify(ctx, "Connection to Mattermost restored", false)
	}
}

func (s *Session) onStopped(ctx context.Context) {
	s.connected.Store(false)
	if s.intentionalStop.Swap(false) {
		s.log.Debug().Msg("Stream loop stopped intentionally")
		return
	}
	s.log.Warn().Msg("Stream loop stopped unexpectedly")
	s.pushState(ctx, status.StateUnknownError, ErrNotConnected)
}

func (s *Session) onErrored(ctx context.Context, evt *remote.ConnectionErrored) {
	s.connected.Store(false)
	if s.intentionalStop.Load() {
		return
	}
	cfg := s.bridge.Config.Bridge
	if evt.Fatal {
		s.log.Error().Err(evt.Err).Int("error_count", evt.Count).Msg("Fatal error in stream loop")
		if remote.IsAuthError(evt.Err) {
			s.lock.Lock()
			s.loggedIn = loginFalse
			s.lock.Unlock()
			s.pushState(ctx, status.StateBadCredentials, ErrLoggedOut)
		} else {
			s.pushState(ctx, status.StateUnknownError, ErrConnectionError)
		}
		s.notify(ctx, fmt.Sprintf("Fatal error while polling Mattermost: %v", evt.Err), true)
		return
	}
	s.log.Warn().Err(evt.Err).Int("error_count", evt.Count).Msg("Error in stream loop")
	if evt.Count == 1 && cfg.TemporaryDisconnectNotices {
		s.notify(ctx, fmt.Sprintf("Error while polling Mattermost: %v\nThe bridge will try to reconnect.", evt.Err), false)
	}
	if evt.Count < cfg.ErrorEscalationThreshold {
		s.pushState(ctx, status.StateTransientDisconnect, "")
	} else {
		s.pushState(ctx, status.StateUnknownError, ErrConnectionError)
	}
}
