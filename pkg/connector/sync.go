// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"slices"

	"maunium.net/go/mautrix/bridgev2/status"

	"github.com/aiku/mautrix-mattermost-dm/pkg/remote"
)

// initialSync projects the account's conversations after a fresh login and
// then starts the stream loop.
func (s *Session) initialSync(ctx context.Context, client remote.Client) {
	if err := s.syncConversations(ctx, client); err != nil {
		s.log.Err(err).Msg("Initial sync failed")
	}
	if !s.startPolling(ctx, client) {
		s.log.Debug().Msg("Session stopped or client replaced during initial sync, not starting poll loop")
	}
}

func (s *Session) syncConversations(ctx context.Context, client remote.Client) error {
	s.pushState(ctx, status.StateBackfilling, "")
	snapshot, err := client.FetchSnapshot(ctx)
	if err != nil {
		return err
	}

	s.lock.Lock()
	adoptCursor := s.account.Cursor == "" && snapshot.Cursor != "" && s.client == client
	if adoptCursor {
		s.account.Cursor = snapshot.Cursor
	}
	s.lock.Unlock()
	if adoptCursor {
		client.SetCursor(snapshot.Cursor)
		if err = s.saveAccount(ctx); err != nil {
			s.log.Err(err).Msg("Failed to save sync cursor")
		}
	}

	tr := s.bridge.Translator
	for _, user := range snapshot.Users {
		if err = tr.UpdatePuppet(ctx, s, user); err != nil {
			s.log.Warn().Err(err).Str("mm_user_id", user.ID).Msg("Failed to update puppet during sync")
		}
	}

	convs := slices.Clone(snapshot.Conversations)
	slices.SortStableFunc(convs, func(a, b *remote.Conversation) int {
		return b.LastActivity.Compare(a.LastActivity)
	})
	// The budget counts trusted conversations by recency rank, whether or
	// not they already have a room.
	limit := s.bridge.Config.Bridge.InitialConversationSync
	rank, created := 0, 0
	for _, conv := range convs {
		log := s.log.With().Str("channel_id", conv.ID).Logger()
		p, err := tr.ResolveOrCreateConversation(ctx, conv.ID, s, conv.Kind)
		if err != nil {
			log.Err(err).Msg("Failed to resolve conversation during sync")
			continue
		}
		inBudget := conv.Trusted && (limit < 0 || rank < limit)
		if inBudget {
			rank++
		}
		if inBudget && !p.HasRoom() {
			if err = tr.CreateRoom(ctx, s, p, conv); err != nil {
				log.Err(err).Msg("Failed to create room during sync")
				continue
			}
			created++
			s.applyLowQuality(ctx, p, conv)
			s.enqueueBackfill(ctx, client, p)
		} else if err = tr.UpdateMetadata(ctx, s, p, conv); err != nil {
			log.Err(err).Msg("Failed to update conversation during sync")
		}
	}
	s.log.Info().
		Int("conversations", len(convs)).
		Int("rooms_created", created).
		Msg("Initial sync finished")

	if err = tr.UpdateDirectChats(ctx, s); err != nil {
		s.log.Warn().Err(err).Msg("Failed to update m.direct")
	}
	return nil
}
