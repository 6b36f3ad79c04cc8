// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/aiku/mautrix-mattermost-dm/pkg/database"
	"github.com/aiku/mautrix-mattermost-dm/pkg/portal"
	"github.com/aiku/mautrix-mattermost-dm/pkg/remote"
)

const kindBackfill = "backfill"

// enqueueBackfill queues a history backfill behind the events already queued
// for the conversation.
func (s *Session) enqueueBackfill(ctx context.Context, client remote.Client, p *portal.Portal) {
	if s.bridge.Config.Bridge.BackfillLimit <= 0 {
		return
	}
	s.enqueue(ctx, client, p.ChannelID, kindBackfill, func(ctx context.Context) error {
		return s.backfill(ctx, client, p)
	})
}

// backfill bridges the most recent messages of a conversation into its room.
// It must run on the conversation's queue. A conversation is backfilled at
// most once; a failed backfill is retried the next time it is requested.
func (s *Session) backfill(ctx context.Context, client remote.Client, p *portal.Portal) error {
	limit := s.bridge.Config.Bridge.BackfillLimit
	if limit <= 0 || !p.HasRoom() {
		return nil
	}
	db := s.bridge.DB
	key := database.PortalKey{ChannelID: p.ChannelID, Receiver: s.MXID}
	state, err := db.GetBackfill(ctx, key)
	if errors.Is(err, database.ErrNotFound) {
		state = &database.Backfill{PortalKey: key}
	} else if err != nil {
		return err
	}
	if state.Finished() {
		return nil
	}
	log := s.log.With().Str("channel_id", p.ChannelID).Logger()

	state.Dispatched = true
	state.State = database.BackfillRunning
	if err = db.SaveBackfill(ctx, state); err != nil {
		return err
	}
	msgs, err := client.FetchHistory(ctx, p.ChannelID, limit)
	if err != nil {
		state.Dispatched = false
		state.State = database.BackfillFailed
		if saveErr := db.SaveBackfill(ctx, state); saveErr != nil {
			log.Err(saveErr).Msg("Failed to save backfill state")
		}
		return fmt.Errorf("failed to fetch history: %w", err)
	}

	tr := s.bridge.Translator
	for _, msg := range msgs {
		sender, err := s.resolvePuppet(ctx, client, msg.SenderID)
		if err != nil {
			log.Warn().Err(err).Str("post_id", msg.ID).Msg("Failed to resolve sender of backfilled message")
			continue
		}
		if err = tr.TranslateMessage(ctx, s, p, sender, msg); err != nil {
			log.Warn().Err(err).Str("post_id", msg.ID).Msg("Failed to bridge backfilled message")
			continue
		}
		state.MessageCount++
	}
	state.State = database.BackfillDone
	if err = db.SaveBackfill(ctx, state); err != nil {
		return err
	}
	log.Info().Int("message_count", state.MessageCount).Msg("Backfilled conversation history")
	return nil
}
