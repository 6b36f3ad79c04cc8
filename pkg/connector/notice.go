// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"

	"maunium.net/go/mautrix/id"
)

// notify queues a notice so that notices are delivered in the order they
// were triggered without blocking the caller.
func (s *Session) notify(ctx context.Context, text string, important bool) {
	s.queues.Enqueue(ctx, noticeQueueKey, func(ctx context.Context) {
		if err := s.SendNotice(ctx, text, important); err != nil {
			s.log.Warn().Err(err).Msg("Failed to send bridge notice")
		}
	})
}

// SendNotice sends a message to the account's notice room, creating the room
// if needed. Non-important notices are dropped when bridge notices are
// disabled.
func (s *Session) SendNotice(ctx context.Context, text string, important bool) error {
	if !important && s.bridge.Config.Bridge.DisableBridgeNotices {
		return nil
	}
	s.noticeSendLock.Lock()
	defer s.noticeSendLock.Unlock()
	roomID, err := s.noticeRoom(ctx)
	if err != nil {
		return err
	}
	return s.bridge.Translator.SendNotice(ctx, roomID, text, important)
}

func (s *Session) noticeRoom(ctx context.Context) (id.RoomID, error) {
	s.lock.RLock()
	roomID := s.account.NoticeRoom
	s.lock.RUnlock()
	if roomID != "" {
		return roomID, nil
	}

	s.noticeRoomLock.Lock()
	defer s.noticeRoomLock.Unlock()
	s.lock.RLock()
	roomID = s.account.NoticeRoom
	s.lock.RUnlock()
	if roomID != "" {
		return roomID, nil
	}
	roomID, err := s.bridge.Translator.CreateNoticeRoom(ctx, s.MXID)
	if err != nil {
		return "", err
	}
	s.lock.Lock()
	s.account.NoticeRoom = roomID
	s.lock.Unlock()
	if err = s.saveAccount(ctx); err != nil {
		s.log.Err(err).Msg("Failed to save notice room")
	}
	return roomID, nil
}
