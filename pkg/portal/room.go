// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package portal

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
	"maunium.net/go/mautrix/pushrules"

	"github.com/aiku/mautrix-mattermost-dm/pkg/remote"
)

const networkID = "mattermost"

func (t *Translator) bridgeInfoStateKey(p *Portal) string {
	return fmt.Sprintf("fi.mau.%s://%s/%s", t.opts.BridgeID, networkID, p.ChannelID)
}

func (t *Translator) bridgeInfo(p *Portal) *event.BridgeEventContent {
	return &event.BridgeEventContent{
		BridgeBot: t.as.BotMXID(),
		Creator:   t.roomCreator(p),
		Protocol: event.BridgeInfoSection{
			ID:          networkID,
			DisplayName: "Mattermost",
			ExternalURL: t.opts.ServerURL,
		},
		Channel: event.BridgeInfoSection{
			ID:          p.ChannelID,
			DisplayName: p.Name,
		},
	}
}

// applyConversation copies conversation metadata into the portal record and
// reports whether anything changed.
func applyConversation(p *Portal, conv *remote.Conversation) bool {
	changed := false
	if p.Kind != int(conv.Kind) && !p.HasRoom() {
		p.Kind = int(conv.Kind)
		changed = true
	}
	if p.Name != conv.Name {
		p.Name = conv.Name
		changed = true
	}
	if p.OtherUserID != conv.OtherUserID && conv.OtherUserID != "" {
		p.OtherUserID = conv.OtherUserID
		changed = true
	}
	return changed
}

// CreateRoom creates the Matrix room of a portal. It is a no-op when the
// room already exists.
func (t *Translator) CreateRoom(ctx context.Context, owner Owner, p *Portal, conv *remote.Conversation) error {
	p.roomLock.Lock()
	defer p.roomLock.Unlock()
	if p.HasRoom() {
		return nil
	}
	applyConversation(p, conv)
	log := t.log.With().Str("channel_id", p.ChannelID).Stringer("user_mxid", p.Receiver).Logger()

	creator := t.as.BotIntent()
	if t.roomCreator(p) != t.as.BotMXID() {
		counterpart, err := t.GetPuppet(ctx, p.OtherUserID)
		if err != nil {
			return err
		}
		if creator, err = t.ensureRegistered(ctx, counterpart); err != nil {
			return err
		}
	}

	var ghosts []*appservice.IntentAPI
	for _, participant := range conv.Participants {
		if participant == owner.GetRemoteID() || participant == p.OtherUserID {
			continue
		}
		puppet, err := t.GetPuppet(ctx, participant)
		if err != nil {
			return err
		}
		ghost, err := t.ensureRegistered(ctx, puppet)
		if err != nil {
			return err
		}
		ghosts = append(ghosts, ghost)
	}
	invites := []id.UserID{owner.GetMXID()}
	for _, ghost := range ghosts {
		invites = append(invites, ghost.UserID)
	}

	stateKey := t.bridgeInfoStateKey(p)
	info := t.bridgeInfo(p)
	req := &mautrix.ReqCreateRoom{
		Visibility: "private",
		Preset:     "private_chat",
		Invite:     invites,
		IsDirect:   p.ConversationKind() == remote.KindDirect,
		InitialState: []*event.Event{
			{Type: event.StateBridge, StateKey: &stateKey, Content: event.Content{Parsed: info}},
			{Type: event.StateHalfShotBridge, StateKey: &stateKey, Content: event.Content{Parsed: info}},
		},
	}
	if p.ConversationKind() == remote.KindGroup {
		req.Name = p.Name
	}
	if !t.opts.FederateRooms {
		req.CreationContent = map[string]any{"m.federate": false}
	}
	resp, err := creator.CreateRoom(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to create room: %w", err)
	}
	p.MXID = resp.RoomID
	if err = t.db.SavePortal(ctx, p.Portal); err != nil {
		return err
	}
	t.portals.Register(p)
	log.Info().Stringer("room_id", p.MXID).Msg("Created portal room")

	for _, ghost := range ghosts {
		if err = t.ensureJoined(ctx, p, ghost); err != nil {
			log.Warn().Err(err).Stringer("ghost_mxid", ghost.UserID).Msg("Failed to join ghost to new room")
		}
	}
	if dp := t.doublePuppetOf(ctx, owner); dp != nil {
		if _, err = dp.JoinRoomByID(ctx, p.MXID); err != nil {
			log.Warn().Err(err).Msg("Failed to auto-join room with double puppet")
		}
	}
	return nil
}

// UpdateMetadata refreshes a portal from conversation metadata.
func (t *Translator) UpdateMetadata(ctx context.Context, owner Owner, p *Portal, conv *remote.Conversation) error {
	p.roomLock.Lock()
	defer p.roomLock.Unlock()
	oldName := p.Name
	if !applyConversation(p, conv) {
		return nil
	}
	if err := t.db.SavePortal(ctx, p.Portal); err != nil {
		return err
	}
	if !p.HasRoom() {
		return nil
	}
	if p.ConversationKind() == remote.KindGroup && p.Name != oldName {
		creator, err := t.creatorIntent(p)
		if err != nil {
			return err
		}
		_, err = creator.SendStateEvent(ctx, p.MXID, event.StateRoomName, "", &event.RoomNameEventContent{Name: p.Name})
		if err != nil {
			return fmt.Errorf("failed to set room name: %w", err)
		}
	}
	return t.pushBridgeInfo(ctx, p)
}

// PushBridgeInfo writes the bridge info state events to the portal room.
func (t *Translator) PushBridgeInfo(ctx context.Context, p *Portal) error {
	p.roomLock.Lock()
	defer p.roomLock.Unlock()
	return t.pushBridgeInfo(ctx, p)
}

func (t *Translator) pushBridgeInfo(ctx context.Context, p *Portal) error {
	if !p.HasRoom() {
		return nil
	}
	creator, err := t.creatorIntent(p)
	if err != nil {
		return err
	}
	stateKey := t.bridgeInfoStateKey(p)
	info := t.bridgeInfo(p)
	for _, evtType := range []event.Type{event.StateBridge, event.StateHalfShotBridge} {
		if _, err = creator.SendStateEvent(ctx, p.MXID, evtType, stateKey, info); err != nil {
			return fmt.Errorf("failed to send %s: %w", evtType.Type, err)
		}
	}
	return nil
}

// UpdateDirectChats adds every DM room of the account to its m.direct
// account data. It needs a double puppet and is a no-op without one.
func (t *Translator) UpdateDirectChats(ctx context.Context, owner Owner) error {
	cli := t.doublePuppetOf(ctx, owner)
	if cli == nil {
		t.log.Debug().Stringer("user_mxid", owner.GetMXID()).Msg("No double puppet, not updating m.direct")
		return nil
	}
	portals, err := t.db.GetPortalsByReceiver(ctx, owner.GetMXID())
	if err != nil {
		return err
	}
	direct := make(map[id.UserID][]id.RoomID)
	if err = cli.GetAccountData(ctx, event.AccountDataDirectChats.Type, &direct); err != nil && !errors.Is(err, mautrix.MNotFound) {
		return fmt.Errorf("failed to get m.direct: %w", err)
	}
	changed := false
	for _, dbPortal := range portals {
		if dbPortal.MXID == "" || remote.ConversationKind(dbPortal.Kind) != remote.KindDirect || dbPortal.OtherUserID == "" {
			continue
		}
		ghost := t.namer.GhostUserID(dbPortal.OtherUserID)
		if slices.Contains(direct[ghost], dbPortal.MXID) {
			continue
		}
		direct[ghost] = append(direct[ghost], dbPortal.MXID)
		changed = true
	}
	if !changed {
		return nil
	}
	if err = cli.SetAccountData(ctx, event.AccountDataDirectChats.Type, direct); err != nil {
		return fmt.Errorf("failed to set m.direct: %w", err)
	}
	return nil
}

// SetTag adds or removes a room tag for the account. Tags are per-user
// account data, so this needs a double puppet.
func (t *Translator) SetTag(ctx context.Context, owner Owner, p *Portal, tag string, active bool) error {
	if !p.HasRoom() || tag == "" {
		return nil
	}
	cli := t.doublePuppetOf(ctx, owner)
	if cli == nil {
		return nil
	}
	tags, err := cli.GetTags(ctx, p.MXID)
	if err != nil {
		return fmt.Errorf("failed to get room tags: %w", err)
	}
	roomTag := event.RoomTag(tag)
	_, present := tags.Tags[roomTag]
	switch {
	case active && !present:
		err = cli.AddTagWithCustomData(ctx, p.MXID, roomTag, &event.TagMetadata{
			Order:                 "0.5",
			MauDoublePuppetSource: t.opts.BridgeID,
		})
	case !active && present:
		err = cli.RemoveTag(ctx, p.MXID, roomTag)
	}
	if err != nil {
		return fmt.Errorf("failed to update room tag: %w", err)
	}
	return nil
}

// SetMuted mutes or unmutes a room for the account with a room push rule.
func (t *Translator) SetMuted(ctx context.Context, owner Owner, p *Portal, muted bool) error {
	if !p.HasRoom() {
		return nil
	}
	cli := t.doublePuppetOf(ctx, owner)
	if cli == nil {
		return nil
	}
	var err error
	if muted {
		err = cli.PutPushRule(ctx, "global", pushrules.RoomRule, string(p.MXID), &mautrix.ReqPutPushRule{
			Actions: []pushrules.PushActionType{pushrules.ActionDontNotify},
		})
	} else {
		err = cli.DeletePushRule(ctx, "global", pushrules.RoomRule, string(p.MXID))
		if errors.Is(err, mautrix.MNotFound) {
			err = nil
		}
	}
	if err != nil {
		return fmt.Errorf("failed to update push rule: %w", err)
	}
	return nil
}
