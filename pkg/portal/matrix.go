// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package portal

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mattermost-dm/pkg/remote"
)

// DoublePuppetSourceKey marks events and tags written through a double
// puppet so they are not bridged back.
const DoublePuppetSourceKey = appservice.DoublePuppetKey

// intent returns the appservice intent of a user in the bridge namespace.
func (t *Translator) intent(userID id.UserID) (*appservice.IntentAPI, error) {
	intent := t.as.Intent(userID)
	if intent == nil {
		return nil, fmt.Errorf("%s is not a user on %s", userID, t.as.HomeserverDomain)
	}
	return intent, nil
}

// customClient returns a client using a double puppet access token.
func (t *Translator) customClient(userID id.UserID, accessToken string) (*mautrix.Client, error) {
	cli, err := t.as.NewExternalMautrixClient(userID, accessToken, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create double puppet client: %w", err)
	}
	cli.Log = t.log.With().Stringer("double_puppet", userID).Logger()
	return cli, nil
}

// ensureRegistered creates the ghost account on the homeserver once and
// returns its intent.
func (t *Translator) ensureRegistered(ctx context.Context, puppet *Puppet) (*appservice.IntentAPI, error) {
	intent, err := t.intent(puppet.MXID)
	if err != nil {
		return nil, err
	}
	puppet.lock.Lock()
	defer puppet.lock.Unlock()
	if puppet.Registered {
		// The state store is in memory, the database remembers across restarts.
		if err = t.as.StateStore.MarkRegistered(ctx, puppet.MXID); err != nil {
			return nil, err
		}
		return intent, nil
	}
	if err = intent.EnsureRegistered(ctx); err != nil {
		return nil, fmt.Errorf("failed to register ghost %s: %w", puppet.MXID, err)
	}
	puppet.Registered = true
	return intent, t.db.SavePuppet(ctx, puppet.Puppet)
}

// roomCreator returns the user that creates and administers a portal room:
// the counterpart ghost for DMs and the bridge bot for groups.
func (t *Translator) roomCreator(p *Portal) id.UserID {
	if p.ConversationKind() == remote.KindDirect && p.OtherUserID != "" {
		return t.namer.GhostUserID(p.OtherUserID)
	}
	return t.as.BotMXID()
}

// creatorIntent returns the intent of the room creator.
func (t *Translator) creatorIntent(p *Portal) (*appservice.IntentAPI, error) {
	return t.intent(t.roomCreator(p))
}

// ensureJoined makes sure a ghost is a member of the portal room. The room
// creator invites it when the plain join is refused.
func (t *Translator) ensureJoined(ctx context.Context, p *Portal, intent *appservice.IntentAPI) error {
	err := intent.EnsureJoined(ctx, p.MXID, appservice.EnsureJoinedParams{
		BotOverride: t.as.Client(t.roomCreator(p)),
	})
	if err != nil {
		return fmt.Errorf("failed to join %s to %s: %w", intent.UserID, p.MXID, err)
	}
	return nil
}

// intentFor returns the client that acts as sender in a portal, joining the
// ghost to the room when needed. Messages from the owner's own Mattermost
// account go through the double puppet when one is linked.
func (t *Translator) intentFor(ctx context.Context, p *Portal, sender *Puppet) (*mautrix.Client, bool, error) {
	if cli := t.doublePuppetFor(sender, p.Receiver); cli != nil {
		return cli, true, nil
	}
	intent, err := t.ensureRegistered(ctx, sender)
	if err != nil {
		return nil, false, err
	}
	if err = t.ensureJoined(ctx, p, intent); err != nil {
		return nil, false, err
	}
	return intent.Client, false, nil
}

func (t *Translator) doublePuppetFor(sender *Puppet, receiver id.UserID) *mautrix.Client {
	sender.lock.Lock()
	customMXID, token := sender.CustomMXID, sender.AccessToken
	sender.lock.Unlock()
	if customMXID == "" || customMXID != receiver || token == "" {
		return nil
	}
	cli, err := t.customClient(customMXID, token)
	if err != nil {
		t.log.Warn().Err(err).Msg("Failed to create double puppet client")
		return nil
	}
	return cli
}

// doublePuppetOf returns the double puppet client of an account owner, or nil.
func (t *Translator) doublePuppetOf(ctx context.Context, owner Owner) *mautrix.Client {
	if owner.GetRemoteID() == "" {
		return nil
	}
	puppet, err := t.GetPuppet(ctx, owner.GetRemoteID())
	if err != nil {
		t.log.Warn().Err(err).Msg("Failed to get own puppet")
		return nil
	}
	return t.doublePuppetFor(puppet, owner.GetMXID())
}

// sendEvent sends a message event, marking double puppeted events.
func (t *Translator) sendEvent(ctx context.Context, cli *mautrix.Client, isDoublePuppet bool, roomID id.RoomID, evtType event.Type, content any, ts int64) (id.EventID, error) {
	wrapped := &event.Content{Parsed: content}
	if isDoublePuppet {
		wrapped.Raw = map[string]any{DoublePuppetSourceKey: t.opts.BridgeID}
	}
	var extra []mautrix.ReqSendEvent
	if ts > 0 {
		extra = append(extra, mautrix.ReqSendEvent{Timestamp: ts})
	}
	resp, err := cli.SendMessageEvent(ctx, roomID, evtType, wrapped, extra...)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}
