// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package portal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-mattermost-dm/pkg/database"
	"github.com/aiku/mautrix-mattermost-dm/pkg/remote"
)

// Puppet is the Matrix ghost of a Mattermost user.
type Puppet struct {
	*database.Puppet
	MXID id.UserID

	lock sync.Mutex
}

// LocalID returns the ghost Matrix user ID.
func (p *Puppet) LocalID() string { return p.MXID.String() }

// RemoteID returns the Mattermost user ID.
func (p *Puppet) RemoteID() string { return p.MMUserID }

// HasProfile reports whether the ghost profile was ever synced.
func (p *Puppet) HasProfile() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.Username != ""
}

func (t *Translator) loadPuppet(ctx context.Context, localID string) (*Puppet, error) {
	mxid := id.UserID(localID)
	mmUserID, ok := t.namer.ParseGhostUserID(mxid)
	if !ok {
		return nil, fmt.Errorf("%s is not a ghost user ID", mxid)
	}
	dbPuppet, err := t.db.GetPuppet(ctx, mmUserID)
	if errors.Is(err, database.ErrNotFound) {
		dbPuppet = &database.Puppet{MMUserID: mmUserID}
		if err = t.db.SavePuppet(ctx, dbPuppet); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return &Puppet{Puppet: dbPuppet, MXID: mxid}, nil
}

// GetPuppet returns the puppet of a Mattermost user, creating it on first use.
func (t *Translator) GetPuppet(ctx context.Context, mmUserID string) (*Puppet, error) {
	if puppet, ok := t.puppets.GetByRemoteID(mmUserID); ok {
		return puppet, nil
	}
	puppet, err := t.puppets.GetOrCreate(ctx, t.namer.GhostUserID(mmUserID).String())
	if err != nil {
		return nil, fmt.Errorf("failed to get puppet: %w", err)
	}
	return puppet, nil
}

// UpdatePuppet refreshes the ghost profile of a Mattermost user.
func (t *Translator) UpdatePuppet(ctx context.Context, owner Owner, user *remote.User) error {
	puppet, err := t.GetPuppet(ctx, user.ID)
	if err != nil {
		return err
	}
	intent, err := t.ensureRegistered(ctx, puppet)
	if err != nil {
		return err
	}
	name := t.namer.FormatDisplayname(DisplaynameParams{
		Username:  user.Username,
		Nickname:  user.Nickname,
		FirstName: user.FirstName,
		LastName:  user.LastName,
	})

	puppet.lock.Lock()
	defer puppet.lock.Unlock()
	changed := false
	if puppet.DisplayName != name {
		if err = intent.SetDisplayName(ctx, name); err != nil {
			return fmt.Errorf("failed to set displayname: %w", err)
		}
		puppet.DisplayName = name
		changed = true
	}
	if puppet.Username != user.Username || puppet.IsBot != user.IsBot {
		puppet.Username = user.Username
		puppet.IsBot = user.IsBot
		changed = true
	}
	marker := strconv.FormatInt(user.AvatarUpdatedAt, 10)
	if puppet.AvatarMarker != marker {
		if avatarURL, err := t.uploadAvatar(ctx, owner, intent, user); err != nil {
			t.log.Warn().Err(err).Str("mm_user_id", user.ID).Msg("Failed to update avatar")
		} else {
			if err = intent.SetAvatarURL(ctx, avatarURL); err != nil {
				return fmt.Errorf("failed to set avatar: %w", err)
			}
			puppet.AvatarMarker = marker
			puppet.AvatarURL = avatarURL.CUString()
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return t.db.SavePuppet(ctx, puppet.Puppet)
}

func (t *Translator) uploadAvatar(ctx context.Context, owner Owner, intent *appservice.IntentAPI, user *remote.User) (id.ContentURI, error) {
	if user.AvatarUpdatedAt == 0 {
		return id.ContentURI{}, nil
	}
	client := owner.GetRemote()
	if client == nil {
		return id.ContentURI{}, errors.New("account is not connected")
	}
	data, err := client.GetAvatar(ctx, user)
	if err != nil {
		return id.ContentURI{}, err
	}
	resp, err := intent.UploadBytes(ctx, data, http.DetectContentType(data))
	if err != nil {
		return id.ContentURI{}, fmt.Errorf("failed to upload avatar: %w", err)
	}
	return resp.ContentURI, nil
}

// SyncSelf refreshes the account's own puppet and, when a token is given,
// links it to the Matrix user as a double puppet.
func (t *Translator) SyncSelf(ctx context.Context, owner Owner, me *remote.User, doublePuppetToken string) error {
	if err := t.UpdatePuppet(ctx, owner, me); err != nil {
		return err
	}
	if doublePuppetToken == "" {
		return nil
	}
	puppet, err := t.GetPuppet(ctx, me.ID)
	if err != nil {
		return err
	}
	puppet.lock.Lock()
	linked := puppet.CustomMXID == owner.GetMXID() && puppet.AccessToken == doublePuppetToken
	puppet.lock.Unlock()
	if linked {
		return nil
	}
	cli, err := t.customClient(owner.GetMXID(), doublePuppetToken)
	if err != nil {
		return err
	}
	whoami, err := cli.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify double puppet token: %w", err)
	} else if whoami.UserID != owner.GetMXID() {
		return fmt.Errorf("double puppet token belongs to %s, not %s", whoami.UserID, owner.GetMXID())
	}
	puppet.lock.Lock()
	defer puppet.lock.Unlock()
	puppet.CustomMXID = owner.GetMXID()
	puppet.AccessToken = doublePuppetToken
	return t.db.SavePuppet(ctx, puppet.Puppet)
}

// RevokeDoublePuppet unlinks the account's own puppet from the Matrix user.
func (t *Translator) RevokeDoublePuppet(ctx context.Context, owner Owner, remoteID string) error {
	if remoteID == "" {
		return nil
	}
	puppet, err := t.GetPuppet(ctx, remoteID)
	if err != nil {
		return err
	}
	puppet.lock.Lock()
	defer puppet.lock.Unlock()
	if puppet.CustomMXID != owner.GetMXID() {
		return nil
	}
	puppet.CustomMXID = ""
	puppet.AccessToken = ""
	return t.db.SavePuppet(ctx, puppet.Puppet)
}

// resolveUsername finds the Matrix user behind a Mattermost username among
// the known puppets. The owner's own username resolves to the owner.
func (t *Translator) resolveUsername(owner Owner) func(string) (id.UserID, string, bool) {
	return func(username string) (id.UserID, string, bool) {
		for _, puppet := range t.puppets.All() {
			puppet.lock.Lock()
			match, name := puppet.Username == username, puppet.DisplayName
			puppet.lock.Unlock()
			if !match {
				continue
			}
			if puppet.MMUserID == owner.GetRemoteID() {
				return owner.GetMXID(), name, true
			}
			return puppet.MXID, name, true
		}
		return "", "", false
	}
}

// resolveGhost maps a ghost Matrix ID to its Mattermost username.
func (t *Translator) resolveGhost(mxid id.UserID) (string, bool) {
	puppet, ok := t.puppets.GetByLocalID(mxid.String())
	if !ok {
		return "", false
	}
	puppet.lock.Lock()
	defer puppet.lock.Unlock()
	return puppet.Username, puppet.Username != ""
}
