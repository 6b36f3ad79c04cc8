// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package identity provides a dual-keyed registry of long-lived entities
// (accounts, puppets, portals) addressed both by a local identifier and by
// the identifier of the entity on the remote service.
package identity

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrGhostIdentity is returned for lookups of local identities that belong
// to bridge-managed ghost users.
var ErrGhostIdentity = errors.New("identity belongs to a bridge ghost")

// Entity is anything that can be addressed by a local and a remote ID. An
// empty RemoteID means the entity is not yet linked to a remote identity.
type Entity interface {
	LocalID() string
	RemoteID() string
}

// LoadFunc loads the entity for a local ID from storage, creating it if it
// does not exist yet.
type LoadFunc[T Entity] func(ctx context.Context, localID string) (T, error)

// Cache holds one instance per identity. Concurrent GetOrCreate calls for
// the same local ID share a single load.
type Cache[T Entity] struct {
	load LoadFunc[T]

	lock     sync.RWMutex
	byLocal  map[string]T
	byRemote map[string]T
	flight   singleflight.Group
}

// New creates a cache that uses load for misses.
func New[T Entity](load LoadFunc[T]) *Cache[T] {
	return &Cache[T]{
		load:     load,
		byLocal:  make(map[string]T),
		byRemote: make(map[string]T),
	}
}

// GetOrCreate returns the cached entity for localID or loads it. Every caller
// racing on the same key receives the same instance.
func (c *Cache[T]) GetOrCreate(ctx context.Context, localID string) (T, error) {
	if val, ok := c.GetByLocalID(localID); ok {
		return val, nil
	}
	res, err, _ := c.flight.Do(localID, func() (any, error) {
		if val, ok := c.GetByLocalID(localID); ok {
			return val, nil
		}
		// The flight outlives the first caller's context.
		val, err := c.load(context.WithoutCancel(ctx), localID)
		if err != nil {
			return nil, err
		}
		c.Register(val)
		return val, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res.(T), nil
}

// GetByLocalID returns a cached entity without loading.
func (c *Cache[T]) GetByLocalID(localID string) (T, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	val, ok := c.byLocal[localID]
	return val, ok
}

// GetByRemoteID returns the entity currently linked to remoteID.
func (c *Cache[T]) GetByRemoteID(remoteID string) (T, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	val, ok := c.byRemote[remoteID]
	return val, ok
}

// Register indexes val under its local ID and, if set, its remote ID.
// Registering again after the remote ID changes adds the new alias; use
// Forget to drop the old one.
func (c *Cache[T]) Register(val T) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.byLocal[val.LocalID()] = val
	if remoteID := val.RemoteID(); remoteID != "" {
		c.byRemote[remoteID] = val
	}
}

// Forget removes the remote ID alias. The local entry stays cached.
func (c *Cache[T]) Forget(remoteID string) {
	if remoteID == "" {
		return
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.byRemote, remoteID)
}

// All returns a snapshot of every cached entity.
func (c *Cache[T]) All() []T {
	c.lock.RLock()
	defer c.lock.RUnlock()
	out := make([]T, 0, len(c.byLocal))
	for _, val := range c.byLocal {
		out = append(out, val)
	}
	return out
}

// Len returns the number of cached entities.
func (c *Cache[T]) Len() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return len(c.byLocal)
}
