// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"slices"
	"sync"
)

// Entry is one cached resource.
type Entry[T any] struct {
	Items []T

	// Revision increases by one on every Update and never decreases.
	Revision uint64

	// SnapshotAt is the server timestamp of the last applied refetch,
	// zero before the first.
	SnapshotAt int64

	// Stale is set from invalidation until the refetch lands.
	Stale bool
}

// Cache is consumer-owned storage for entries keyed by resource. The
// reconciler writes to it only through Update.
type Cache[T any] struct {
	mu       sync.RWMutex
	entries  map[string]Entry[T]
	watchers []func(key string, entry Entry[T])
}

// NewCache returns an empty cache.
func NewCache[T any]() *Cache[T] {
	return &Cache[T]{entries: make(map[string]Entry[T])}
}

// Get returns a copy of the entry for key.
func (c *Cache[T]) Get(key string) (Entry[T], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	entry.Items = slices.Clone(entry.Items)
	return entry, ok
}

// Keys returns every key with an entry.
func (c *Cache[T]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Update replaces the entry for key with fn's result. The stored
// Revision is always the previous revision plus one, whatever fn
// returns, so revisions cannot move backwards.
func (c *Cache[T]) Update(key string, fn func(Entry[T]) Entry[T]) Entry[T] {
	c.mu.Lock()
	current := c.entries[key]
	next := fn(current)
	next.Revision = current.Revision + 1
	c.entries[key] = next
	watchers := slices.Clone(c.watchers)
	c.mu.Unlock()

	for _, watch := range watchers {
		watch(key, next)
	}
	return next
}

// Watch registers fn to run after every Update, outside the cache's
// lock. Updates made by a Reconciler run fn while the reconciler is
// locked, so fn must not block or call back into it.
func (c *Cache[T]) Watch(fn func(key string, entry Entry[T])) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}
