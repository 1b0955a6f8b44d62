// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package reconcile applies speculative local mutations to cached
// resources and settles them against server events and refetches.
//
// The reconciler keeps, per key, the last authoritative items and the
// ordered list of pending mutations. What the cache shows is always
// the authoritative items with the pending mutations replayed on top,
// so undoing a mutation is removing it from the list; no inverse
// operation is needed.
//
// Precedence, strongest first: a refetch snapshot, then a server event
// newer than the last snapshot, then local speculation. Events older
// than the last snapshot are discarded. A refetch issued before a
// newer one for the same key is discarded when it lands.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/courier/lib/clock"
	"github.com/bureau-foundation/courier/lib/ident"
)

// Mutation transforms the items of one entry. It receives a slice it
// may modify and returns the result.
type Mutation[T any] func(items []T) []T

// ServerEvent is an authoritative change to one entry.
type ServerEvent[T any] struct {
	// Timestamp is the server's logical clock for the resource.
	Timestamp int64

	Apply Mutation[T]
}

// Snapshot is a complete authoritative copy of one entry.
type Snapshot[T any] struct {
	Items     []T
	Timestamp int64
}

// Fetcher loads a snapshot, usually through the request layer.
type Fetcher[T any] func(ctx context.Context, key string) (Snapshot[T], error)

// ErrSuperseded is returned by Refresh when a newer refetch for the
// same key was issued before this one completed.
var ErrSuperseded = errors.New("reconcile: refetch superseded")

// Config configures a Reconciler.
type Config[T any] struct {
	// Name labels log lines, e.g. "timeline".
	Name string

	Cache *Cache[T]
	Fetch Fetcher[T]

	// PendingTimeout is how long a mutation may wait for its server
	// event before Sweep refetches its key. Default 30s.
	PendingTimeout time.Duration

	// FetchTimeout bounds background refetches. Default 30s.
	FetchTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

type pending[T any] struct {
	id      string
	key     string
	apply   Mutation[T]
	created time.Time

	// generation is the key's fetch generation when the mutation was
	// made. A refetch of a later generation supersedes it.
	generation uint64
}

type keyState[T any] struct {
	confirmed   []T
	snapshotAt  int64
	hasSnapshot bool
	pending     []*pending[T]

	// generation counts refetches issued for the key. Mutations with
	// an older generation than hideBefore are not shown.
	generation uint64
	hideBefore uint64
	fetching   bool

	// landed holds events accepted while a refetch is in flight, to be
	// replayed on the snapshot if they are newer than it.
	landed []ServerEvent[T]
}

// Reconciler settles optimistic state for one Cache.
type Reconciler[T any] struct {
	name    string
	cache   *Cache[T]
	fetch   Fetcher[T]
	timeout time.Duration
	fetchTO time.Duration
	clock   clock.Clock
	logger  *slog.Logger

	mu   sync.Mutex
	keys map[string]*keyState[T]
	byID map[string]*pending[T]

	background context.Context
	stop       context.CancelFunc
	inflight   sync.WaitGroup
}

// New returns a Reconciler writing to config.Cache.
func New[T any](config Config[T]) (*Reconciler[T], error) {
	if config.Cache == nil {
		return nil, errors.New("reconcile: Cache is required")
	}
	if config.Fetch == nil {
		return nil, errors.New("reconcile: Fetch is required")
	}
	if config.PendingTimeout <= 0 {
		config.PendingTimeout = 30 * time.Second
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 30 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Name != "" {
		config.Logger = config.Logger.With("reconciler", config.Name)
	}
	background, stop := context.WithCancel(context.Background())
	return &Reconciler[T]{
		name:       config.Name,
		cache:      config.Cache,
		fetch:      config.Fetch,
		timeout:    config.PendingTimeout,
		fetchTO:    config.FetchTimeout,
		clock:      config.Clock,
		logger:     config.Logger,
		keys:       make(map[string]*keyState[T]),
		byID:       make(map[string]*pending[T]),
		background: background,
		stop:       stop,
	}, nil
}

func (r *Reconciler[T]) stateLocked(key string) *keyState[T] {
	state, ok := r.keys[key]
	if !ok {
		state = &keyState[T]{}
		if entry, exists := r.cache.Get(key); exists {
			state.confirmed = entry.Items
			state.snapshotAt = entry.SnapshotAt
			state.hasSnapshot = entry.SnapshotAt != 0
		}
		r.keys[key] = state
	}
	return state
}

// renderLocked computes what the cache should show for state.
func (r *Reconciler[T]) renderLocked(state *keyState[T]) []T {
	items := slices.Clone(state.confirmed)
	for _, mutation := range state.pending {
		if mutation.generation < state.hideBefore {
			continue
		}
		items = mutation.apply(items)
	}
	return items
}

func (r *Reconciler[T]) publishLocked(key string, state *keyState[T]) {
	items := r.renderLocked(state)
	r.cache.Update(key, func(entry Entry[T]) Entry[T] {
		entry.Items = items
		entry.SnapshotAt = state.snapshotAt
		entry.Stale = state.fetching
		return entry
	})
}

// ApplyOptimistic shows mutation in key's entry right away and returns
// its correlation id, for Rollback if the originating request fails.
func (r *Reconciler[T]) ApplyOptimistic(key string, mutation Mutation[T]) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.stateLocked(key)
	record := &pending[T]{
		id:         ident.NewCorrelationID(),
		key:        key,
		apply:      mutation,
		created:    r.clock.Now(),
		generation: state.generation,
	}
	state.pending = append(state.pending, record)
	r.byID[record.id] = record
	r.publishLocked(key, state)
	return record.id
}

// Rollback withdraws a pending mutation. It reports false if the
// mutation was already resolved, superseded, or rolled back.
func (r *Reconciler[T]) Rollback(correlationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.byID[correlationID]
	if !ok {
		return false
	}
	delete(r.byID, correlationID)
	state := r.keys[record.key]
	state.pending = slices.DeleteFunc(state.pending, func(candidate *pending[T]) bool {
		return candidate == record
	})
	r.publishLocked(record.key, state)
	r.logger.Debug("optimistic mutation rolled back", "key", record.key, "correlation_id", correlationID)
	return true
}

// Pending returns the correlation ids still awaiting resolution for
// key, oldest first.
func (r *Reconciler[T]) Pending(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.keys[key]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(state.pending))
	for _, record := range state.pending {
		ids = append(ids, record.id)
	}
	return ids
}

// Reconcile applies an authoritative event to key. Every pending
// mutation for key is resolved, and the entry shows the server's state
// with no speculation. An event no newer than the last snapshot is
// discarded and Reconcile returns false.
func (r *Reconciler[T]) Reconcile(key string, event ServerEvent[T]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.stateLocked(key)
	if state.hasSnapshot && event.Timestamp <= state.snapshotAt {
		r.logger.Debug("discarding stale event",
			"key", key, "event_ts", event.Timestamp, "snapshot_ts", state.snapshotAt)
		return false
	}
	state.confirmed = event.Apply(slices.Clone(state.confirmed))
	if state.fetching {
		state.landed = append(state.landed, event)
	}
	for _, record := range state.pending {
		delete(r.byID, record.id)
	}
	state.pending = nil
	r.publishLocked(key, state)
	return true
}

// Invalidate hides key's speculative changes at once and refetches it
// in the background. When the refetch lands, mutations made before
// this call are discarded whether or not they were resolved.
func (r *Reconciler[T]) Invalidate(key string) {
	generation := r.begin(key)
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		ctx, cancel := context.WithTimeout(r.background, r.fetchTO)
		defer cancel()
		if err := r.complete(ctx, key, generation); err != nil && !errors.Is(err, ErrSuperseded) {
			r.logger.Warn("refetch failed", "key", key, "error", err)
		}
	}()
}

// Refresh is the synchronous form of Invalidate. It returns
// ErrSuperseded if a newer refetch of key started meanwhile.
func (r *Reconciler[T]) Refresh(ctx context.Context, key string) error {
	return r.complete(ctx, key, r.begin(key))
}

// InvalidateAll invalidates every key the reconciler or the cache
// knows. Used after a reconnection, when pushed events may have been
// missed.
func (r *Reconciler[T]) InvalidateAll() {
	keys := r.cache.Keys()
	r.mu.Lock()
	for key := range r.keys {
		if !slices.Contains(keys, key) {
			keys = append(keys, key)
		}
	}
	r.mu.Unlock()
	for _, key := range keys {
		r.Invalidate(key)
	}
}

func (r *Reconciler[T]) begin(key string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.stateLocked(key)
	state.generation++
	state.hideBefore = state.generation
	state.fetching = true
	state.landed = nil
	r.publishLocked(key, state)
	return state.generation
}

func (r *Reconciler[T]) complete(ctx context.Context, key string, generation uint64) error {
	snapshot, err := r.fetch(ctx, key)

	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.stateLocked(key)
	if generation != state.generation {
		return ErrSuperseded
	}
	state.fetching = false
	if err != nil {
		r.publishLocked(key, state)
		return fmt.Errorf("reconcile: fetching %s: %w", key, err)
	}

	state.confirmed = slices.Clone(snapshot.Items)
	for _, event := range state.landed {
		if event.Timestamp > snapshot.Timestamp {
			state.confirmed = event.Apply(state.confirmed)
		}
	}
	state.landed = nil
	state.snapshotAt = snapshot.Timestamp
	state.hasSnapshot = true

	kept := state.pending[:0]
	for _, record := range state.pending {
		if record.generation < generation {
			delete(r.byID, record.id)
			continue
		}
		kept = append(kept, record)
	}
	clear(state.pending[len(kept):])
	state.pending = kept
	r.publishLocked(key, state)
	return nil
}

// Sweep refetches every key holding a mutation older than the pending
// timeout, once per key, and returns how many keys it refetched.
func (r *Reconciler[T]) Sweep() int {
	cutoff := r.clock.Now().Add(-r.timeout)
	var expired []string
	r.mu.Lock()
	for key, state := range r.keys {
		if state.fetching {
			continue
		}
		for _, record := range state.pending {
			if record.created.Before(cutoff) {
				expired = append(expired, key)
				break
			}
		}
	}
	r.mu.Unlock()

	for _, key := range expired {
		r.logger.Debug("pending mutation timed out, refetching", "key", key)
		r.Invalidate(key)
	}
	return len(expired)
}

// Run sweeps every interval until ctx is done.
func (r *Reconciler[T]) Run(ctx context.Context, interval time.Duration) {
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Wait blocks until background refetches started so far finish.
func (r *Reconciler[T]) Wait() {
	r.inflight.Wait()
}

// Close cancels background refetches and waits for them.
func (r *Reconciler[T]) Close() {
	r.stop()
	r.inflight.Wait()
}
