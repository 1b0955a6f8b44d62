// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package subscription keeps the set of channels the application wants
// events for and makes the server's view match it after every
// authentication.
//
// The set is the source of truth and is independent of connection
// state. Subscribe and Unsubscribe always update the set; they reach
// the network only once the registry has replayed the set for the
// current authentication. Until then the replay itself carries the
// change, so each channel is subscribed exactly once per session.
package subscription

import (
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/bureau-foundation/courier/channel"
	"github.com/bureau-foundation/courier/wire"
)

// ErrInvalidChannel is returned for an empty or blank channel name.
var ErrInvalidChannel = errors.New("subscription: invalid channel name")

// Sender writes a frame immediately or fails. channel.Manager.TrySend
// satisfies it; the registry never relies on send buffering because
// replay recovers anything a failed send missed.
type Sender interface {
	TrySend(frame any) error
}

// Registry is the desired subscription set.
type Registry struct {
	sender Sender
	logger *slog.Logger

	// sendMu orders frames for one channel so a subscribe and an
	// unsubscribe racing each other reach the server in the order the
	// set changed.
	sendMu sync.Mutex

	mu       sync.Mutex
	channels map[string]struct{}
	live     bool
	replays  int
}

// New returns an empty registry that sends through sender.
func New(sender Sender, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sender:   sender,
		logger:   logger,
		channels: make(map[string]struct{}),
	}
}

// Subscribe adds name to the set and reports whether it was absent.
// Subscribing to a member is a no-op.
func (r *Registry) Subscribe(name string) (bool, error) {
	return r.change(name, true)
}

// Unsubscribe removes name from the set and reports whether it was
// present. Unsubscribing a non-member is a no-op.
func (r *Registry) Unsubscribe(name string) (bool, error) {
	return r.change(name, false)
}

func (r *Registry) change(name string, add bool) (bool, error) {
	if strings.TrimSpace(name) == "" {
		return false, ErrInvalidChannel
	}
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.mu.Lock()
	_, member := r.channels[name]
	if member == add {
		r.mu.Unlock()
		return false, nil
	}
	if add {
		r.channels[name] = struct{}{}
	} else {
		delete(r.channels, name)
	}
	live := r.live
	r.mu.Unlock()

	if live {
		frameType := wire.TypeUnsubscribe
		if add {
			frameType = wire.TypeSubscribe
		}
		r.send(frameType, name)
	}
	return true, nil
}

// Contains reports whether name is in the set.
func (r *Registry) Contains(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.channels[name]
	return ok
}

// Channels returns the set in sorted order.
func (r *Registry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Replays returns how many times the set has been replayed.
func (r *Registry) Replays() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replays
}

// HandleTransition is a channel.Manager observer. Entering
// Authenticated replays the whole set; any other state stops live
// sends until the next replay.
func (r *Registry) HandleTransition(transition channel.Transition) {
	if transition.To != channel.Authenticated {
		r.mu.Lock()
		r.live = false
		r.mu.Unlock()
		return
	}
	r.replay()
}

// replay sends one subscribe frame per member. Holding sendMu while
// snapshotting and going live means no Subscribe can slip between the
// snapshot and the live flag and be sent twice or not at all.
func (r *Registry) replay() {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	names := r.Channels()
	r.mu.Lock()
	r.live = true
	r.replays++
	r.mu.Unlock()

	for _, name := range names {
		if !r.send(wire.TypeSubscribe, name) {
			return
		}
	}
	r.logger.Debug("subscriptions replayed", "count", len(names))
}

// send reports false when the transport refused the frame. The
// connection is already on its way to Reconnecting in that case, and
// the next replay covers the loss.
func (r *Registry) send(frameType, name string) bool {
	err := r.sender.TrySend(wire.Subscription{Type: frameType, Channel: name})
	if err != nil {
		r.mu.Lock()
		r.live = false
		r.mu.Unlock()
		r.logger.Debug("subscription frame not sent", "type", frameType, "channel", name, "error", err)
		return false
	}
	return true
}
