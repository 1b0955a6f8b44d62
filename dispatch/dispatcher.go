// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch fans inbound channel frames out to in-process
// listeners as typed events.
//
// Delivery is synchronous on the connection's reader goroutine, in
// frame arrival order. Every listener registered for an event's type
// receives it once. A listener that panics is logged and skipped; one
// that runs longer than the slow threshold is logged. Events that
// arrive while disconnected are not redelivered: consumers refetch
// after reconnection instead.
package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/courier/lib/clock"
	"github.com/bureau-foundation/courier/wire"
)

// AnyEvent registers a listener for every event type.
const AnyEvent = "*"

// Listener receives events.
type Listener func(Event)

// ListenerID identifies a registration for Off.
type ListenerID uint64

// Decoder turns a frame into its typed event.
type Decoder func(wire.Frame) (Event, error)

// Config configures a Dispatcher.
type Config struct {
	// SlowListener is the per-listener run time above which a warning
	// is logged. Default 100ms.
	SlowListener time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

type registration struct {
	id       ListenerID
	listener Listener
}

// Dispatcher is the listener registry.
type Dispatcher struct {
	slow   time.Duration
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.RWMutex
	decoders  map[string]Decoder
	listeners map[string][]registration
	nextID    ListenerID
}

// New returns a Dispatcher with decoders for every built-in event type.
func New(config Config) *Dispatcher {
	if config.SlowListener <= 0 {
		config.SlowListener = 100 * time.Millisecond
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Dispatcher{
		slow:      config.SlowListener,
		clock:     config.Clock,
		logger:    config.Logger,
		decoders:  builtinDecoders(),
		listeners: make(map[string][]registration),
	}
}

// Register installs or replaces the decoder for eventType.
func (d *Dispatcher) Register(eventType string, decoder Decoder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decoders[eventType] = decoder
}

// On registers listener for eventType, or for everything with AnyEvent.
func (d *Dispatcher) On(eventType string, listener Listener) ListenerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.listeners[eventType] = append(d.listeners[eventType], registration{id: d.nextID, listener: listener})
	return d.nextID
}

// Off removes a registration and reports whether it existed.
func (d *Dispatcher) Off(eventType string, id ListenerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	current := d.listeners[eventType]
	for index, entry := range current {
		if entry.id != id {
			continue
		}
		remaining := make([]registration, 0, len(current)-1)
		remaining = append(remaining, current[:index]...)
		remaining = append(remaining, current[index+1:]...)
		if len(remaining) == 0 {
			delete(d.listeners, eventType)
		} else {
			d.listeners[eventType] = remaining
		}
		return true
	}
	return false
}

// OnEvent registers a listener typed to one event struct. eventType
// must be the type E decodes from.
func OnEvent[E Event](d *Dispatcher, eventType string, listener func(E)) ListenerID {
	return d.On(eventType, func(event Event) {
		if typed, ok := event.(E); ok {
			listener(typed)
		}
	})
}

// Listeners returns how many listeners would receive an event of
// eventType, wildcard listeners included.
func (d *Dispatcher) Listeners(eventType string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners[eventType]) + len(d.listeners[AnyEvent])
}

// HandleFrame decodes frame and delivers the event. It is the
// channel.Config.OnFrame hook.
func (d *Dispatcher) HandleFrame(frame wire.Frame) {
	d.mu.RLock()
	decoder := d.decoders[frame.Type]
	d.mu.RUnlock()

	var event Event = Unknown{Frame: frame}
	if decoder != nil {
		decoded, err := decoder(frame)
		if err != nil {
			d.logger.Warn("dropping undecodable event", "type", frame.Type, "error", err)
			return
		}
		event = decoded
	}
	d.Emit(event)
}

// Emit delivers event to the listeners registered when Emit starts.
// Listeners added or removed during delivery take effect for the next
// event.
func (d *Dispatcher) Emit(event Event) {
	eventType := event.EventType()
	d.mu.RLock()
	targets := make([]registration, 0, len(d.listeners[eventType])+len(d.listeners[AnyEvent]))
	targets = append(targets, d.listeners[eventType]...)
	targets = append(targets, d.listeners[AnyEvent]...)
	d.mu.RUnlock()

	if len(targets) == 0 {
		d.logger.Debug("no listeners for event", "type", eventType)
		return
	}
	for _, target := range targets {
		d.call(target, event, eventType)
	}
}

func (d *Dispatcher) call(target registration, event Event, eventType string) {
	started := d.clock.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.Error("event listener panicked",
				"type", eventType, "listener", uint64(target.id), "panic", recovered)
		}
		if elapsed := d.clock.Now().Sub(started); elapsed > d.slow {
			d.logger.Warn("slow event listener",
				"type", eventType, "listener", uint64(target.id), "elapsed", elapsed)
		}
	}()
	target.listener(event)
}
