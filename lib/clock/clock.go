// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock lets time-dependent code run against either the wall
// clock or a manually advanced fake.
//
// Components that schedule reconnect backoff, auth deadlines, pings, or
// pending-mutation sweeps take a Clock in their config. Production
// passes Real(); tests pass Fake() and drive time with Advance after
// BlockUntil confirms the goroutine under test has armed its timer:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	manager := channel.New(channel.Config{Clock: fake, ...})
//	fake.BlockUntil(1)
//	fake.Advance(time.Second)
package clock

import "time"

// Clock is the subset of the time package used by courier.
type Clock interface {
	Now() time.Time

	// After delivers the current time on the returned channel once d
	// has elapsed.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer cancels
	// the call if stopped first.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker delivers ticks every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a cancellable AfterFunc registration.
type Timer struct {
	stop func() bool
}

// Stop cancels the timer. It reports whether the call prevented the
// function from running.
func (t *Timer) Stop() bool { return t.stop() }

// Ticker delivers periodic ticks on C. C has capacity 1; a slow
// reader misses ticks rather than accumulating them.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

// Stop ends the ticker. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return wallClock{} }

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (wallClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stop: timer.Stop}
}

func (wallClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop}
}
