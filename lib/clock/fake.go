// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a Clock whose time moves only when Advance is called.
// Safe for concurrent use.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline
// order, without the clock's lock held. A callback may therefore arm
// new timers; those fire in the same Advance call if their deadline
// is already due.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*scheduled
	changed *sync.Cond
	nextSeq uint64
}

type scheduled struct {
	at       time.Time
	seq      uint64
	every    time.Duration
	fn       func()
	ch       chan time.Time
	canceled bool
	done     bool
}

// Fake returns a FakeClock reading start.
func Fake(start time.Time) *FakeClock {
	fake := &FakeClock{now: start}
	fake.changed = sync.NewCond(&fake.mu)
	return fake
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.addLocked(&scheduled{at: c.now.Add(d), ch: ch})
	return ch
}

// AfterFunc registers f. A non-positive d runs f before returning.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}
	c.mu.Lock()
	entry := &scheduled{at: c.now.Add(d), fn: f}
	c.addLocked(entry)
	c.mu.Unlock()
	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if entry.canceled || entry.done {
			return false
		}
		entry.canceled = true
		c.changed.Broadcast()
		return true
	}}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	entry := &scheduled{at: c.now.Add(d), every: d, ch: ch}
	c.addLocked(entry)
	c.mu.Unlock()
	return &Ticker{C: ch, stop: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		entry.canceled = true
		c.changed.Broadcast()
	}}
}

func (c *FakeClock) addLocked(entry *scheduled) {
	c.nextSeq++
	entry.seq = c.nextSeq
	c.pending = append(c.pending, entry)
	c.changed.Broadcast()
}

// Advance moves the clock forward by d and fires everything due at or
// before the new time.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()

	for {
		entry, firedAt, ok := c.popDue()
		if !ok {
			return
		}
		if entry.fn != nil {
			entry.fn()
			continue
		}
		select {
		case entry.ch <- firedAt:
		default:
		}
	}
}

// popDue removes and returns the earliest due entry, rescheduling
// tickers in place.
func (c *FakeClock) popDue() (*scheduled, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := c.pending[:0]
	for _, entry := range c.pending {
		if !entry.canceled && !entry.done {
			live = append(live, entry)
		}
	}
	c.pending = live
	if len(c.pending) == 0 {
		return nil, time.Time{}, false
	}

	sort.Slice(c.pending, func(i, j int) bool {
		if c.pending[i].at.Equal(c.pending[j].at) {
			return c.pending[i].seq < c.pending[j].seq
		}
		return c.pending[i].at.Before(c.pending[j].at)
	})
	entry := c.pending[0]
	if entry.at.After(c.now) {
		return nil, time.Time{}, false
	}
	firedAt := entry.at
	if entry.every > 0 {
		entry.at = entry.at.Add(entry.every)
	} else {
		entry.done = true
	}
	c.changed.Broadcast()
	return entry, firedAt, true
}

// BlockUntil waits until at least n timers, tickers, or After channels
// are armed and not yet fired or stopped.
func (c *FakeClock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.armedLocked() < n {
		c.changed.Wait()
	}
}

// Armed returns the number of outstanding registrations.
func (c *FakeClock) Armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armedLocked()
}

func (c *FakeClock) armedLocked() int {
	count := 0
	for _, entry := range c.pending {
		if !entry.canceled && !entry.done {
			count++
		}
	}
	return count
}
