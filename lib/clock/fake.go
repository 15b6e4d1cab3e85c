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
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*pendingTick
	changed *sync.Cond
}

// pendingTick is a registered After channel or Ticker. One-shot
// entries have a zero interval and are removed after they fire.
type pendingTick struct {
	due      time.Time
	interval time.Duration
	channel  chan time.Time
	stopped  bool
}

// Fake returns a FakeClock reading initial until advanced.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that fires once the clock has advanced by d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.pending = append(c.pending, &pendingTick{due: c.now.Add(d), channel: channel})
	c.changed.Broadcast()
	return channel
}

// NewTicker registers a ticker that fires each time the clock crosses
// a multiple of d past the registration time.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	entry := &pendingTick{due: c.now.Add(d), interval: d, channel: channel}
	c.pending = append(c.pending, entry)
	c.changed.Broadcast()

	return &Ticker{
		C: channel,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			entry.stopped = true
		},
		resetFunc: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			entry.interval = d
			entry.due = c.now.Add(d)
			if entry.stopped {
				entry.stopped = false
				c.pending = append(c.pending, entry)
			}
			c.changed.Broadcast()
		},
	}
}

// Advance moves the clock forward by d and fires every After channel
// and ticker whose deadline is reached, in deadline order. Sends are
// non-blocking: a ticker whose channel is still full drops the tick.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now

	var due []*pendingTick
	var remaining []*pendingTick
	for _, entry := range c.pending {
		if entry.stopped {
			continue
		}
		if entry.due.After(target) {
			remaining = append(remaining, entry)
			continue
		}
		due = append(due, entry)
		if entry.interval > 0 {
			// Tickers fire once per Advance; missed intervals are
			// skipped the same way a real ticker drops them.
			for !entry.due.After(target) {
				entry.due = entry.due.Add(entry.interval)
			}
			remaining = append(remaining, entry)
		}
	}
	c.pending = remaining
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].due.Before(due[j].due) })
	for _, entry := range due {
		select {
		case entry.channel <- target:
		default:
		}
	}
}

// WaitForTimers blocks until at least n After channels or tickers are
// registered and not stopped. Call it before Advance to avoid racing a
// goroutine that has not yet created its ticker.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeLocked() < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of registered, unstopped timers.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func (c *FakeClock) activeLocked() int {
	count := 0
	for _, entry := range c.pending {
		if !entry.stopped {
			count++
		}
	}
	return count
}
