// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClockNow(t *testing.T) {
	c := Fake(epoch)
	if got := c.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}
	c.Advance(5 * time.Second)
	if got, want := c.Now(), epoch.Add(5*time.Second); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeClockAfter(t *testing.T) {
	c := Fake(epoch)
	channel := c.After(3 * time.Second)

	c.Advance(2 * time.Second)
	select {
	case <-channel:
		t.Fatal("After fired before its deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case <-channel:
	default:
		t.Fatal("After did not fire at its deadline")
	}

	if c.PendingCount() != 0 {
		t.Fatalf("fired After still pending: %d", c.PendingCount())
	}
}

func TestFakeClockAfterNonPositive(t *testing.T) {
	c := Fake(epoch)
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) should be ready immediately")
	}
}

func TestFakeClockTickerFiresOncePerAdvance(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	// Three intervals in one Advance deliver a single tick: the
	// channel holds one value and the rest are dropped.
	c.Advance(3 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire")
	}
	select {
	case <-ticker.C:
		t.Fatal("ticker delivered more than one tick for one Advance")
	default:
	}

	c.Advance(time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire on the next interval")
	}
}

func TestFakeClockTickerStopAndReset(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)

	ticker.Stop()
	c.Advance(2 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}

	ticker.Reset(5 * time.Second)
	c.Advance(4 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("reset ticker fired early")
	default:
	}
	c.Advance(time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("reset ticker did not fire")
	}
}

func TestFakeClockWaitForTimers(t *testing.T) {
	c := Fake(epoch)
	registered := make(chan struct{})
	go func() {
		c.NewTicker(time.Second)
		close(registered)
	}()
	c.WaitForTimers(1)
	<-registered
	if c.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1", c.PendingCount())
	}
}
