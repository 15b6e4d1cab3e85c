// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source for the beacon agent loop.
//
// The agent never calls time.Now or time.NewTicker directly: it holds
// a Clock and asks it. Production wiring passes Real(). Tests pass
// Fake(), which stands still until Advance is called, so a test can
// walk the agent through an exact number of cycles:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	a := agent.New(cfg, agent.WithClock(c))
//	go a.Run(ctx)
//	c.WaitForTimers(1)       // the cycle ticker is registered
//	c.Advance(time.Second)   // exactly one cycle tick
//
// Beat periods, command expiry, and replay-cache cleanup all read
// Now from the same Clock, so a fake clock controls every time-based
// decision the agent makes.
package clock
