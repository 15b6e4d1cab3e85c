// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package rule implements the health rule engine and the windowed
// condition language it shares with the adaptive controller.
//
// A rule reads:
//
//	queue_depth > 80% for 2 cycles then backoff(rate=0.5)
//	retry_count >= 10 for 3 cycles then raise_event(send_stalled, error)
//	degraded for 5 cycles then enforce(die)
//
// The condition compares a named signal with a number (a trailing %
// is accepted for percentage signals, and byte sizes such as 512MiB
// for memory signals) or names a boolean signal on its own. The
// window is counted in cycles: the counter grows by one each cycle the
// condition holds and resets to zero the first cycle it does not. The
// action fires once, on the cycle the counter reaches the window, and
// re-arms only after a reset.
//
// Actions are warn, backoff(rate), restore, raise_event(name,
// severity[, log_only]), and enforce(die). The engine reports firings;
// the agent applies them.
//
// The degraded signal is derived each cycle, before any rule is
// evaluated, as the OR of the conditions of a configured subset of
// rules. Rules in that subset may not themselves read degraded.
package rule
