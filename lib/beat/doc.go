// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package beat implements the heartbeat scheduler: a fixed set of named
// beat classes, each with a period, priority, and coalescing policy,
// sampled on a cycle tick into a priority-ordered payload queue.
//
// Each class moves through Disabled, Armed, and Sampling. A class is
// due when the cycle time reaches its deadline; the scheduler then asks
// the [Source] for a [Snapshot], wraps it in a [Payload] carrying a
// monotonic sequence number, and queues it according to the class's
// [Coalesce] policy. Missed beats are never caught up: after sampling,
// the next deadline is the cycle time plus the class's effective
// period.
//
// Payloads queued with [Scheduler.InjectDetached] (quarantine reports,
// raised events) bypass coalescing: nothing queued later for the same
// class replaces them.
//
// The queue is ordered by descending priority, then earliest deadline,
// then sequence. It is bounded; when full, the lowest-ranked payload is
// dropped. The flush controller consumes the queue through [Scheduler.Pending]
// and [Scheduler.Remove].
//
// Periods are mutated at runtime by remote commands ([Scheduler.SetPeriod]),
// the adaptive controller (also SetPeriod), and health rules
// ([Scheduler.Backoff], [Scheduler.RestoreCadence]). Backoff scales every
// class's effective period by a shared factor; SetPeriod changes the
// base period.
//
// All methods are safe for concurrent use. The agent loop is the only
// caller of Tick; hosts may call Inject from any goroutine.
package beat
