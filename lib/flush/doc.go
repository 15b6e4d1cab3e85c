// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package flush implements the per-cycle backpressure and flush
// controller.
//
// Each cycle the [Controller] walks the scheduler's priority-ordered
// queue, encodes each payload into a CBOR [Frame], and writes it to the
// telemetry channel until the queue is empty, the byte budget is spent,
// or the channel reports that it would block. The budget counts the
// bytes actually written, after optional per-class lz4 or zstd
// compression of the frame body, and is never exceeded.
//
// When the channel would block, the shedding policy decides the fate
// of the payload that blocked and everything after it in the queue:
// classes on the shed list lose their payloads for this cycle, classes
// on the keep list stay queued for the next cycle, and unlisted classes
// follow the configured [Policy]. Shedding is a per-cycle decision and
// never touches a class's enabled state.
//
// A closed channel aborts the flush with [channel.ErrClosed]. Any
// other I/O error keeps the payload queued, counts a retry, and ends
// the flush for this cycle.
package flush
