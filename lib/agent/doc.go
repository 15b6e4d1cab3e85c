// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent composes the beacon core into a running agent
// instance.
//
// One [Agent] owns one control loop. Every cycle runs the same phases
// in a fixed order:
//
//  1. Sample: the scheduler samples every due beat class.
//  2. Flush: the flush controller writes queued payloads to the
//     telemetry channel within the byte budget, shedding or retaining
//     on backpressure.
//  3. Health: the rule engine evaluates the cycle's signals and the
//     agent applies the actions that fire.
//  4. Adaptive: cadence rules retune beat periods from host metrics.
//     Skipped in a cycle where a health rule enforced termination.
//  5. Control: signed commands waiting on the control channel are
//     verified and applied.
//
// A cycle starts on the ticker or early on a nudge: [Agent.Submit]
// and the optional notify channel both nudge the loop so host
// telemetry does not wait for the next tick. Cancelling the context
// passed to [Agent.Run] stops the loop at the next cycle boundary; a
// cycle in progress always completes.
//
// Every notable decision (rule firings, accepted and rejected commands,
// closed channels) is logged, recorded in a bounded in-memory journal
// ([Agent.Events]), and counted in the agent's Prometheus metrics.
// Raised events and command rejections are also queued as payloads on
// the configured event class.
//
// An enforce(die) rule is terminal: the cycle that fires it returns an
// [*EnforcedError], Run returns it, and the agent never emits again.
package agent
