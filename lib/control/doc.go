// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package control implements signed remote commands and the agent's
// Normal/Quarantined state machine.
//
// # Wire format
//
// A command on the control channel is a CBOR-encoded [Command]
// followed by a 64-byte Ed25519 signature over the CBOR bytes:
//
//	[CBOR command bytes] [64-byte Ed25519 signature]
//
// The split point is always len(message) - 64. [Sign] produces this
// layout and [Open] verifies and decodes it. The verification scheme
// is pluggable through [Verifier]; [Ed25519Verifier] is the one the
// agent ships with.
//
// # Acceptance
//
// A message is accepted only if, in order: the signature verifies,
// the command is addressed to this agent (or to any agent), it is
// within its validity window, it has not been seen before (see
// [ReplayGuard]), its handler is enabled, its parameters are valid,
// and the transition is legal in the current state. Anything else is
// a rejection: the state is left untouched and the caller receives an
// [Outcome] describing why. Rejections are never fatal.
//
// # States
//
// Quarantine moves Normal to Quarantined. It emits a pre-quarantine
// report on the report class, then disables every enabled class not
// on the whitelist and remembers that set. Resume re-enables exactly
// the remembered set and emits a post-quarantine report. While
// quarantined, the [Machine] acts as the emission gate: only
// whitelisted classes may sample or flush. AdjustCadence, EnableBeat,
// and DisableBeat change individual classes without a state
// transition.
package control
