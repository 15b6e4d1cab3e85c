// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds beacon's single CBOR configuration.
//
// Two things cross a process boundary as CBOR: telemetry frames written
// to the telemetry channel, and signed control commands read from the
// control channel. Commands are verified by signing the exact encoded
// bytes, so the encoder must be deterministic: Core Deterministic
// Encoding (RFC 8949 §4.2) with sorted map keys and smallest integer
// forms. Every package encodes through Marshal here instead of
// configuring fxamacker/cbor itself.
package codec
