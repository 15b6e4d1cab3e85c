// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel wraps raw OS descriptors as message channels for the
// beacon agent.
//
// The agent talks to the outside world through three channels:
// telemetry (frames out), control (signed commands in), and notify
// (nudges in). The host process builds the sockets however its runtime
// prefers and hands the descriptor over together with an ownership
// discipline:
//
//   - Exclusive: the channel is the sole owner and closes the
//     descriptor when it is closed.
//   - Shared: several references share one descriptor. Every Send and
//     Recv holds the descriptor's mutex for the duration of the call.
//     The descriptor is closed when the last reference is closed.
//   - Duplicated: the channel owns an OS-level duplicate of a
//     descriptor that somebody else keeps using. Only the duplicate is
//     closed. Nothing serializes access between the duplicate and the
//     original, so interleaved reads or writes are the caller's
//     problem. Reserve this for narrow cases.
//
// All descriptors are switched to non-blocking mode when wrapped. A
// send into a full socket buffer or a receive on an empty one returns
// [ErrWouldBlock] immediately, which is how the agent's cycle loop
// avoids ever stalling on I/O.
//
// Channels expect message-preserving transports (SOCK_SEQPACKET or
// SOCK_DGRAM): one Send is one message and one Recv returns one
// message. [Socketpair] and [DialSeqpacket] produce such descriptors.
//
// A [Registry] owns every channel of an agent instance by handle.
// Deferring Registry.CloseAll guarantees each descriptor is released
// exactly once on every exit path.
package channel
