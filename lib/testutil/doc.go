// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for beacon packages.
//
// [RequireReceive] encapsulates the timeout safety valve (select with
// a time.After fallback) so that individual tests do not need direct
// time.After calls. It is the only place in the test suite where a
// real wall-clock timeout is used; everything else runs on lib/clock's
// fake clock.
//
// [SocketDir] creates a temporary directory in /tmp for unix socket
// files, whose paths are limited to 108 bytes.
//
// [UniqueID] generates monotonically increasing identifiers for test
// disambiguation, such as control command IDs.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no beacon-internal dependencies.
package testutil
