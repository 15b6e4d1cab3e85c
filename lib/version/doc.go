// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build identity for beacon binaries.
//
// Four package-level variables are injected at build time via
// -ldflags -X:
//
//   - [GitCommit] -- short git SHA of the build
//   - [GitDirty] -- "true" if there were uncommitted changes
//   - [BuildTime] -- UTC timestamp of the build
//   - [Version] -- semantic version string (set manually for releases)
//
// When ldflags are absent the VCS stamps recorded by the Go toolchain
// are used, and failing those the defaults "unknown" / "0.1.0-dev".
//
//	go build -ldflags "-X github.com/bureau-foundation/beacon/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// [Info], [Full], [Short], and [Commit] format the identity for
// --version output and logs. [SelfDigest] hashes the running binary
// with BLAKE3.
package version
