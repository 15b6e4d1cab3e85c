// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// Digest identifies a control message by the BLAKE3 hash of its full
// signed bytes.
type Digest [32]byte

// DigestOf hashes a signed message.
func DigestOf(message []byte) Digest {
	return Digest(blake3.Sum256(message))
}

// ReplayGuard remembers accepted messages until they expire. An
// expired command is rejected on its own, so entries can be dropped
// once the command's ExpiresAt has passed.
type ReplayGuard struct {
	mu      sync.Mutex
	entries map[Digest]time.Time
}

// NewReplayGuard creates an empty guard.
func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{entries: make(map[Digest]time.Time)}
}

// Record marks digest as seen until expiresAt.
func (g *ReplayGuard) Record(digest Digest, expiresAt time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[digest] = expiresAt
}

// Seen reports whether digest was recorded.
func (g *ReplayGuard) Seen(digest Digest) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, exists := g.entries[digest]
	return exists
}

// Cleanup drops entries whose expiry is at or before now and returns
// how many were removed.
func (g *ReplayGuard) Cleanup(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for digest, expiresAt := range g.entries {
		if !now.Before(expiresAt) {
			delete(g.entries, digest)
			removed++
		}
	}
	return removed
}

// Len returns the number of remembered messages.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}
