// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"testing"
	"time"
)

func TestReplayGuard_RecordAndCleanup(t *testing.T) {
	guard := NewReplayGuard()
	first := DigestOf([]byte("first"))
	second := DigestOf([]byte("second"))

	guard.Record(first, epoch.Add(time.Minute))
	guard.Record(second, epoch.Add(5*time.Minute))

	if !guard.Seen(first) || !guard.Seen(second) {
		t.Fatal("recorded digests not seen")
	}
	if guard.Seen(DigestOf([]byte("third"))) {
		t.Fatal("unrecorded digest seen")
	}

	if removed := guard.Cleanup(epoch.Add(2 * time.Minute)); removed != 1 {
		t.Fatalf("Cleanup removed %d, want 1", removed)
	}
	if guard.Seen(first) {
		t.Fatal("expired digest still seen")
	}
	if guard.Len() != 1 {
		t.Fatalf("Len = %d, want 1", guard.Len())
	}
}

func TestDigestOf_Distinct(t *testing.T) {
	if DigestOf([]byte("a")) == DigestOf([]byte("b")) {
		t.Fatal("distinct messages share a digest")
	}
	if DigestOf([]byte("a")) != DigestOf([]byte("a")) {
		t.Fatal("digest is not deterministic")
	}
}
