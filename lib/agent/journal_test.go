// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"testing"
	"time"
)

func TestJournalDropsOldest(t *testing.T) {
	journal := newJournal(3)
	for index := range 5 {
		journal.record(Event{Time: epoch.Add(time.Duration(index) * time.Second), Kind: EventWarn, Name: string(rune('a' + index))})
	}

	events := journal.snapshot()
	if len(events) != 3 {
		t.Fatalf("len = %d, want 3", len(events))
	}
	for index, want := range []string{"c", "d", "e"} {
		if events[index].Name != want {
			t.Errorf("events[%d] = %q, want %q", index, events[index].Name, want)
		}
	}
	if got := journal.droppedCount(); got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}
}

func TestJournalNotifyCoalesces(t *testing.T) {
	journal := newJournal(0)
	if journal.limit != DefaultJournalSize {
		t.Fatalf("limit = %d, want %d", journal.limit, DefaultJournalSize)
	}
	journal.record(Event{Kind: EventWarn})
	journal.record(Event{Kind: EventWarn})

	select {
	case <-journal.notify:
	default:
		t.Fatal("no notification after record")
	}
	select {
	case <-journal.notify:
		t.Fatal("second notification pending; want at most one")
	default:
	}
}

func TestJournalSnapshotIsACopy(t *testing.T) {
	journal := newJournal(4)
	journal.record(Event{Kind: EventWarn, Name: "original"})
	snapshot := journal.snapshot()
	snapshot[0].Name = "mutated"
	if journal.snapshot()[0].Name != "original" {
		t.Fatal("snapshot aliases the journal")
	}
}
