// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"slices"
	"sync"
	"time"
)

// EventKind classifies journal events.
type EventKind string

const (
	EventWarn            EventKind = "warn"
	EventBackoff         EventKind = "backoff"
	EventRestore         EventKind = "restore"
	EventRaised          EventKind = "raise_event"
	EventEnforce         EventKind = "enforce"
	EventCadence         EventKind = "cadence"
	EventCommandAccepted EventKind = "command_accepted"
	EventCommandRejected EventKind = "command_rejected"
	EventChannelClosed   EventKind = "channel_closed"
)

// Event is one journal entry. Raised events and command rejections are
// also emitted as payloads on the event class, so the struct is
// CBOR-encodable.
type Event struct {
	Time      time.Time `cbor:"time"`
	Kind      EventKind `cbor:"kind"`
	Name      string    `cbor:"name,omitempty"`
	Severity  string    `cbor:"severity,omitempty"`
	Message   string    `cbor:"message,omitempty"`
	CommandID string    `cbor:"command_id,omitempty"`
	LogOnly   bool      `cbor:"log_only,omitempty"`
}

// DefaultJournalSize is the journal bound when none is configured.
const DefaultJournalSize = 256

// journal is a count-bounded FIFO of events. When full, the oldest
// event is dropped. The notify channel (capacity 1) signals waiters
// that a new event was recorded.
type journal struct {
	mu      sync.Mutex
	events  []Event
	limit   int
	dropped uint64
	notify  chan struct{}
}

func newJournal(limit int) *journal {
	if limit <= 0 {
		limit = DefaultJournalSize
	}
	return &journal{limit: limit, notify: make(chan struct{}, 1)}
}

func (j *journal) record(event Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.events) >= j.limit {
		j.events[0] = Event{}
		j.events = j.events[1:]
		j.dropped++
	}
	j.events = append(j.events, event)

	select {
	case j.notify <- struct{}{}:
	default:
	}
}

// snapshot returns the retained events, oldest first.
func (j *journal) snapshot() []Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.events)
}

func (j *journal) droppedCount() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dropped
}
