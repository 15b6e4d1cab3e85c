// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package beat

import (
	"context"
	"time"
)

// Snapshot is what a Source returns for one beat: a timestamped set of
// host measurements. The agent core does not interpret the values.
type Snapshot struct {
	Time    time.Time          `cbor:"time"`
	Purpose string             `cbor:"purpose,omitempty"`
	CPU     float64            `cbor:"cpu_percent"`
	RSS     uint64             `cbor:"rss_bytes"`
	Metrics map[string]float64 `cbor:"metrics,omitempty"`
}

// Source samples a heartbeat for a class. Sample must be free of side
// effects on the agent and fast enough not to stall a cycle.
type Source interface {
	Sample(ctx context.Context, class Class) (Snapshot, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, class Class) (Snapshot, error)

func (f SourceFunc) Sample(ctx context.Context, class Class) (Snapshot, error) {
	return f(ctx, class)
}

// Gate decides whether a class may emit right now. The control state
// machine implements it: while quarantined only whitelisted classes
// pass. A nil Gate allows everything.
type Gate interface {
	Allows(class string) bool
}

// Payload is one queued beat. Body is a Snapshot for sampled beats and
// any CBOR-encodable value for injected ones.
type Payload struct {
	Class    string
	Sequence uint64
	Priority int
	Deadline time.Time
	Body     any

	// Detached payloads are queued on their own: coalescing never
	// replaces or removes them.
	Detached bool
}

// before reports whether p ranks ahead of other in the queue.
func (p *Payload) before(other *Payload) bool {
	if p.Priority != other.Priority {
		return p.Priority > other.Priority
	}
	if !p.Deadline.Equal(other.Deadline) {
		return p.Deadline.Before(other.Deadline)
	}
	return p.Sequence < other.Sequence
}
