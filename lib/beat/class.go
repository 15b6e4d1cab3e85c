// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package beat

import (
	"fmt"
	"time"
)

// Coalesce is the policy applied when a class produces a payload while
// an earlier one is still queued.
type Coalesce uint8

const (
	// CoalesceNone queues every payload independently.
	CoalesceNone Coalesce = iota

	// CoalesceLatest replaces the queued payload in place. At most one
	// payload per class is ever queued.
	CoalesceLatest

	// CoalesceDropFirst discards the queued payload and queues the new
	// one at its own deadline. Meant for bulky, loss-tolerant
	// diagnostics.
	CoalesceDropFirst
)

func (c Coalesce) String() string {
	switch c {
	case CoalesceNone:
		return "none"
	case CoalesceLatest:
		return "latest"
	case CoalesceDropFirst:
		return "drop_first"
	default:
		return fmt.Sprintf("coalesce(%d)", uint8(c))
	}
}

// ParseCoalesce parses a configuration spelling. The empty string is
// CoalesceNone.
func ParseCoalesce(name string) (Coalesce, error) {
	switch name {
	case "", "none":
		return CoalesceNone, nil
	case "latest":
		return CoalesceLatest, nil
	case "drop_first":
		return CoalesceDropFirst, nil
	default:
		return 0, fmt.Errorf("unknown coalesce policy %q (want latest, drop_first, or none)", name)
	}
}

// Class is the static declaration of a beat class.
type Class struct {
	Name     string
	Period   time.Duration
	Purpose  string
	Coalesce Coalesce
	Priority int
	Enabled  bool
}

// State is the per-class scheduling state.
type State uint8

const (
	Disabled State = iota
	Armed
	Sampling
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Armed:
		return "armed"
	case Sampling:
		return "sampling"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ClassStatus is a point-in-time view of one class.
type ClassStatus struct {
	Name            string        `json:"name"`
	Purpose         string        `json:"purpose,omitempty"`
	Priority        int           `json:"priority"`
	State           State         `json:"-"`
	StateName       string        `json:"state"`
	Period          time.Duration `json:"period"`
	EffectivePeriod time.Duration `json:"effective_period"`
	Deadline        time.Time     `json:"deadline"`
	Queued          int           `json:"queued"`
}

// Enabled reports whether the class is armed or sampling.
func (s ClassStatus) Enabled() bool { return s.State != Disabled }
