// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package flush

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bureau-foundation/beacon/lib/beat"
	"github.com/bureau-foundation/beacon/lib/channel"
)

// DefaultBudget is the per-cycle byte budget when none is configured.
const DefaultBudget = 64 * 1024

// Policy is what happens to a payload when the channel would block.
type Policy uint8

const (
	// Retain keeps the payload queued for the next cycle.
	Retain Policy = iota

	// Shed discards the payload for this cycle.
	Shed
)

func (p Policy) String() string {
	switch p {
	case Retain:
		return "retain"
	case Shed:
		return "shed"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// ParsePolicy parses a configuration spelling. The empty string is
// Retain.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", "retain":
		return Retain, nil
	case "shed":
		return Shed, nil
	default:
		return 0, fmt.Errorf("unknown unlisted policy %q (want retain or shed)", name)
	}
}

// Queue is the scheduler surface the controller drains.
// *beat.Scheduler implements it.
type Queue interface {
	Pending() []beat.Payload
	Remove(sequence uint64) bool
}

// Sender writes one frame. *channel.Channel implements it.
type Sender interface {
	Send(data []byte) error
}

// Config configures a Controller.
type Config struct {
	// Agent is stamped into every frame.
	Agent string

	// Budget is the per-cycle byte limit. DefaultBudget if <= 0.
	Budget int

	// Shed lists classes discarded when the channel would block.
	Shed []string

	// Keep lists classes retained for retry when the channel would
	// block.
	Keep []string

	// Unlisted applies to classes on neither list.
	Unlisted Policy

	// Compression selects per-class body compression.
	Compression map[string]Compression

	// Gate may be nil. Payloads of classes it refuses stay queued and
	// are skipped.
	Gate beat.Gate
}

// Result describes one flush cycle.
type Result struct {
	Written  int
	Bytes    int
	Shed     int
	Retried  int
	Dropped  int
	Deferred int
	Skipped  int

	// Blocked is set when the channel returned ErrWouldBlock.
	Blocked bool

	// ShedByClass counts shed payloads per class.
	ShedByClass map[string]int
}

// Totals are cumulative counters across all cycles.
type Totals struct {
	Cycles  uint64
	Written uint64
	Bytes   uint64
	Shed    uint64
	Retried uint64
	Dropped uint64
}

// Controller applies the budget and shed policy. Flush is called by
// one goroutine; Totals may be read concurrently.
type Controller struct {
	agent       string
	budget      int
	policy      map[string]Policy
	unlisted    Policy
	compression map[string]Compression

	mu     sync.Mutex
	gate   beat.Gate
	totals Totals
}

// NewController validates config and creates a Controller. A class on
// both the shed and keep lists is an error.
func NewController(config Config) (*Controller, error) {
	budget := config.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}
	policy := make(map[string]Policy, len(config.Shed)+len(config.Keep))
	for _, class := range config.Shed {
		policy[class] = Shed
	}
	for _, class := range config.Keep {
		if existing, ok := policy[class]; ok && existing == Shed {
			return nil, fmt.Errorf("flush: class %q is on both the shed and keep lists", class)
		}
		policy[class] = Retain
	}
	compression := make(map[string]Compression, len(config.Compression))
	for class, algorithm := range config.Compression {
		compression[class] = algorithm
	}
	return &Controller{
		agent:       config.Agent,
		budget:      budget,
		policy:      policy,
		unlisted:    config.Unlisted,
		compression: compression,
		gate:        config.Gate,
	}, nil
}

// SetGate installs the emission gate.
func (c *Controller) SetGate(gate beat.Gate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = gate
}

// Budget returns the per-cycle byte limit.
func (c *Controller) Budget() int { return c.budget }

// PolicyFor returns the would-block policy for class.
func (c *Controller) PolicyFor(class string) Policy {
	if policy, ok := c.policy[class]; ok {
		return policy
	}
	return c.unlisted
}

// Flush runs one cycle against queue and sender. The returned error is
// channel.ErrClosed (fatal), a *channel.IoError (the flush stopped
// early and the payload is retained), or nil. Encoding failures drop
// the offending payload, are counted, and are joined into the error
// without stopping the flush. A frame the transport rejects with
// channel.ErrTooLarge is dropped and counted the same way, without an
// error.
func (c *Controller) Flush(queue Queue, sender Sender) (Result, error) {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()

	result := Result{}
	remaining := c.budget
	var encodeErrors []error
	var fatal error

	pending := queue.Pending()
	for index, payload := range pending {
		if gate != nil && !gate.Allows(payload.Class) {
			result.Skipped++
			continue
		}

		if result.Blocked {
			c.applyPolicy(queue, payload, &result)
			continue
		}

		frame, err := encodeFrame(c.agent, payload, c.compression[payload.Class])
		if err != nil {
			queue.Remove(payload.Sequence)
			result.Dropped++
			encodeErrors = append(encodeErrors, err)
			continue
		}
		if len(frame) > c.budget {
			// Could never fit; retaining it would block the queue
			// forever.
			queue.Remove(payload.Sequence)
			result.Dropped++
			continue
		}
		if len(frame) > remaining {
			result.Deferred = c.countDeferred(gate, pending[index:])
			break
		}

		err = sender.Send(frame)
		switch {
		case err == nil:
			queue.Remove(payload.Sequence)
			result.Written++
			result.Bytes += len(frame)
			remaining -= len(frame)
		case errors.Is(err, channel.ErrWouldBlock):
			result.Blocked = true
			c.applyPolicy(queue, payload, &result)
		case errors.Is(err, channel.ErrTooLarge):
			// The transport will refuse this frame every cycle.
			queue.Remove(payload.Sequence)
			result.Dropped++
		case errors.Is(err, channel.ErrClosed):
			fatal = err
		default:
			result.Retried++
			fatal = err
		}
		if fatal != nil {
			break
		}
	}

	c.record(result)
	if fatal != nil {
		return result, errors.Join(append([]error{fatal}, encodeErrors...)...)
	}
	return result, errors.Join(encodeErrors...)
}

func (c *Controller) applyPolicy(queue Queue, payload beat.Payload, result *Result) {
	if c.PolicyFor(payload.Class) == Shed {
		queue.Remove(payload.Sequence)
		result.Shed++
		if result.ShedByClass == nil {
			result.ShedByClass = make(map[string]int)
		}
		result.ShedByClass[payload.Class]++
		return
	}
	result.Retried++
}

func (c *Controller) countDeferred(gate beat.Gate, rest []beat.Payload) int {
	count := 0
	for _, payload := range rest {
		if gate == nil || gate.Allows(payload.Class) {
			count++
		}
	}
	return count
}

func (c *Controller) record(result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totals.Cycles++
	c.totals.Written += uint64(result.Written)
	c.totals.Bytes += uint64(result.Bytes)
	c.totals.Shed += uint64(result.Shed)
	c.totals.Retried += uint64(result.Retried)
	c.totals.Dropped += uint64(result.Dropped)
}

// Totals returns the cumulative counters.
func (c *Controller) Totals() Totals {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totals
}
