// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package beat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultQueueCapacity bounds the payload queue when the configuration
// does not.
const DefaultQueueCapacity = 64

var (
	// ErrUnknownClass is returned for operations naming a class that was
	// not declared at construction.
	ErrUnknownClass = errors.New("beat: unknown class")

	// ErrClassDisabled is returned by Inject for a disabled class.
	ErrClassDisabled = errors.New("beat: class disabled")
)

// classState is the runtime state of one class. period is the base
// period; the effective period also includes the backoff factor.
type classState struct {
	class    Class
	state    State
	period   time.Duration
	deadline time.Time
	last     time.Time
}

// Stats are cumulative scheduler counters.
type Stats struct {
	Sampled      uint64
	Injected     uint64
	Coalesced    uint64
	Dropped      uint64
	Cancelled    uint64
	SampleErrors uint64
}

// Scheduler owns the beat classes and the payload queue.
type Scheduler struct {
	mu       sync.Mutex
	order    []string
	classes  map[string]*classState
	queue    []*Payload
	capacity int
	sequence uint64
	factor   float64
	source   Source
	gate     Gate
	stats    Stats
}

// Config holds the construction parameters for a Scheduler.
type Config struct {
	Classes []Class

	// QueueCapacity bounds the queue. DefaultQueueCapacity if <= 0.
	QueueCapacity int

	Source Source

	// Gate may be nil.
	Gate Gate

	// Start is the time the first cycle runs. Enabled classes are due
	// at Start, so the first cycle emits every enabled class once.
	Start time.Time
}

// NewScheduler creates a Scheduler. Class names must be unique and
// periods positive.
func NewScheduler(config Config) (*Scheduler, error) {
	if config.Source == nil {
		return nil, errors.New("beat: nil source")
	}
	capacity := config.QueueCapacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}

	scheduler := &Scheduler{
		classes:  make(map[string]*classState, len(config.Classes)),
		capacity: capacity,
		factor:   1,
		source:   config.Source,
		gate:     config.Gate,
	}
	for _, class := range config.Classes {
		if class.Name == "" {
			return nil, errors.New("beat: class with empty name")
		}
		if _, exists := scheduler.classes[class.Name]; exists {
			return nil, fmt.Errorf("beat: duplicate class %q", class.Name)
		}
		if class.Period <= 0 {
			return nil, fmt.Errorf("beat: class %q: period must be positive, got %v", class.Name, class.Period)
		}
		state := &classState{class: class, period: class.Period}
		if class.Enabled {
			state.state = Armed
			state.deadline = config.Start
		}
		scheduler.classes[class.Name] = state
		scheduler.order = append(scheduler.order, class.Name)
	}
	return scheduler, nil
}

// SetGate installs the emission gate. Used when the gate owner is
// constructed after the scheduler.
func (s *Scheduler) SetGate(gate Gate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = gate
}

// effectiveLocked returns the period after backoff scaling.
func (s *Scheduler) effectiveLocked(state *classState) time.Duration {
	return time.Duration(float64(state.period) * s.factor)
}

// retimeLocked recomputes the deadline of an armed class that has
// already fired or been armed once.
func (s *Scheduler) retimeLocked(state *classState) {
	if state.state == Disabled || state.last.IsZero() {
		return
	}
	state.deadline = state.last.Add(s.effectiveLocked(state))
}

// Tick samples every armed class whose deadline is at or before now
// and queues the results. Classes the gate refuses are skipped for
// this period without sampling. Returns the number of payloads
// queued; sampling failures are counted and joined into the error,
// and never stop the other classes from being sampled.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	var due []Class
	for _, name := range s.order {
		state := s.classes[name]
		if state.state != Armed || now.Before(state.deadline) {
			continue
		}
		state.last = now
		state.deadline = now.Add(s.effectiveLocked(state))
		if s.gate != nil && !s.gate.Allows(name) {
			continue
		}
		state.state = Sampling
		due = append(due, state.class)
	}
	source := s.source
	s.mu.Unlock()

	// The source runs without the lock so hosts calling Inject are
	// never held up by a slow sample.
	type sample struct {
		class    Class
		snapshot Snapshot
		err      error
	}
	samples := make([]sample, 0, len(due))
	for _, class := range due {
		snapshot, err := source.Sample(ctx, class)
		if err == nil {
			if snapshot.Time.IsZero() {
				snapshot.Time = now
			}
			if snapshot.Purpose == "" {
				snapshot.Purpose = class.Purpose
			}
		}
		samples = append(samples, sample{class: class, snapshot: snapshot, err: err})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	queued := 0
	var errs []error
	for _, result := range samples {
		state := s.classes[result.class.Name]
		if state.state == Sampling {
			state.state = Armed
		} else {
			// Disabled while sampling: the sample is discarded.
			continue
		}
		if result.err != nil {
			s.stats.SampleErrors++
			errs = append(errs, fmt.Errorf("sampling %s: %w", result.class.Name, result.err))
			continue
		}
		s.stats.Sampled++
		s.enqueueLocked(state, now, result.snapshot, false)
		queued++
	}
	return queued, errors.Join(errs...)
}

// Inject queues an out-of-band payload for class through the same
// coalescing path as sampled beats. Returns the payload's sequence
// number.
func (s *Scheduler) Inject(class string, body any, now time.Time) (uint64, error) {
	return s.inject(class, body, now, false)
}

// InjectDetached queues body on class outside the class's coalescing
// policy. Reports and events use it so that neither a later beat nor a
// later report of the same class replaces them.
func (s *Scheduler) InjectDetached(class string, body any, now time.Time) (uint64, error) {
	return s.inject(class, body, now, true)
}

func (s *Scheduler) inject(class string, body any, now time.Time, detached bool) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.classes[class]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}
	if state.state == Disabled {
		return 0, fmt.Errorf("%w: %q", ErrClassDisabled, class)
	}
	s.stats.Injected++
	return s.enqueueLocked(state, now, body, detached), nil
}

// enqueueLocked applies the class's coalescing policy and inserts the
// payload in rank order, evicting the lowest-ranked payload if the
// queue overflows. A detached payload skips coalescing, and detached
// payloads already queued are never coalesced away.
func (s *Scheduler) enqueueLocked(state *classState, now time.Time, body any, detached bool) uint64 {
	s.sequence++
	payload := &Payload{
		Class:    state.class.Name,
		Sequence: s.sequence,
		Priority: state.class.Priority,
		Deadline: now,
		Body:     body,
		Detached: detached,
	}

	coalesce := state.class.Coalesce
	if detached {
		coalesce = CoalesceNone
	}
	switch coalesce {
	case CoalesceLatest:
		for index, queued := range s.queue {
			if queued.Class != payload.Class || queued.Detached {
				continue
			}
			// Keep the queued slot and deadline, take the new content.
			queued.Body = body
			queued.Sequence = payload.Sequence
			s.stats.Coalesced++
			s.queue = append(s.queue[:index], s.queue[index+1:]...)
			s.insertLocked(queued)
			return payload.Sequence
		}
	case CoalesceDropFirst:
		kept := s.queue[:0]
		for _, queued := range s.queue {
			if queued.Class == payload.Class && !queued.Detached {
				s.stats.Coalesced++
				continue
			}
			kept = append(kept, queued)
		}
		clear(s.queue[len(kept):])
		s.queue = kept
	}

	s.insertLocked(payload)
	if len(s.queue) > s.capacity {
		last := len(s.queue) - 1
		s.queue[last] = nil
		s.queue = s.queue[:last]
		s.stats.Dropped++
	}
	return payload.Sequence
}

func (s *Scheduler) insertLocked(payload *Payload) {
	index := sort.Search(len(s.queue), func(i int) bool {
		return payload.before(s.queue[i])
	})
	s.queue = append(s.queue, nil)
	copy(s.queue[index+1:], s.queue[index:])
	s.queue[index] = payload
}

// Pending returns a copy of the queue in rank order.
func (s *Scheduler) Pending() []Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := make([]Payload, len(s.queue))
	for index, payload := range s.queue {
		pending[index] = *payload
	}
	return pending
}

// Remove deletes the payload with the given sequence number. Returns
// false if it is no longer queued (already removed, or replaced by a
// newer payload under CoalesceLatest).
func (s *Scheduler) Remove(sequence uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for index, payload := range s.queue {
		if payload.Sequence == sequence {
			s.queue = append(s.queue[:index], s.queue[index+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of queued payloads.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Capacity returns the queue bound.
func (s *Scheduler) Capacity() int { return s.capacity }

// Depth returns queue occupancy as a percentage of capacity.
func (s *Scheduler) Depth() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(len(s.queue)) / float64(s.capacity) * 100
}

// Enable arms a disabled class with its next deadline one effective
// period after now. Missed beats are not caught up. Enabling an armed
// class is a no-op.
func (s *Scheduler) Enable(name string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.classes[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownClass, name)
	}
	if state.state != Disabled {
		return nil
	}
	state.state = Armed
	state.last = now
	state.deadline = now.Add(s.effectiveLocked(state))
	return nil
}

// Disable stops a class. Its queued payloads are cancelled unless
// keepPending is set, in which case they stay queued and the flush
// controller decides (through the Gate) whether they may go out.
// Returns the number of payloads cancelled.
func (s *Scheduler) Disable(name string, keepPending bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.classes[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownClass, name)
	}
	state.state = Disabled
	if keepPending {
		return 0, nil
	}
	cancelled := 0
	kept := s.queue[:0]
	for _, payload := range s.queue {
		if payload.Class == name {
			cancelled++
			continue
		}
		kept = append(kept, payload)
	}
	clear(s.queue[len(kept):])
	s.queue = kept
	s.stats.Cancelled += uint64(cancelled)
	return cancelled, nil
}

// SetPeriod changes a class's base period. An armed class is retimed
// from its last beat.
func (s *Scheduler) SetPeriod(name string, period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("beat: period must be positive, got %v", period)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.classes[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownClass, name)
	}
	state.period = period
	s.retimeLocked(state)
	return nil
}

// Backoff slows every class down by 1/rate: rate 0.5 doubles effective
// periods. Successive backoffs compound. rate must be in (0, 1].
func (s *Scheduler) Backoff(rate float64) error {
	if !(rate > 0 && rate <= 1) {
		return fmt.Errorf("beat: backoff rate must be in (0, 1], got %v", rate)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factor /= rate
	for _, state := range s.classes {
		s.retimeLocked(state)
	}
	return nil
}

// RestoreCadence undoes every backoff. Returns false if no backoff was
// in effect.
func (s *Scheduler) RestoreCadence() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.factor == 1 {
		return false
	}
	s.factor = 1
	for _, state := range s.classes {
		s.retimeLocked(state)
	}
	return true
}

// BackoffFactor returns the multiplier currently applied to every base
// period.
func (s *Scheduler) BackoffFactor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.factor
}

// Class returns the status of one class.
func (s *Scheduler) Class(name string) (ClassStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.classes[name]
	if !ok {
		return ClassStatus{}, false
	}
	return s.statusLocked(state), true
}

// Classes returns the status of every class in declaration order.
func (s *Scheduler) Classes() []ClassStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	statuses := make([]ClassStatus, 0, len(s.order))
	for _, name := range s.order {
		statuses = append(statuses, s.statusLocked(s.classes[name]))
	}
	return statuses
}

// Enabled returns the names of enabled classes in declaration order.
func (s *Scheduler) Enabled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, name := range s.order {
		if s.classes[name].state != Disabled {
			names = append(names, name)
		}
	}
	return names
}

// Has reports whether name is a declared class.
func (s *Scheduler) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.classes[name]
	return ok
}

func (s *Scheduler) statusLocked(state *classState) ClassStatus {
	queued := 0
	for _, payload := range s.queue {
		if payload.Class == state.class.Name {
			queued++
		}
	}
	return ClassStatus{
		Name:            state.class.Name,
		Purpose:         state.class.Purpose,
		Priority:        state.class.Priority,
		State:           state.state,
		StateName:       state.state.String(),
		Period:          state.period,
		EffectivePeriod: s.effectiveLocked(state),
		Deadline:        state.deadline,
		Queued:          queued,
	}
}

// Stats returns the cumulative counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
