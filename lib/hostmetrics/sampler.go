// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hostmetrics

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/bureau-foundation/beacon/lib/beat"
	"github.com/bureau-foundation/beacon/lib/clock"
)

// Signal names a Reading contributes to the health and adaptive
// engines, in addition to registered custom gauges.
const (
	SignalCPU        = "cpu"
	SignalRSS        = "rss"
	SignalProcessCPU = "process_cpu"
	SignalMemoryUsed = "memory_used"
)

// Reading is one sample of host and process usage.
type Reading struct {
	Time time.Time

	// CPU is host-wide busy percentage since the previous reading.
	CPU float64

	// ProcessCPU is this process's CPU time since the previous
	// reading, as a percentage of one core.
	ProcessCPU float64

	RSS        uint64
	MemoryUsed float64

	// Custom holds registered gauge values.
	Custom map[string]float64
}

// Signals flattens the reading into named values.
func (r Reading) Signals() map[string]float64 {
	signals := map[string]float64{
		SignalCPU:        r.CPU,
		SignalRSS:        float64(r.RSS),
		SignalProcessCPU: r.ProcessCPU,
		SignalMemoryUsed: r.MemoryUsed,
	}
	maps.Copy(signals, r.Custom)
	return signals
}

// Sampler reads procfs and computes usage deltas between consecutive
// reads. The first read reports zero CPU usage.
//
// Sampler is a beat.Source: Sample returns the most recent reading
// (reading once if there is none), so the agent can refresh once per
// cycle and every class sampled in that cycle sees the same values.
type Sampler struct {
	root  string
	clock clock.Clock

	mu          sync.Mutex
	gauges      map[string]func() float64
	primed      bool
	prevCPU     CPUCounters
	prevProcess uint64
	prevTime    time.Time
	last        Reading
	hasLast     bool
}

// NewSampler creates a Sampler reading the procfs mounted at root
// (DefaultRoot if empty).
func NewSampler(root string, clk clock.Clock) *Sampler {
	if root == "" {
		root = DefaultRoot
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Sampler{root: root, clock: clk, gauges: make(map[string]func() float64)}
}

// Register adds a custom gauge reported under name on every reading.
// The function is called during Read and must not block.
func (s *Sampler) Register(name string, gauge func() float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gauges[name] = gauge
}

// Read takes a fresh reading. A failing source leaves its fields zero
// and contributes to the returned error; the partial reading is still
// recorded.
func (s *Sampler) Read() (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	reading := Reading{Time: now}
	var errs []error

	cpu, cpuErr := ReadCPUCounters(s.root)
	if cpuErr != nil {
		errs = append(errs, cpuErr)
	}
	ticks, ticksErr := ReadProcessTicks(s.root)
	if ticksErr != nil {
		errs = append(errs, ticksErr)
	}

	if s.primed {
		if cpuErr == nil {
			reading.CPU = CPUUsage(s.prevCPU, cpu)
		}
		elapsed := now.Sub(s.prevTime).Seconds()
		if ticksErr == nil && elapsed > 0 && ticks >= s.prevProcess {
			reading.ProcessCPU = float64(ticks-s.prevProcess) / userHZ / elapsed * 100
		}
	}
	if cpuErr == nil && ticksErr == nil {
		s.prevCPU, s.prevProcess, s.prevTime = cpu, ticks, now
		s.primed = true
	}

	if rss, err := ReadRSS(s.root); err != nil {
		errs = append(errs, err)
	} else {
		reading.RSS = rss
	}
	if memory, err := ReadMemoryInfo(s.root); err != nil {
		errs = append(errs, err)
	} else {
		reading.MemoryUsed = memory.UsedPercent()
	}

	if len(s.gauges) > 0 {
		reading.Custom = make(map[string]float64, len(s.gauges))
		for name, gauge := range s.gauges {
			reading.Custom[name] = gauge()
		}
	}

	s.last, s.hasLast = reading, true
	return reading, errors.Join(errs...)
}

// Last returns the most recent reading.
func (s *Sampler) Last() (Reading, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}

// Sample implements beat.Source.
func (s *Sampler) Sample(ctx context.Context, class beat.Class) (beat.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return beat.Snapshot{}, err
	}
	reading, ok := s.Last()
	if !ok {
		var err error
		if reading, err = s.Read(); err != nil {
			return beat.Snapshot{}, err
		}
	}
	metrics := map[string]float64{
		SignalProcessCPU: reading.ProcessCPU,
		SignalMemoryUsed: reading.MemoryUsed,
	}
	maps.Copy(metrics, reading.Custom)
	return beat.Snapshot{
		Time:    s.clock.Now(),
		Purpose: class.Purpose,
		CPU:     reading.CPU,
		RSS:     reading.RSS,
		Metrics: metrics,
	}, nil
}
