// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/beacon/lib/adaptive"
	"github.com/bureau-foundation/beacon/lib/beat"
	"github.com/bureau-foundation/beacon/lib/channel"
	"github.com/bureau-foundation/beacon/lib/clock"
	"github.com/bureau-foundation/beacon/lib/control"
	"github.com/bureau-foundation/beacon/lib/flush"
	"github.com/bureau-foundation/beacon/lib/hostmetrics"
	"github.com/bureau-foundation/beacon/lib/metrics"
	"github.com/bureau-foundation/beacon/lib/rule"
)

// DefaultCycle is the tick interval when none is configured.
const DefaultCycle = time.Second

// maxCommandsPerCycle bounds the control drain so a flood of commands
// cannot starve the next cycle.
const maxCommandsPerCycle = 32

// Receiver reads one control message. *channel.Channel implements it;
// Recv must return channel.ErrWouldBlock when nothing is waiting.
type Receiver interface {
	Recv() ([]byte, error)
}

// Config holds the construction parameters for an Agent.
type Config struct {
	// ID is stamped into every frame and is the identity control
	// commands are addressed to. Empty generates a random UUID.
	ID string

	// Name labels the instance in logs and metrics. Defaults to ID.
	Name string

	// Cycle is the tick interval. DefaultCycle if <= 0.
	Cycle time.Duration

	Classes       []beat.Class
	QueueCapacity int

	// Flush policy. Agent and Gate are filled in by New.
	Flush flush.Config

	Rules    []rule.Definition
	Degraded []string
	Adaptive []rule.Definition

	// Control enables the command state machine when Verifier is set.
	// Agent is filled in by New.
	Control control.Config

	// EventClass receives raised events and command rejections. Empty
	// keeps them in the journal and logs only.
	EventClass string

	// JournalSize bounds Events. DefaultJournalSize if <= 0.
	JournalSize int

	// Source samples beats. When nil, Host is used.
	Source beat.Source

	// Host provides the cpu, rss, and custom signals. When nil and
	// Source is nil, a sampler on /proc is created.
	Host *hostmetrics.Sampler

	// Telemetry receives flushed frames. Required.
	Telemetry flush.Sender

	// Commands delivers signed control messages. Requires
	// Control.Verifier.
	Commands Receiver

	// Notify, when set, is watched for readability; each wakeup nudges
	// the loop.
	Notify *channel.Channel

	// Registry, when set, is closed when Run returns, releasing every
	// channel the host wrapped for this agent.
	Registry *channel.Registry

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// OnEnforce is called once, from the loop goroutine, when an
	// enforce rule fires.
	OnEnforce func(*EnforcedError)
}

// Agent is one running beacon instance.
type Agent struct {
	id         string
	name       string
	cycle      time.Duration
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics
	scheduler  *beat.Scheduler
	flusher    *flush.Controller
	rules      *rule.Engine
	adaptive   *adaptive.Controller
	machine    *control.Machine
	host       *hostmetrics.Sampler
	telemetry  flush.Sender
	notify     *channel.Channel
	registry   *channel.Registry
	eventClass string
	onEnforce  func(*EnforcedError)
	journal    *journal
	nudge      chan struct{}
	running    atomic.Bool

	// cycleMu serializes cycles.
	cycleMu  sync.Mutex
	commands Receiver

	mu           sync.Mutex
	cycles       uint64
	signals      rule.Signals
	lastFlush    flush.Result
	rejected     int
	lastDropped  uint64
	enforced     *EnforcedError
	lastReading  hostmetrics.Reading
	startedAt    time.Time
	lastCycleEnd time.Time
}

// New validates config and builds an Agent. Every configuration
// problem is reported, joined.
func New(config Config) (*Agent, error) {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ID == "" {
		config.ID = uuid.NewString()
	}
	if config.Name == "" {
		config.Name = config.ID
	}
	if config.Cycle <= 0 {
		config.Cycle = DefaultCycle
	}
	if config.Source == nil {
		if config.Host == nil {
			config.Host = hostmetrics.NewSampler("", config.Clock)
		}
		config.Source = config.Host
	}

	var errs []error
	if config.Telemetry == nil {
		errs = append(errs, errors.New("agent: telemetry sender is required"))
	}
	if config.Commands != nil && config.Control.Verifier == nil {
		errs = append(errs, errors.New("agent: a command channel requires a verifier"))
	}

	now := config.Clock.Now()
	scheduler, err := beat.NewScheduler(beat.Config{
		Classes:       config.Classes,
		QueueCapacity: config.QueueCapacity,
		Source:        config.Source,
		Start:         now,
	})
	if err != nil {
		return nil, errors.Join(append(errs, err)...)
	}

	for _, name := range append(append([]string{}, config.Flush.Shed...), config.Flush.Keep...) {
		if !scheduler.Has(name) {
			errs = append(errs, fmt.Errorf("agent: flush policy names undefined beat class %q", name))
		}
	}
	if config.EventClass != "" && !scheduler.Has(config.EventClass) {
		errs = append(errs, fmt.Errorf("agent: event class %q is undefined", config.EventClass))
	}

	flushConfig := config.Flush
	flushConfig.Agent = config.ID
	flusher, err := flush.NewController(flushConfig)
	if err != nil {
		errs = append(errs, err)
	}

	engine, err := rule.NewEngine(config.Rules, config.Degraded)
	if err != nil {
		errs = append(errs, err)
	}

	cadence, err := adaptive.New(config.Adaptive)
	if err != nil {
		errs = append(errs, err)
	} else {
		for _, parsed := range cadence.Rules() {
			if !scheduler.Has(parsed.Class) {
				errs = append(errs, fmt.Errorf("adaptive rule %s: undefined beat class %q", parsed.Name, parsed.Class))
			}
		}
	}

	var machine *control.Machine
	if config.Control.Verifier != nil {
		controlConfig := config.Control
		controlConfig.Agent = config.ID
		machine, err = control.NewMachine(controlConfig, scheduler)
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if machine != nil {
		scheduler.SetGate(machine)
		flusher.SetGate(machine)
	}
	config.Metrics.WatchScheduler(scheduler.Stats)

	return &Agent{
		id:         config.ID,
		name:       config.Name,
		cycle:      config.Cycle,
		clock:      config.Clock,
		logger:     config.Logger.With("agent", config.Name),
		metrics:    config.Metrics,
		scheduler:  scheduler,
		flusher:    flusher,
		rules:      engine,
		adaptive:   cadence,
		machine:    machine,
		host:       config.Host,
		telemetry:  config.Telemetry,
		commands:   config.Commands,
		notify:     config.Notify,
		registry:   config.Registry,
		eventClass: config.EventClass,
		onEnforce:  config.OnEnforce,
		journal:    newJournal(config.JournalSize),
		nudge:      make(chan struct{}, 1),
		startedAt:  now,
	}, nil
}

// ID returns the agent's identity.
func (a *Agent) ID() string { return a.id }

// Scheduler exposes the beat scheduler for inspection.
func (a *Agent) Scheduler() *beat.Scheduler { return a.scheduler }

// Run drives the loop until ctx is cancelled (returning nil), the
// telemetry channel closes, or an enforce rule fires (returning an
// *EnforcedError). The first cycle runs immediately. When a Registry
// was configured, every channel in it is closed before Run returns.
func (a *Agent) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	if a.registry != nil {
		defer func() {
			if err := a.registry.CloseAll(); err != nil {
				a.logger.Warn("closing channels", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	var watchers sync.WaitGroup
	defer watchers.Wait()
	defer cancel()

	if a.notify != nil {
		watchers.Add(1)
		go func() {
			defer watchers.Done()
			if err := channel.Watch(ctx, a.notify, a.nudge); err != nil {
				a.logger.Warn("notify channel stopped", "error", err)
				a.record(Event{Kind: EventChannelClosed, Name: "notify", Message: err.Error()})
			}
		}()
	}

	ticker := a.clock.NewTicker(a.cycle)
	defer ticker.Stop()

	a.logger.Info("agent running",
		"id", a.id,
		"cycle", a.cycle,
		"classes", a.scheduler.Enabled(),
		"budget", a.flusher.Budget(),
		"rules", len(a.rules.Rules()),
		"control", a.machine != nil,
	)

	// A cycle in progress completes even if ctx is cancelled.
	cycleContext := context.WithoutCancel(ctx)
	for {
		if err := a.RunCycle(cycleContext); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			a.logger.Info("agent stopping")
			return nil
		case <-ticker.C:
		case <-a.nudge:
		}
	}
}

// Submit queues host telemetry on class and nudges the loop so it is
// flushed without waiting for the next tick.
func (a *Agent) Submit(class string, body any) (uint64, error) {
	sequence, err := a.scheduler.Inject(class, body, a.clock.Now())
	if err != nil {
		return 0, err
	}
	a.wake()
	return sequence, nil
}

// wake nudges the loop without blocking.
func (a *Agent) wake() {
	select {
	case a.nudge <- struct{}{}:
	default:
	}
}

// Events returns the journal, oldest first.
func (a *Agent) Events() []Event { return a.journal.snapshot() }

// EventsNotify receives a signal (at most one pending) whenever an
// event is recorded.
func (a *Agent) EventsNotify() <-chan struct{} { return a.journal.notify }

// Status is a point-in-time view of an agent.
type Status struct {
	ID            string
	Name          string
	State         string
	Reason        string
	Suspended     []string
	Cycles        uint64
	StartedAt     time.Time
	LastCycle     time.Time
	Enforced      *EnforcedError
	BackoffFactor float64
	QueueLength   int
	QueueCapacity int
	QueueDepth    float64
	Classes       []beat.ClassStatus
	Scheduler     beat.Stats
	Flush         flush.Totals
	LastFlush     flush.Result
	Signals       rule.Signals
	Host          hostmetrics.Reading
	EventsDropped uint64
}

// Status returns the agent's current state.
func (a *Agent) Status() Status {
	status := Status{
		ID:            a.id,
		Name:          a.name,
		State:         control.Normal.String(),
		BackoffFactor: a.scheduler.BackoffFactor(),
		QueueLength:   a.scheduler.Len(),
		QueueCapacity: a.scheduler.Capacity(),
		QueueDepth:    a.scheduler.Depth(),
		Classes:       a.scheduler.Classes(),
		Scheduler:     a.scheduler.Stats(),
		Flush:         a.flusher.Totals(),
		EventsDropped: a.journal.droppedCount(),
	}
	if a.machine != nil {
		state, reason := a.machine.State()
		status.State, status.Reason = state.String(), reason
		status.Suspended = a.machine.Suspended()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	status.Cycles = a.cycles
	status.StartedAt = a.startedAt
	status.LastCycle = a.lastCycleEnd
	status.Enforced = a.enforced
	status.LastFlush = a.lastFlush
	status.Signals = a.signals
	status.Host = a.lastReading
	return status
}
