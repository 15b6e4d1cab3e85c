// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// State is the agent's control state.
type State uint8

const (
	Normal State = iota
	Quarantined
)

func (s State) String() string {
	switch s {
	case Normal:
		return "normal"
	case Quarantined:
		return "quarantined"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// InFlight decides what happens to payloads already queued for a
// class that quarantine disables.
type InFlight uint8

const (
	// Discard cancels queued payloads of suspended classes.
	Discard InFlight = iota

	// Retain keeps them queued; the gate holds them back until Resume.
	Retain
)

// ParseInFlight parses a configuration spelling. The empty string is
// Discard.
func ParseInFlight(name string) (InFlight, error) {
	switch name {
	case "", "discard":
		return Discard, nil
	case "retain":
		return Retain, nil
	default:
		return 0, fmt.Errorf("unknown in-flight policy %q (want discard or retain)", name)
	}
}

// Scheduler is the mutation surface the machine drives.
// *beat.Scheduler implements it.
type Scheduler interface {
	Has(name string) bool
	Enabled() []string
	Enable(name string, now time.Time) error
	Disable(name string, keepPending bool) (int, error)
	SetPeriod(name string, period time.Duration) error
	RestoreCadence() bool
	InjectDetached(class string, body any, now time.Time) (uint64, error)
}

// Handler is the per-command policy.
type Handler struct {
	Enabled bool

	// Beats restricts which classes the command may target. Empty
	// allows every class.
	Beats []string
}

// Config configures a Machine.
type Config struct {
	Verifier Verifier

	// Agent is this instance's identity; commands addressed to another
	// agent are rejected.
	Agent string

	// Whitelist names the classes that may emit while quarantined.
	// Defaults to ["high"].
	Whitelist []string

	// ReportClass carries the pre- and post-quarantine reports.
	// Defaults to "high".
	ReportClass string

	InFlight InFlight

	// Handlers maps command names to their policy. A nil map enables
	// every command with no beat restriction; otherwise commands
	// missing from the map are disabled.
	Handlers map[Name]Handler

	// MaxSkew tolerates commands issued slightly in the future.
	// Defaults to 30 seconds.
	MaxSkew time.Duration
}

// Report is the body of a pre- or post-quarantine report.
type Report struct {
	Kind      string   `cbor:"kind"`
	CommandID string   `cbor:"command_id"`
	Reason    string   `cbor:"reason,omitempty"`
	State     string   `cbor:"state"`
	Enabled   []string `cbor:"enabled"`
	Suspended []string `cbor:"suspended,omitempty"`
}

// Report kinds.
const (
	PreQuarantine  = "pre_quarantine"
	PostQuarantine = "post_quarantine"
)

// Outcome describes how one control message was handled.
type Outcome struct {
	// Command is nil when the message could not be verified or
	// decoded.
	Command *Command

	Accepted bool

	// Err is the rejection reason when Accepted is false. When
	// Accepted is true it carries non-fatal side-effect failures (a
	// report that could not be queued).
	Err error

	From, To State

	// Reports counts the reports queued by this command.
	Reports int

	// Changed lists the classes whose state or period changed.
	Changed []string
}

// Machine verifies control messages and drives state transitions. It
// is also the emission gate consulted by the scheduler and flush
// controller.
type Machine struct {
	mu        sync.Mutex
	config    Config
	scheduler Scheduler
	guard     *ReplayGuard
	state     State
	reason    string
	suspended []string

	// quarantined mirrors state for Allows, which the scheduler calls
	// while holding its own lock.
	quarantined atomic.Bool
}

// NewMachine validates config against scheduler and creates a Machine
// in the Normal state.
func NewMachine(config Config, scheduler Scheduler) (*Machine, error) {
	if config.Verifier == nil {
		return nil, errors.New("control: nil verifier")
	}
	if len(config.Whitelist) == 0 {
		config.Whitelist = []string{"high"}
	}
	if config.ReportClass == "" {
		config.ReportClass = "high"
	}
	if config.MaxSkew <= 0 {
		config.MaxSkew = 30 * time.Second
	}

	var errs []error
	for _, class := range config.Whitelist {
		if !scheduler.Has(class) {
			errs = append(errs, fmt.Errorf("control: whitelist names undefined beat class %q", class))
		}
	}
	if !scheduler.Has(config.ReportClass) {
		errs = append(errs, fmt.Errorf("control: report class %q is undefined", config.ReportClass))
	}
	for name, handler := range config.Handlers {
		if !Known(name) {
			errs = append(errs, fmt.Errorf("control: handler for unknown command %q", name))
		}
		for _, class := range handler.Beats {
			if !scheduler.Has(class) {
				errs = append(errs, fmt.Errorf("control: handler %s names undefined beat class %q", name, class))
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return &Machine{
		config:    config,
		scheduler: scheduler,
		guard:     NewReplayGuard(),
	}, nil
}

// State returns the current state and its reason.
func (m *Machine) State() (State, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.reason
}

// Suspended returns the classes quarantine disabled and Resume will
// re-enable.
func (m *Machine) Suspended() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.suspended)
}

// Allows implements the emission gate: everything in Normal, only
// whitelisted classes while Quarantined.
func (m *Machine) Allows(class string) bool {
	return !m.quarantined.Load() || slices.Contains(m.config.Whitelist, class)
}

// Handle verifies and applies one control message.
func (m *Machine) Handle(message []byte, now time.Time) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	outcome := Outcome{From: m.state, To: m.state}

	command, err := Open(m.config.Verifier, message)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	outcome.Command = command

	if err := m.admitLocked(command, message, now); err != nil {
		outcome.Err = err
		return outcome
	}

	if err := m.applyLocked(command, now, &outcome); err != nil {
		outcome.Err = err
		return outcome
	}

	outcome.Accepted = true
	outcome.To = m.state
	m.guard.Record(DigestOf(message), time.Unix(command.ExpiresAt, 0))
	m.guard.Cleanup(now)
	m.scheduler.RestoreCadence()
	return outcome
}

// admitLocked runs every policy check that does not depend on the
// command's effect.
func (m *Machine) admitLocked(command *Command, message []byte, now time.Time) error {
	if command.Agent != "" && command.Agent != m.config.Agent {
		return fmt.Errorf("%w: %q", ErrWrongAgent, command.Agent)
	}
	if command.ExpiresAt == 0 || now.Unix() >= command.ExpiresAt {
		return ErrExpired
	}
	if time.Unix(command.IssuedAt, 0).After(now.Add(m.config.MaxSkew)) {
		return ErrNotYetValid
	}
	if m.guard.Seen(DigestOf(message)) {
		return ErrReplayed
	}
	if !Known(command.Name) {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, command.Name)
	}
	handler, ok := m.handlerLocked(command.Name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrHandlerDisabled, command.Name)
	}
	if command.Beat != "" && len(handler.Beats) > 0 && !slices.Contains(handler.Beats, command.Beat) {
		return fmt.Errorf("%w: %s may not target %q", ErrInvalidParameters, command.Name, command.Beat)
	}
	return nil
}

func (m *Machine) handlerLocked(name Name) (Handler, bool) {
	if m.config.Handlers == nil {
		return Handler{Enabled: true}, true
	}
	handler, ok := m.config.Handlers[name]
	if !ok || !handler.Enabled {
		return Handler{}, false
	}
	return handler, true
}

func (m *Machine) applyLocked(command *Command, now time.Time, outcome *Outcome) error {
	switch command.Name {
	case Quarantine:
		return m.quarantineLocked(command, now, outcome)
	case Resume:
		return m.resumeLocked(command, now, outcome)
	case AdjustCadence:
		if err := m.requireBeatLocked(command); err != nil {
			return err
		}
		if command.Period <= 0 {
			return fmt.Errorf("%w: AdjustCadence period must be positive", ErrInvalidParameters)
		}
		if err := m.scheduler.SetPeriod(command.Beat, command.PeriodDuration()); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
		}
		outcome.Changed = []string{command.Beat}
		return nil
	case EnableBeat:
		if err := m.requireBeatLocked(command); err != nil {
			return err
		}
		if m.state == Quarantined && !slices.Contains(m.config.Whitelist, command.Beat) {
			return fmt.Errorf("%w: %q is not whitelisted while quarantined", ErrInvalidTransition, command.Beat)
		}
		if err := m.scheduler.Enable(command.Beat, now); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
		}
		outcome.Changed = []string{command.Beat}
		return nil
	case DisableBeat:
		if err := m.requireBeatLocked(command); err != nil {
			return err
		}
		if _, err := m.scheduler.Disable(command.Beat, false); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
		}
		// An explicitly disabled class stays disabled after Resume.
		m.suspended = slices.DeleteFunc(m.suspended, func(name string) bool { return name == command.Beat })
		outcome.Changed = []string{command.Beat}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, command.Name)
	}
}

func (m *Machine) requireBeatLocked(command *Command) error {
	if command.Beat == "" {
		return fmt.Errorf("%w: %s requires a beat", ErrInvalidParameters, command.Name)
	}
	if !m.scheduler.Has(command.Beat) {
		return fmt.Errorf("%w: undefined beat class %q", ErrInvalidParameters, command.Beat)
	}
	return nil
}

func (m *Machine) quarantineLocked(command *Command, now time.Time, outcome *Outcome) error {
	if m.state != Normal {
		return fmt.Errorf("%w: Quarantine while %s", ErrInvalidTransition, m.state)
	}

	enabled := m.scheduler.Enabled()
	var suspend []string
	for _, class := range enabled {
		if !slices.Contains(m.config.Whitelist, class) {
			suspend = append(suspend, class)
		}
	}

	// The report goes out before anything changes so it describes the
	// pre-quarantine state.
	reportErr := m.reportLocked(Report{
		Kind:      PreQuarantine,
		CommandID: command.ID,
		Reason:    command.Reason,
		State:     Normal.String(),
		Enabled:   enabled,
		Suspended: suspend,
	}, now, outcome)

	var errs []error
	if reportErr != nil {
		errs = append(errs, reportErr)
	}
	for _, class := range suspend {
		if _, err := m.scheduler.Disable(class, m.config.InFlight == Retain); err != nil {
			errs = append(errs, fmt.Errorf("suspending %s: %w", class, err))
		}
	}

	m.state = Quarantined
	m.quarantined.Store(true)
	m.reason = command.Reason
	m.suspended = suspend
	outcome.Changed = slices.Clone(suspend)
	outcome.Err = errors.Join(errs...)
	return nil
}

func (m *Machine) resumeLocked(command *Command, now time.Time, outcome *Outcome) error {
	if m.state != Quarantined {
		return fmt.Errorf("%w: Resume while %s", ErrInvalidTransition, m.state)
	}

	var errs []error
	for _, class := range m.suspended {
		if err := m.scheduler.Enable(class, now); err != nil {
			errs = append(errs, fmt.Errorf("resuming %s: %w", class, err))
		}
	}
	resumed := m.suspended
	m.state = Normal
	m.quarantined.Store(false)
	m.reason = ""
	m.suspended = nil

	if err := m.reportLocked(Report{
		Kind:      PostQuarantine,
		CommandID: command.ID,
		Reason:    command.Reason,
		State:     Normal.String(),
		Enabled:   m.scheduler.Enabled(),
	}, now, outcome); err != nil {
		errs = append(errs, err)
	}

	outcome.Changed = resumed
	outcome.Err = errors.Join(errs...)
	return nil
}

func (m *Machine) reportLocked(report Report, now time.Time, outcome *Outcome) error {
	if _, err := m.scheduler.InjectDetached(m.config.ReportClass, report, now); err != nil {
		return fmt.Errorf("queueing %s report: %w", report.Kind, err)
	}
	outcome.Reports++
	return nil
}
