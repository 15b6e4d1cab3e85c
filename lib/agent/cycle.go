// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/bureau-foundation/beacon/lib/channel"
	"github.com/bureau-foundation/beacon/lib/control"
	"github.com/bureau-foundation/beacon/lib/flush"
	"github.com/bureau-foundation/beacon/lib/metrics"
	"github.com/bureau-foundation/beacon/lib/rule"
)

// RunCycle runs one cycle: sample, flush, health, adaptive, control.
// Run calls it on every tick and nudge; tests call it directly with a
// fake clock.
//
// It returns an error only when the agent can no longer operate: the
// telemetry channel closed, or an enforce rule fired (now or in an
// earlier cycle).
func (a *Agent) RunCycle(ctx context.Context) error {
	a.cycleMu.Lock()
	defer a.cycleMu.Unlock()

	a.mu.Lock()
	if a.enforced != nil {
		enforced := a.enforced
		a.mu.Unlock()
		return enforced
	}
	a.cycles++
	cycle := a.cycles
	a.mu.Unlock()

	now := a.clock.Now()
	started := time.Now() //nolint:realclock cycle duration metric

	// Host readings are refreshed once per cycle; every class sampled
	// this cycle sees the same values.
	var hostSignals map[string]float64
	if a.host != nil {
		reading, err := a.host.Read()
		if err != nil {
			a.logger.Debug("host metrics incomplete", "error", err)
		}
		hostSignals = reading.Signals()
		a.mu.Lock()
		a.lastReading = reading
		a.mu.Unlock()
	}

	// Sample.
	if _, err := a.scheduler.Tick(ctx, now); err != nil {
		a.logger.Warn("sampling failed", "cycle", cycle, "error", err)
	}

	// Flush.
	result, flushErr := a.flusher.Flush(a.scheduler, a.telemetry)
	a.metrics.ObserveFlush(result)
	if flushErr != nil {
		if errors.Is(flushErr, channel.ErrClosed) {
			a.record(Event{Kind: EventChannelClosed, Name: "telemetry", Message: flushErr.Error()})
			return fmt.Errorf("telemetry channel: %w", flushErr)
		}
		a.logger.Warn("flush incomplete", "cycle", cycle, "error", flushErr)
	}
	if result.Shed > 0 {
		a.logger.Debug("shed under backpressure", "cycle", cycle, "shed", result.ShedByClass)
	}

	// Health.
	signals := a.cycleSignals(result, hostSignals)
	firings, evaluated := a.rules.Evaluate(signals)
	var enforced *EnforcedError
	for _, firing := range firings {
		a.metrics.ObserveFiring(firing.Rule, firing.Action.String())
		if err := a.apply(firing, cycle, now); err != nil {
			enforced = err
		}
	}

	a.mu.Lock()
	a.signals = evaluated
	a.lastFlush = result
	a.mu.Unlock()

	if enforced != nil {
		a.finishCycle(started, now)
		return enforced
	}

	// Adaptive. Cadence follows the host, not the agent's own queue.
	for _, mutation := range a.adaptive.Evaluate(adaptiveSignals(hostSignals, evaluated)) {
		a.metrics.ObserveFiring(mutation.Rule, "update")
		if err := a.scheduler.SetPeriod(mutation.Class, mutation.Period); err != nil {
			a.logger.Warn("adaptive update failed", "rule", mutation.Rule, "class", mutation.Class, "error", err)
			continue
		}
		a.logger.Info("cadence updated", "rule", mutation.Rule, "class", mutation.Class, "period", mutation.Period)
		a.record(Event{Time: now, Kind: EventCadence, Name: mutation.Rule,
			Message: fmt.Sprintf("beats.%s every %s", mutation.Class, mutation.Period)})
	}

	// Control.
	a.drainCommands(now)

	a.finishCycle(started, now)
	return nil
}

// cycleSignals assembles the cycle's signal snapshot. Agent-internal
// signals take precedence over host values of the same name.
func (a *Agent) cycleSignals(result flush.Result, host map[string]float64) rule.Signals {
	stats := a.scheduler.Stats()

	a.mu.Lock()
	overflow := stats.Dropped - a.lastDropped
	a.lastDropped = stats.Dropped
	rejected := a.rejected
	a.rejected = 0
	a.mu.Unlock()

	signals := make(rule.Signals, len(host)+8)
	maps.Copy(signals, host)
	signals[rule.SignalQueueDepth] = a.scheduler.Depth()
	signals[rule.SignalRetryCount] = float64(result.Retried)
	signals[rule.SignalShedCount] = float64(result.Shed)
	signals[rule.SignalDroppedCount] = float64(result.Dropped) + float64(overflow)
	signals[rule.SignalRejectedCount] = float64(rejected)
	signals[rule.SignalFlushedBytes] = float64(result.Bytes)
	return signals
}

// adaptiveSignals is the adaptive controller's view of a cycle: the
// host readings plus the derived degraded signal.
func adaptiveSignals(host map[string]float64, evaluated rule.Signals) rule.Signals {
	signals := make(rule.Signals, len(host)+1)
	maps.Copy(signals, host)
	signals[rule.SignalDegraded] = evaluated[rule.SignalDegraded]
	return signals
}

// apply carries out one health rule action. It returns non-nil only
// for enforce.
func (a *Agent) apply(firing rule.Firing, cycle uint64, now time.Time) *EnforcedError {
	action := firing.Action
	logger := a.logger.With("rule", firing.Rule, "cycles", firing.Cycles)

	switch action.Kind {
	case rule.ActionWarn:
		logger.Warn("health rule warning")
		a.record(Event{Time: now, Kind: EventWarn, Name: firing.Rule, Severity: "warning"})

	case rule.ActionBackoff:
		if err := a.scheduler.Backoff(action.Rate); err != nil {
			logger.Error("backoff failed", "error", err)
			return nil
		}
		logger.Warn("backing off", "rate", action.Rate, "factor", a.scheduler.BackoffFactor())
		a.record(Event{Time: now, Kind: EventBackoff, Name: firing.Rule,
			Message: fmt.Sprintf("factor %g", a.scheduler.BackoffFactor())})

	case rule.ActionRestore:
		if a.scheduler.RestoreCadence() {
			logger.Info("cadence restored")
			a.record(Event{Time: now, Kind: EventRestore, Name: firing.Rule})
		}

	case rule.ActionRaiseEvent:
		event := Event{Time: now, Kind: EventRaised, Name: action.Event, Severity: action.Severity.String(),
			Message: "raised by rule " + firing.Rule, LogOnly: action.LogOnly}
		logger.Log(context.Background(), severityLevel(action.Severity), "event raised",
			"event", action.Event, "log_only", action.LogOnly)
		a.record(event)
		a.emit(event, now)

	case rule.ActionEnforce:
		enforced := &EnforcedError{Rule: firing.Rule, Cycle: cycle}
		logger.Error("enforce rule fired; agent stops emitting")
		a.record(Event{Time: now, Kind: EventEnforce, Name: firing.Rule, Severity: "critical"})
		a.mu.Lock()
		a.enforced = enforced
		a.mu.Unlock()
		if a.onEnforce != nil {
			a.onEnforce(enforced)
		}
		return enforced
	}
	return nil
}

// drainCommands handles every control message waiting on the command
// channel, up to maxCommandsPerCycle.
func (a *Agent) drainCommands(now time.Time) {
	if a.commands == nil || a.machine == nil {
		return
	}
	for range maxCommandsPerCycle {
		message, err := a.commands.Recv()
		if errors.Is(err, channel.ErrWouldBlock) {
			return
		}
		if errors.Is(err, channel.ErrClosed) {
			a.logger.Error("control channel closed; commands disabled")
			a.record(Event{Time: now, Kind: EventChannelClosed, Name: "control", Message: err.Error()})
			a.commands = nil
			return
		}
		if err != nil {
			a.logger.Warn("control receive failed", "error", err)
			return
		}
		a.handleCommand(message, now)
	}
}

func (a *Agent) handleCommand(message []byte, now time.Time) {
	outcome := a.machine.Handle(message, now)

	var name, id string
	if outcome.Command != nil {
		name, id = string(outcome.Command.Name), outcome.Command.ID
	}
	a.metrics.ObserveCommand(name, outcome.Accepted)

	if !outcome.Accepted {
		a.mu.Lock()
		a.rejected++
		a.mu.Unlock()
		a.logger.Warn("command rejected", "command", name, "id", id, "error", outcome.Err)
		event := Event{Time: now, Kind: EventCommandRejected, Name: name, CommandID: id,
			Severity: "warning", Message: outcome.Err.Error()}
		a.record(event)
		a.emit(event, now)
		return
	}

	attrs := []any{"command", name, "id", id, "from", outcome.From, "to", outcome.To}
	if len(outcome.Changed) > 0 {
		attrs = append(attrs, "changed", outcome.Changed)
	}
	if outcome.Err != nil {
		attrs = append(attrs, "error", outcome.Err)
		a.logger.Warn("command accepted with errors", attrs...)
	} else {
		a.logger.Info("command accepted", attrs...)
	}
	a.record(Event{Time: now, Kind: EventCommandAccepted, Name: name, CommandID: id,
		Message: fmt.Sprintf("%s -> %s", outcome.From, outcome.To)})
	if outcome.From != outcome.To && outcome.To == control.Normal {
		// Resumed classes were re-enabled; flush them promptly.
		a.wake()
	}
}

// emit queues event on the event class, detached from the class's
// coalescing so no later beat or event replaces it. A quarantined
// agent may refuse it; that is logged, never fatal.
func (a *Agent) emit(event Event, now time.Time) {
	if a.eventClass == "" {
		return
	}
	if _, err := a.scheduler.InjectDetached(a.eventClass, event, now); err != nil {
		a.logger.Warn("event not queued", "event", event.Kind, "class", a.eventClass, "error", err)
		return
	}
	a.wake()
}

func severityLevel(severity rule.Severity) slog.Level {
	switch severity {
	case rule.SeverityInfo:
		return slog.LevelInfo
	case rule.SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func (a *Agent) record(event Event) {
	if event.Time.IsZero() {
		event.Time = a.clock.Now()
	}
	a.journal.record(event)
}

func (a *Agent) finishCycle(started time.Time, now time.Time) {
	state := metrics.CycleState{
		Duration:      time.Since(started), //nolint:realclock cycle duration metric
		QueueDepth:    a.scheduler.Depth(),
		QueueLength:   a.scheduler.Len(),
		BackoffFactor: a.scheduler.BackoffFactor(),
	}
	if a.machine != nil {
		current, _ := a.machine.State()
		state.Quarantined = current == control.Quarantined
	}
	a.metrics.ObserveCycle(state)

	a.mu.Lock()
	a.lastCycleEnd = now
	a.mu.Unlock()
}
