// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"crypto/ed25519"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/beacon/lib/beat"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	t         *testing.T
	private   ed25519.PrivateKey
	scheduler *beat.Scheduler
	machine   *Machine
	serial    int
}

func newHarness(t *testing.T, modify func(*Config)) *harness {
	t.Helper()
	public, private := testKeypair(t)

	source := beat.SourceFunc(func(context.Context, beat.Class) (beat.Snapshot, error) {
		return beat.Snapshot{}, nil
	})
	scheduler, err := beat.NewScheduler(beat.Config{
		Classes: []beat.Class{
			{Name: "high", Period: 10 * time.Second, Priority: 100, Enabled: true},
			{Name: "normal", Period: time.Minute, Priority: 50, Enabled: true},
			{Name: "diag", Period: 5 * time.Minute, Priority: 10, Enabled: true},
			{Name: "debug", Period: time.Minute, Priority: 5},
		},
		Source: source,
		Start:  epoch,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	config := Config{Verifier: Ed25519Verifier{PublicKey: public}, Agent: "agent-1"}
	if modify != nil {
		modify(&config)
	}
	machine, err := NewMachine(config, scheduler)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	scheduler.SetGate(machine)
	return &harness{t: t, private: private, scheduler: scheduler, machine: machine}
}

// sign builds a valid command at epoch with a unique ID.
func (h *harness) sign(command Command) []byte {
	h.t.Helper()
	h.serial++
	if command.ID == "" {
		command.ID = "cmd-" + string(rune('a'+h.serial))
	}
	if command.IssuedAt == 0 {
		command.IssuedAt = epoch.Unix()
	}
	if command.ExpiresAt == 0 {
		command.ExpiresAt = epoch.Add(5 * time.Minute).Unix()
	}
	message, err := Sign(h.private, &command)
	if err != nil {
		h.t.Fatalf("Sign: %v", err)
	}
	return message
}

func (h *harness) handle(command Command) Outcome {
	h.t.Helper()
	return h.machine.Handle(h.sign(command), epoch)
}

func reportKinds(t *testing.T, scheduler *beat.Scheduler) []string {
	t.Helper()
	var kinds []string
	for _, payload := range scheduler.Pending() {
		if report, ok := payload.Body.(Report); ok {
			kinds = append(kinds, report.Kind)
		}
	}
	return kinds
}

func TestQuarantineThenResumeRestoresEnabledSet(t *testing.T) {
	h := newHarness(t, nil)
	before := h.scheduler.Enabled()

	outcome := h.handle(Command{Name: Quarantine, Reason: "incident 42"})
	if !outcome.Accepted || outcome.Err != nil {
		t.Fatalf("Quarantine outcome = %+v", outcome)
	}
	if outcome.From != Normal || outcome.To != Quarantined {
		t.Fatalf("transition %v -> %v", outcome.From, outcome.To)
	}
	if got := h.scheduler.Enabled(); !slices.Equal(got, []string{"high"}) {
		t.Fatalf("enabled while quarantined = %v, want [high]", got)
	}
	if state, reason := h.machine.State(); state != Quarantined || reason != "incident 42" {
		t.Fatalf("State = %v %q", state, reason)
	}
	if h.machine.Allows("normal") || !h.machine.Allows("high") {
		t.Fatal("gate does not restrict to the whitelist while quarantined")
	}

	outcome = h.handle(Command{Name: Resume})
	if !outcome.Accepted || outcome.Err != nil {
		t.Fatalf("Resume outcome = %+v", outcome)
	}
	if got := h.scheduler.Enabled(); !slices.Equal(got, before) {
		t.Fatalf("enabled after Resume = %v, want %v", got, before)
	}
	if kinds := reportKinds(t, h.scheduler); !slices.Equal(kinds, []string{PreQuarantine, PostQuarantine}) {
		t.Fatalf("reports = %v, want exactly one pre and one post", kinds)
	}
	for _, payload := range h.scheduler.Pending() {
		if _, ok := payload.Body.(Report); ok && (payload.Class != "high" || !payload.Detached) {
			t.Fatalf("report queued on %q (detached %v), want detached on high", payload.Class, payload.Detached)
		}
	}
	if !h.machine.Allows("diag") {
		t.Fatal("gate still restricts after Resume")
	}
}

func TestPreQuarantineReportDescribesPriorState(t *testing.T) {
	h := newHarness(t, nil)
	h.handle(Command{Name: Quarantine})

	var report Report
	for _, payload := range h.scheduler.Pending() {
		if body, ok := payload.Body.(Report); ok {
			report = body
		}
	}
	if report.Kind != PreQuarantine || report.State != "normal" {
		t.Fatalf("report = %+v", report)
	}
	if !slices.Equal(report.Enabled, []string{"high", "normal", "diag"}) {
		t.Fatalf("report.Enabled = %v", report.Enabled)
	}
	if !slices.Equal(report.Suspended, []string{"normal", "diag"}) {
		t.Fatalf("report.Suspended = %v", report.Suspended)
	}
}

func TestQuarantineInFlightPolicy(t *testing.T) {
	for _, test := range []struct {
		policy     InFlight
		wantNormal int
	}{
		{Discard, 0},
		{Retain, 1},
	} {
		h := newHarness(t, func(config *Config) { config.InFlight = test.policy })
		if _, err := h.scheduler.Tick(context.Background(), epoch); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		h.handle(Command{Name: Quarantine})
		status, _ := h.scheduler.Class("normal")
		if status.Queued != test.wantNormal {
			t.Errorf("policy %v: normal queued %d, want %d", test.policy, status.Queued, test.wantNormal)
		}
	}
}

func TestInvalidSignatureLeavesCadenceUnchanged(t *testing.T) {
	h := newHarness(t, nil)
	before, _ := h.scheduler.Class("normal")

	message := h.sign(Command{Name: AdjustCadence, Beat: "normal", Period: int64(5 * time.Second)})
	message[len(message)-1] ^= 0x01

	outcome := h.machine.Handle(message, epoch)
	if outcome.Accepted {
		t.Fatal("command with invalid signature accepted")
	}
	if !errors.Is(outcome.Err, ErrInvalidSignature) {
		t.Fatalf("rejection = %v, want ErrInvalidSignature", outcome.Err)
	}
	after, _ := h.scheduler.Class("normal")
	if after.Period != before.Period {
		t.Fatalf("period changed from %v to %v", before.Period, after.Period)
	}
}

func TestAdjustCadence(t *testing.T) {
	h := newHarness(t, nil)
	h.scheduler.Backoff(0.5)

	outcome := h.handle(Command{Name: AdjustCadence, Beat: "normal", Period: int64(15 * time.Second)})
	if !outcome.Accepted {
		t.Fatalf("AdjustCadence rejected: %v", outcome.Err)
	}
	status, _ := h.scheduler.Class("normal")
	if status.Period != 15*time.Second {
		t.Fatalf("period = %v, want 15s", status.Period)
	}
	if factor := h.scheduler.BackoffFactor(); factor != 1 {
		t.Fatalf("backoff factor after accepted command = %v, want 1", factor)
	}

	// Valid while quarantined, too.
	h.handle(Command{Name: Quarantine})
	outcome = h.handle(Command{Name: AdjustCadence, Beat: "high", Period: int64(5 * time.Second)})
	if !outcome.Accepted || outcome.From != Quarantined || outcome.To != Quarantined {
		t.Fatalf("AdjustCadence while quarantined = %+v", outcome)
	}
}

func TestRejections(t *testing.T) {
	tests := []struct {
		name    string
		command Command
		want    error
	}{
		{"expired", Command{Name: Resume, ExpiresAt: epoch.Unix()}, ErrExpired},
		{"future", Command{Name: Resume, IssuedAt: epoch.Add(time.Hour).Unix()}, ErrNotYetValid},
		{"other agent", Command{Name: Quarantine, Agent: "agent-2"}, ErrWrongAgent},
		{"unknown", Command{Name: "Reboot"}, ErrUnknownCommand},
		{"resume while normal", Command{Name: Resume}, ErrInvalidTransition},
		{"missing beat", Command{Name: AdjustCadence, Period: int64(time.Second)}, ErrInvalidParameters},
		{"undefined beat", Command{Name: AdjustCadence, Beat: "nope", Period: int64(time.Second)}, ErrInvalidParameters},
		{"zero period", Command{Name: AdjustCadence, Beat: "normal"}, ErrInvalidParameters},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			h := newHarness(t, nil)
			before := h.scheduler.Classes()
			outcome := h.handle(test.command)
			if outcome.Accepted {
				t.Fatal("command accepted")
			}
			if !errors.Is(outcome.Err, test.want) {
				t.Fatalf("rejection = %v, want %v", outcome.Err, test.want)
			}
			if after := h.scheduler.Classes(); !slices.Equal(after, before) {
				t.Fatalf("rejected command changed classes:\n before %+v\n after  %+v", before, after)
			}
			if state, _ := h.machine.State(); state != Normal {
				t.Fatalf("state = %v after rejection", state)
			}
		})
	}
}

func TestReplayIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	message := h.sign(Command{Name: DisableBeat, Beat: "diag"})

	if outcome := h.machine.Handle(message, epoch); !outcome.Accepted {
		t.Fatalf("first delivery rejected: %v", outcome.Err)
	}
	h.handle(Command{Name: EnableBeat, Beat: "diag"})

	outcome := h.machine.Handle(message, epoch.Add(time.Second))
	if !errors.Is(outcome.Err, ErrReplayed) {
		t.Fatalf("replay = %v, want ErrReplayed", outcome.Err)
	}
	if status, _ := h.scheduler.Class("diag"); !status.Enabled() {
		t.Fatal("replayed DisableBeat took effect")
	}
}

func TestHandlerPolicy(t *testing.T) {
	h := newHarness(t, func(config *Config) {
		config.Handlers = map[Name]Handler{
			AdjustCadence: {Enabled: true, Beats: []string{"diag"}},
			Quarantine:    {Enabled: false},
		}
	})

	if outcome := h.handle(Command{Name: Quarantine}); !errors.Is(outcome.Err, ErrHandlerDisabled) {
		t.Fatalf("disabled handler = %v, want ErrHandlerDisabled", outcome.Err)
	}
	if outcome := h.handle(Command{Name: Resume}); !errors.Is(outcome.Err, ErrHandlerDisabled) {
		t.Fatalf("unlisted handler = %v, want ErrHandlerDisabled", outcome.Err)
	}
	if outcome := h.handle(Command{Name: AdjustCadence, Beat: "normal", Period: int64(time.Second)}); !errors.Is(outcome.Err, ErrInvalidParameters) {
		t.Fatalf("restricted beat = %v, want ErrInvalidParameters", outcome.Err)
	}
	if outcome := h.handle(Command{Name: AdjustCadence, Beat: "diag", Period: int64(time.Second)}); !outcome.Accepted {
		t.Fatalf("allowed beat rejected: %v", outcome.Err)
	}
}

func TestEnableAndDisableBeat(t *testing.T) {
	h := newHarness(t, nil)

	if outcome := h.handle(Command{Name: EnableBeat, Beat: "debug"}); !outcome.Accepted {
		t.Fatalf("EnableBeat rejected: %v", outcome.Err)
	}
	if status, _ := h.scheduler.Class("debug"); !status.Enabled() {
		t.Fatal("debug not enabled")
	}

	h.handle(Command{Name: Quarantine})
	if outcome := h.handle(Command{Name: EnableBeat, Beat: "normal"}); !errors.Is(outcome.Err, ErrInvalidTransition) {
		t.Fatalf("EnableBeat of non-whitelisted class while quarantined = %v", outcome.Err)
	}

	// Disabling a suspended class keeps it off after Resume.
	if outcome := h.handle(Command{Name: DisableBeat, Beat: "diag"}); !outcome.Accepted {
		t.Fatalf("DisableBeat rejected: %v", outcome.Err)
	}
	h.handle(Command{Name: Resume})
	if got := h.scheduler.Enabled(); !slices.Equal(got, []string{"high", "normal", "debug"}) {
		t.Fatalf("enabled after Resume = %v", got)
	}
}

func TestNewMachineRejectsUndefinedReferences(t *testing.T) {
	source := beat.SourceFunc(func(context.Context, beat.Class) (beat.Snapshot, error) {
		return beat.Snapshot{}, nil
	})
	scheduler, err := beat.NewScheduler(beat.Config{
		Classes: []beat.Class{{Name: "high", Period: time.Second, Enabled: true}},
		Source:  source,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	public, _ := testKeypair(t)
	_, err = NewMachine(Config{
		Verifier:    Ed25519Verifier{PublicKey: public},
		Whitelist:   []string{"high", "vital"},
		ReportClass: "reports",
		Handlers: map[Name]Handler{
			AdjustCadence: {Enabled: true, Beats: []string{"ghost"}},
			"Reboot":      {Enabled: true},
		},
	}, scheduler)
	if err == nil {
		t.Fatal("NewMachine accepted undefined references")
	}
	for _, want := range []string{`"vital"`, `"reports"`, `"ghost"`, `"Reboot"`} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}
