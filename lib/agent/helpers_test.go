// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/beacon/lib/beat"
	"github.com/bureau-foundation/beacon/lib/channel"
	"github.com/bureau-foundation/beacon/lib/clock"
	"github.com/bureau-foundation/beacon/lib/control"
	"github.com/bureau-foundation/beacon/lib/flush"
	"github.com/bureau-foundation/beacon/lib/testutil"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// recorder is a flush.Sender that decodes and keeps every frame. Once
// allow frames have been accepted, every further Send returns block
// (when set).
type recorder struct {
	mu       sync.Mutex
	frames   []flush.Frame
	attempts int
	allow    int
	block    error
	sent     chan struct{}
}

func newRecorder() *recorder {
	return &recorder{sent: make(chan struct{}, 64)}
}

func (r *recorder) Send(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.block != nil && len(r.frames) >= r.allow {
		return r.block
	}
	frame, err := flush.DecodeFrame(data)
	if err != nil {
		panic(err)
	}
	r.frames = append(r.frames, frame)
	select {
	case r.sent <- struct{}{}:
	default:
	}
	return nil
}

func (r *recorder) Frames() []flush.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]flush.Frame(nil), r.frames...)
}

func (r *recorder) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// inbox is a Receiver backed by a slice.
type inbox struct {
	mu       sync.Mutex
	messages [][]byte
}

func (i *inbox) push(message []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.messages = append(i.messages, message)
}

func (i *inbox) Recv() ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.messages) == 0 {
		return nil, channel.ErrWouldBlock
	}
	message := i.messages[0]
	i.messages = i.messages[1:]
	return message, nil
}

func staticSource() beat.Source {
	return beat.SourceFunc(func(context.Context, beat.Class) (beat.Snapshot, error) {
		return beat.Snapshot{CPU: 1, RSS: 1 << 20}, nil
	})
}

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

// testConfig returns a config with a fake clock, a static source, and
// a discarding logger. Callers fill in classes and policy.
func testConfig(fake *clock.FakeClock, telemetry flush.Sender) Config {
	return Config{
		ID:        "agent-test",
		Telemetry: telemetry,
		Source:    staticSource(),
		Clock:     fake,
		Logger:    discardLogger(),
	}
}

func newTestAgent(t *testing.T, config Config) *Agent {
	t.Helper()
	agent, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return agent
}

func runCycle(t *testing.T, agent *Agent) {
	t.Helper()
	if err := agent.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
}

type signer struct {
	t       *testing.T
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

func newSigner(t *testing.T) *signer {
	t.Helper()
	public, private, err := control.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	return &signer{t: t, public: public, private: private}
}

func (s *signer) verifier() control.Verifier {
	return control.Ed25519Verifier{PublicKey: s.public}
}

func (s *signer) sign(command control.Command) []byte {
	s.t.Helper()
	command.ID = testutil.UniqueID("cmd")
	command.IssuedAt = epoch.Unix()
	command.ExpiresAt = epoch.Add(time.Hour).Unix()
	message, err := control.Sign(s.private, &command)
	if err != nil {
		s.t.Fatalf("Sign: %v", err)
	}
	return message
}

func eventsOfKind(agent *Agent, kind EventKind) []Event {
	var matched []Event
	for _, event := range agent.Events() {
		if event.Kind == kind {
			matched = append(matched, event)
		}
	}
	return matched
}
