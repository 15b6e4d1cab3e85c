// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package flush

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/beacon/lib/beat"
	"github.com/bureau-foundation/beacon/lib/channel"
	"github.com/bureau-foundation/beacon/lib/codec"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// scriptedSender returns the scripted errors in order, then nil. Frames
// that were accepted are recorded.
type scriptedSender struct {
	script []error
	frames [][]byte
}

func (s *scriptedSender) Send(data []byte) error {
	if len(s.script) > 0 {
		err := s.script[0]
		s.script = s.script[1:]
		if err != nil {
			return err
		}
	}
	s.frames = append(s.frames, bytes.Clone(data))
	return nil
}

// blockAfter accepts n frames and then reports ErrWouldBlock.
func blockAfter(n int) *scriptedSender {
	script := make([]error, n, n+16)
	for i := 0; i < 16; i++ {
		script = append(script, channel.ErrWouldBlock)
	}
	return &scriptedSender{script: script}
}

type fixedSource struct{ body beat.Snapshot }

func (f fixedSource) Sample(context.Context, beat.Class) (beat.Snapshot, error) {
	return f.body, nil
}

func newScheduler(t *testing.T, source beat.Source, classes ...beat.Class) *beat.Scheduler {
	t.Helper()
	scheduler, err := beat.NewScheduler(beat.Config{Classes: classes, Source: source, Start: epoch})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return scheduler
}

func newController(t *testing.T, config Config) *Controller {
	t.Helper()
	controller, err := NewController(config)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return controller
}

var (
	highClass = beat.Class{Name: "high", Period: 10 * time.Second, Priority: 100, Enabled: true}
	diagClass = beat.Class{Name: "diag", Period: 5 * time.Minute, Priority: 10, Enabled: true}
)

func TestWouldBlockShedsDiagAndKeepsHighWritten(t *testing.T) {
	scheduler := newScheduler(t, fixedSource{}, highClass, diagClass)
	if _, err := scheduler.Tick(context.Background(), epoch); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	controller := newController(t, Config{
		Budget: 64 * 1024,
		Shed:   []string{"diag"},
		Keep:   []string{"high"},
	})

	sender := blockAfter(1)
	result, err := controller.Flush(scheduler, sender)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if result.Written != 1 {
		t.Fatalf("Written = %d, want 1", result.Written)
	}
	frame, err := DecodeFrame(sender.frames[0])
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if frame.Class != "high" {
		t.Fatalf("written frame class = %q, want high", frame.Class)
	}
	if result.Shed != 1 || result.ShedByClass["diag"] != 1 {
		t.Fatalf("shed = %d (%v), want diag shed once", result.Shed, result.ShedByClass)
	}
	if !result.Blocked {
		t.Fatal("Blocked not set")
	}
	if scheduler.Len() != 0 {
		t.Fatalf("queue length %d after shed, want 0", scheduler.Len())
	}
	if totals := controller.Totals(); totals.Shed != 1 {
		t.Fatalf("Totals.Shed = %d, want 1", totals.Shed)
	}

	// Shedding is per cycle: diag stays enabled and its next beat is
	// queued normally.
	status, _ := scheduler.Class("diag")
	if !status.Enabled() {
		t.Fatal("shed class was disabled")
	}
	if _, err := scheduler.Tick(context.Background(), epoch.Add(5*time.Minute)); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if status, _ := scheduler.Class("diag"); status.Queued != 1 {
		t.Fatalf("diag queued %d after shed cycle, want 1", status.Queued)
	}
}

func TestWouldBlockRetainsKeepListClasses(t *testing.T) {
	scheduler := newScheduler(t, fixedSource{}, highClass, diagClass)
	scheduler.Tick(context.Background(), epoch)
	controller := newController(t, Config{Shed: []string{"diag"}, Keep: []string{"high"}})

	result, err := controller.Flush(scheduler, blockAfter(0))
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if result.Retried != 1 || result.Shed != 1 {
		t.Fatalf("result = %+v, want high retried and diag shed", result)
	}
	pending := scheduler.Pending()
	if len(pending) != 1 || pending[0].Class != "high" {
		t.Fatalf("pending = %+v, want high retained", pending)
	}

	// Next cycle the channel drains and high goes out.
	sender := &scriptedSender{}
	result, err = controller.Flush(scheduler, sender)
	if err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if result.Written != 1 || scheduler.Len() != 0 {
		t.Fatalf("second flush wrote %d, queue %d", result.Written, scheduler.Len())
	}
}

func TestUnlistedPolicy(t *testing.T) {
	normal := beat.Class{Name: "normal", Period: time.Minute, Priority: 50, Enabled: true}
	for _, test := range []struct {
		policy     Policy
		wantQueued int
	}{
		{Retain, 1},
		{Shed, 0},
	} {
		t.Run(test.policy.String(), func(t *testing.T) {
			scheduler := newScheduler(t, fixedSource{}, normal)
			scheduler.Tick(context.Background(), epoch)
			controller := newController(t, Config{Unlisted: test.policy})
			if _, err := controller.Flush(scheduler, blockAfter(0)); err != nil {
				t.Fatalf("Flush: %v", err)
			}
			if scheduler.Len() != test.wantQueued {
				t.Fatalf("queue length %d, want %d", scheduler.Len(), test.wantQueued)
			}
		})
	}
}

func TestBudgetIsNeverExceeded(t *testing.T) {
	classes := []beat.Class{
		{Name: "a", Period: time.Second, Priority: 30, Enabled: true},
		{Name: "b", Period: time.Second, Priority: 20, Enabled: true},
		{Name: "c", Period: time.Second, Priority: 10, Enabled: true},
	}
	source := fixedSource{body: beat.Snapshot{Metrics: map[string]float64{
		"alpha": 1, "beta": 2, "gamma": 3, "delta": 4,
	}}}
	scheduler := newScheduler(t, source, classes...)
	scheduler.Tick(context.Background(), epoch)

	// Measure one frame to size the budget for exactly two.
	probe := scheduler.Pending()[0]
	frame, err := encodeFrame("", probe, CompressionNone)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	budget := 2*len(frame) + len(frame)/2

	controller := newController(t, Config{Budget: budget})
	sender := &scriptedSender{}
	result, err := controller.Flush(scheduler, sender)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if result.Bytes > budget {
		t.Fatalf("flushed %d bytes, budget %d", result.Bytes, budget)
	}
	if result.Written != 2 || result.Deferred != 1 {
		t.Fatalf("result = %+v, want 2 written and 1 deferred", result)
	}
	if pending := scheduler.Pending(); len(pending) != 1 || pending[0].Class != "c" {
		t.Fatalf("pending = %+v, want lowest priority deferred", pending)
	}
}

func TestOversizedPayloadIsDropped(t *testing.T) {
	scheduler := newScheduler(t, fixedSource{}, highClass)
	if _, err := scheduler.Inject("high", strings.Repeat("x", 4096), epoch); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	controller := newController(t, Config{Budget: 1024})
	result, err := controller.Flush(scheduler, &scriptedSender{})
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if result.Dropped != 1 || scheduler.Len() != 0 {
		t.Fatalf("result = %+v, queue %d; want oversized payload dropped", result, scheduler.Len())
	}
}

func TestFrameOverDatagramLimitIsDroppedAndOthersFlow(t *testing.T) {
	left, right, err := channel.Socketpair()
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	telemetry, err := channel.Wrap(left, channel.Exclusive, 0)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	t.Cleanup(func() { telemetry.Close() })
	peer, err := channel.Wrap(right, channel.Exclusive, 0)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	t.Cleanup(func() { peer.Close() })

	bulkClass := beat.Class{Name: "bulk", Period: time.Minute, Priority: 1, Enabled: true}
	scheduler := newScheduler(t, fixedSource{}, highClass, bulkClass)
	if _, err := scheduler.Inject("high", strings.Repeat("x", 4<<20), epoch); err != nil {
		t.Fatalf("Inject(high): %v", err)
	}
	if _, err := scheduler.Inject("bulk", "small", epoch); err != nil {
		t.Fatalf("Inject(bulk): %v", err)
	}
	controller := newController(t, Config{Budget: 16 << 20})

	result, err := controller.Flush(scheduler, telemetry)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if result.Dropped != 1 || result.Written != 1 || result.Retried != 0 {
		t.Fatalf("result = %+v, want 1 dropped and 1 written", result)
	}
	if scheduler.Len() != 0 {
		t.Fatalf("queue length %d, want 0", scheduler.Len())
	}

	data, err := peer.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	frame, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if frame.Class != "bulk" {
		t.Fatalf("written class = %q, want bulk", frame.Class)
	}
}

func TestClosedChannelIsFatal(t *testing.T) {
	scheduler := newScheduler(t, fixedSource{}, highClass, diagClass)
	scheduler.Tick(context.Background(), epoch)
	controller := newController(t, Config{})

	_, err := controller.Flush(scheduler, &scriptedSender{script: []error{channel.ErrClosed}})
	if !errors.Is(err, channel.ErrClosed) {
		t.Fatalf("Flush = %v, want ErrClosed", err)
	}
	if scheduler.Len() != 2 {
		t.Fatalf("queue length %d, want both payloads kept", scheduler.Len())
	}
}

func TestIoErrorRetainsAndStops(t *testing.T) {
	scheduler := newScheduler(t, fixedSource{}, highClass, diagClass)
	scheduler.Tick(context.Background(), epoch)
	controller := newController(t, Config{})

	ioError := &channel.IoError{Op: "send", Err: errors.New("no buffer space")}
	sender := &scriptedSender{script: []error{ioError}}
	result, err := controller.Flush(scheduler, sender)
	var got *channel.IoError
	if !errors.As(err, &got) {
		t.Fatalf("Flush = %v, want *IoError", err)
	}
	if result.Retried != 1 || result.Written != 0 {
		t.Fatalf("result = %+v, want 1 retry and nothing written", result)
	}
	if scheduler.Len() != 2 {
		t.Fatalf("queue length %d, want 2", scheduler.Len())
	}
}

type gateFunc func(string) bool

func (g gateFunc) Allows(class string) bool { return g(class) }

func TestGateSkipsDisallowedPayloads(t *testing.T) {
	scheduler := newScheduler(t, fixedSource{}, highClass, diagClass)
	scheduler.Tick(context.Background(), epoch)
	controller := newController(t, Config{
		Gate: gateFunc(func(class string) bool { return class == "high" }),
	})
	sender := &scriptedSender{}
	result, err := controller.Flush(scheduler, sender)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if result.Written != 1 || result.Skipped != 1 {
		t.Fatalf("result = %+v, want high written and diag skipped", result)
	}
	if pending := scheduler.Pending(); len(pending) != 1 || pending[0].Class != "diag" {
		t.Fatalf("pending = %+v, want diag retained", pending)
	}
}

func TestCompressedFramesRoundTrip(t *testing.T) {
	for _, algorithm := range []Compression{CompressionLZ4, CompressionZstd} {
		t.Run(algorithm.String(), func(t *testing.T) {
			scheduler := newScheduler(t, fixedSource{}, diagClass)
			body := map[string]string{"log": strings.Repeat("repetitive diagnostic line\n", 64)}
			if _, err := scheduler.Inject("diag", body, epoch); err != nil {
				t.Fatalf("Inject: %v", err)
			}
			controller := newController(t, Config{
				Agent:       "agent-1",
				Compression: map[string]Compression{"diag": algorithm},
			})
			sender := &scriptedSender{}
			if _, err := controller.Flush(scheduler, sender); err != nil {
				t.Fatalf("Flush: %v", err)
			}

			var raw Frame
			if err := codec.Unmarshal(sender.frames[0], &raw); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if raw.Compression != algorithm {
				t.Fatalf("frame compression = %v, want %v", raw.Compression, algorithm)
			}

			frame, err := DecodeFrame(sender.frames[0])
			if err != nil {
				t.Fatalf("DecodeFrame: %v", err)
			}
			var decoded map[string]string
			if err := codec.Unmarshal(frame.Body, &decoded); err != nil {
				t.Fatalf("decoding body: %v", err)
			}
			if decoded["log"] != body["log"] || frame.Agent != "agent-1" {
				t.Fatalf("round trip mismatch: agent %q", frame.Agent)
			}
			if !frame.Timestamp().Equal(epoch) {
				t.Fatalf("frame time = %v, want %v", frame.Timestamp(), epoch)
			}
		})
	}
}

func TestIncompressibleBodyFallsBackToNone(t *testing.T) {
	data := []byte{0x01, 0x02}
	out, used, err := compress(data, CompressionZstd)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if used != CompressionNone || !bytes.Equal(out, data) {
		t.Fatalf("compress(tiny) = %v, %x; want uncompressed", used, out)
	}
}

func TestNewControllerRejectsConflictingLists(t *testing.T) {
	if _, err := NewController(Config{Shed: []string{"diag"}, Keep: []string{"diag"}}); err == nil {
		t.Fatal("NewController accepted a class on both lists")
	}
}
