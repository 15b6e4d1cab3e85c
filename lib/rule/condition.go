// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// Signals is one cycle's snapshot of named values. Boolean signals are
// 1 for true and 0 for false.
type Signals map[string]float64

// Bool converts a boolean to its signal value.
func Bool(value bool) float64 {
	if value {
		return 1
	}
	return 0
}

// Signal names produced by the agent itself. Host-provided metrics may
// use any other name.
const (
	SignalQueueDepth    = "queue_depth"
	SignalRetryCount    = "retry_count"
	SignalShedCount     = "shed_count"
	SignalDroppedCount  = "dropped_count"
	SignalRejectedCount = "rejected_count"
	SignalFlushedBytes  = "flushed_bytes"
	SignalCPU           = "cpu"
	SignalRSS           = "rss"
	SignalDegraded      = "degraded"
)

// Op is a comparison operator.
type Op uint8

const (
	// OpTrue tests a boolean signal: true when the signal is non-zero.
	OpTrue Op = iota
	OpGreater
	OpGreaterEqual
	OpLess
	OpLessEqual
	OpEqual
	OpNotEqual
)

var opSymbols = map[string]Op{
	">":  OpGreater,
	">=": OpGreaterEqual,
	"<":  OpLess,
	"<=": OpLessEqual,
	"==": OpEqual,
	"!=": OpNotEqual,
}

func (o Op) String() string {
	for symbol, op := range opSymbols {
		if op == o {
			return symbol
		}
	}
	if o == OpTrue {
		return "is"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Predicate is a condition over one signal.
type Predicate struct {
	Signal string
	Op     Op
	Value  float64
}

// Holds evaluates the predicate. A signal missing from the snapshot
// never satisfies the predicate.
func (p Predicate) Holds(signals Signals) bool {
	value, ok := signals[p.Signal]
	if !ok {
		return false
	}
	switch p.Op {
	case OpTrue:
		return value != 0
	case OpGreater:
		return value > p.Value
	case OpGreaterEqual:
		return value >= p.Value
	case OpLess:
		return value < p.Value
	case OpLessEqual:
		return value <= p.Value
	case OpEqual:
		return value == p.Value
	case OpNotEqual:
		return value != p.Value
	default:
		return false
	}
}

func (p Predicate) String() string {
	if p.Op == OpTrue {
		return p.Signal
	}
	return fmt.Sprintf("%s %s %s", p.Signal, p.Op, strconv.FormatFloat(p.Value, 'g', -1, 64))
}

var comparison = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_.]*)\s*(>=|<=|==|!=|>|<)\s*(\S+)$`)
var signalName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// ParsePredicate parses "signal op value" or a bare boolean signal
// name.
func ParsePredicate(text string) (Predicate, error) {
	text = strings.TrimSpace(text)
	if signalName.MatchString(text) {
		return Predicate{Signal: text, Op: OpTrue}, nil
	}
	match := comparison.FindStringSubmatch(text)
	if match == nil {
		return Predicate{}, fmt.Errorf("malformed condition %q (want \"signal op value\" or a boolean signal)", text)
	}
	value, err := parseValue(match[3])
	if err != nil {
		return Predicate{}, fmt.Errorf("condition %q: %w", text, err)
	}
	return Predicate{Signal: match[1], Op: opSymbols[match[2]], Value: value}, nil
}

// parseValue accepts plain numbers, percentages ("80%" is 80), and
// byte sizes ("512MiB").
func parseValue(text string) (float64, error) {
	if percent, ok := strings.CutSuffix(text, "%"); ok {
		value, err := strconv.ParseFloat(percent, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid percentage %q", text)
		}
		return value, nil
	}
	if value, err := strconv.ParseFloat(text, 64); err == nil {
		return value, nil
	}
	bytes, err := humanize.ParseBytes(text)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q (want a number, percentage, or byte size)", text)
	}
	return float64(bytes), nil
}

// Window is a predicate that must hold for Count consecutive cycles.
type Window struct {
	When  Predicate
	Count int
}

// ParseWindowed splits "<condition> for <N> cycles then <action>" into
// its window and the unparsed action text.
func ParseWindowed(text string) (Window, string, error) {
	head, action, found := strings.Cut(text, " then ")
	if !found {
		return Window{}, "", fmt.Errorf("missing \"then <action>\" in %q", text)
	}
	forIndex := strings.LastIndex(head, " for ")
	if forIndex < 0 {
		return Window{}, "", fmt.Errorf("missing \"for <N> cycles\" in %q", text)
	}
	predicate, err := ParsePredicate(head[:forIndex])
	if err != nil {
		return Window{}, "", err
	}

	fields := strings.Fields(head[forIndex+len(" for "):])
	if len(fields) != 2 || (fields[1] != "cycles" && fields[1] != "cycle") {
		return Window{}, "", fmt.Errorf("malformed window in %q (want \"for <N> cycles\")", text)
	}
	count, err := strconv.Atoi(fields[0])
	if err != nil || count < 1 {
		return Window{}, "", fmt.Errorf("window count %q must be a positive integer", fields[0])
	}

	action = strings.TrimSpace(action)
	if action == "" {
		return Window{}, "", fmt.Errorf("empty action in %q", text)
	}
	return Window{When: predicate, Count: count}, action, nil
}

// Counter tracks consecutive true cycles for a Window.
type Counter struct {
	consecutive int
	fired       bool
}

// Observe records one cycle's outcome and reports whether the window
// fires this cycle: exactly on the cycle the run of true outcomes
// reaches count. A false outcome resets the run and re-arms.
func (c *Counter) Observe(holds bool, count int) bool {
	if !holds {
		c.consecutive = 0
		c.fired = false
		return false
	}
	c.consecutive++
	if !c.fired && c.consecutive >= count {
		c.fired = true
		return true
	}
	return false
}

// Consecutive returns the current run length.
func (c *Counter) Consecutive() int { return c.consecutive }
