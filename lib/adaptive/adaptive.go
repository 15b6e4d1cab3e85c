// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package adaptive retunes beat cadence from host metrics. It uses the
// same windowed conditions as the health rule engine, but its only
// action is a cadence update:
//
//	cpu > 90% for 3 cycles then update beats.diag every 10m
//	cpu < 30% for 6 cycles then update beats.diag every 1m
//
// The controller reports mutations; the agent applies them to the
// scheduler after the health engine has run.
package adaptive

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bureau-foundation/beacon/lib/rule"
)

// Rule is a parsed adaptive rule.
type Rule struct {
	Name   string
	Source string
	Window rule.Window
	Class  string
	Period time.Duration
}

// Mutation is a cadence change to apply this cycle.
type Mutation struct {
	Rule   string
	Class  string
	Period time.Duration
}

// Parse parses one adaptive rule.
func Parse(name, text string) (Rule, error) {
	window, action, err := rule.ParseWindowed(text)
	if err != nil {
		return Rule{}, fmt.Errorf("adaptive rule %s: %w", name, err)
	}
	class, period, err := parseUpdate(action)
	if err != nil {
		return Rule{}, fmt.Errorf("adaptive rule %s: %w", name, err)
	}
	return Rule{Name: name, Source: text, Window: window, Class: class, Period: period}, nil
}

// parseUpdate parses "update beats.<class> every <duration>".
func parseUpdate(text string) (string, time.Duration, error) {
	fields := strings.Fields(text)
	if len(fields) != 4 || fields[0] != "update" || fields[2] != "every" {
		return "", 0, fmt.Errorf("action %q: want \"update beats.<class> every <duration>\"", text)
	}
	class, ok := strings.CutPrefix(fields[1], "beats.")
	if !ok || class == "" {
		return "", 0, fmt.Errorf("action %q: target must be beats.<class>", text)
	}
	period, err := time.ParseDuration(fields[3])
	if err != nil {
		return "", 0, fmt.Errorf("action %q: %w", text, err)
	}
	if period <= 0 {
		return "", 0, fmt.Errorf("action %q: period must be positive", text)
	}
	return class, period, nil
}

// Controller evaluates adaptive rules once per cycle. Not safe for
// concurrent use.
type Controller struct {
	rules    []Rule
	counters []rule.Counter
}

// New parses definitions. Every problem is reported, joined.
func New(definitions []rule.Definition) (*Controller, error) {
	controller := &Controller{}
	var errs []error
	for index, definition := range definitions {
		name := definition.Name
		if name == "" {
			name = fmt.Sprintf("adaptive-%d", index)
		}
		parsed, err := Parse(name, definition.Text)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		controller.rules = append(controller.rules, parsed)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	controller.counters = make([]rule.Counter, len(controller.rules))
	return controller, nil
}

// Rules returns the parsed rules.
func (c *Controller) Rules() []Rule { return c.rules }

// Evaluate advances every window and returns the mutations that fire
// this cycle, in rule order.
func (c *Controller) Evaluate(signals rule.Signals) []Mutation {
	var mutations []Mutation
	for index := range c.rules {
		adaptiveRule := &c.rules[index]
		if !c.counters[index].Observe(adaptiveRule.Window.When.Holds(signals), adaptiveRule.Window.Count) {
			continue
		}
		mutations = append(mutations, Mutation{
			Rule:   adaptiveRule.Name,
			Class:  adaptiveRule.Class,
			Period: adaptiveRule.Period,
		})
	}
	return mutations
}
