// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rule

import (
	"errors"
	"fmt"
	"maps"
)

// Definition is a rule as it appears in configuration.
type Definition struct {
	// Name identifies the rule in logs, events, and the degraded
	// list. Defaults to "rule-<index>".
	Name string
	Text string
}

// Rule is a parsed health rule.
type Rule struct {
	Name   string
	Source string
	Window Window
	Action Action
}

// Parse parses one health rule.
func Parse(name, text string) (Rule, error) {
	window, actionText, err := ParseWindowed(text)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: %w", name, err)
	}
	action, err := ParseAction(actionText)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: %w", name, err)
	}
	return Rule{Name: name, Source: text, Window: window, Action: action}, nil
}

// Firing is one rule action to be applied this cycle.
type Firing struct {
	Rule   string
	Action Action

	// Cycles is the window length that was reached.
	Cycles int
}

// Engine evaluates health rules once per cycle. Not safe for
// concurrent use; the agent loop owns it.
type Engine struct {
	rules    []Rule
	counters []Counter
	degraded []int
	enforced bool
}

// NewEngine parses definitions and resolves the degraded subset. Every
// problem is reported, joined.
func NewEngine(definitions []Definition, degraded []string) (*Engine, error) {
	engine := &Engine{}
	var errs []error
	byName := make(map[string]int, len(definitions))

	for index, definition := range definitions {
		name := definition.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", index)
		}
		if _, duplicate := byName[name]; duplicate {
			errs = append(errs, fmt.Errorf("rule %s: duplicate name", name))
			continue
		}
		parsed, err := Parse(name, definition.Text)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		byName[name] = len(engine.rules)
		engine.rules = append(engine.rules, parsed)
	}

	for _, name := range degraded {
		index, ok := byName[name]
		if !ok {
			errs = append(errs, fmt.Errorf("degraded: unknown rule %q", name))
			continue
		}
		if engine.rules[index].Window.When.Signal == SignalDegraded {
			errs = append(errs, fmt.Errorf("degraded: rule %s reads degraded itself", name))
			continue
		}
		engine.degraded = append(engine.degraded, index)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	engine.counters = make([]Counter, len(engine.rules))
	return engine, nil
}

// Rules returns the parsed rules in evaluation order.
func (e *Engine) Rules() []Rule { return e.rules }

// Enforced reports whether an enforce(die) rule has fired.
func (e *Engine) Enforced() bool { return e.enforced }

// Degraded computes the derived degraded signal: true when any rule in
// the degraded subset has its condition true right now.
func (e *Engine) Degraded(signals Signals) bool {
	for _, index := range e.degraded {
		if e.rules[index].Window.When.Holds(signals) {
			return true
		}
	}
	return false
}

// Evaluate runs one cycle. It derives degraded first, then advances
// every rule's window in order and returns the actions that fire. Once
// an enforce action has fired the engine is terminal and Evaluate
// returns nothing.
//
// The returned Signals is the input plus the derived degraded value.
func (e *Engine) Evaluate(signals Signals) ([]Firing, Signals) {
	evaluated := maps.Clone(signals)
	if evaluated == nil {
		evaluated = Signals{}
	}
	evaluated[SignalDegraded] = Bool(e.Degraded(signals))

	if e.enforced {
		return nil, evaluated
	}

	var firings []Firing
	for index := range e.rules {
		rule := &e.rules[index]
		if !e.counters[index].Observe(rule.Window.When.Holds(evaluated), rule.Window.Count) {
			continue
		}
		firings = append(firings, Firing{Rule: rule.Name, Action: rule.Action, Cycles: rule.Window.Count})
		if rule.Action.Kind == ActionEnforce {
			e.enforced = true
		}
	}
	return firings, evaluated
}

// Consecutive returns the current run length of the named rule, or -1
// if there is no such rule.
func (e *Engine) Consecutive(name string) int {
	for index, rule := range e.rules {
		if rule.Name == name {
			return e.counters[index].Consecutive()
		}
	}
	return -1
}
