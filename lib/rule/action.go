// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rule

import (
	"fmt"
	"strconv"
	"strings"
)

// ActionKind identifies what a rule does when it fires.
type ActionKind uint8

const (
	ActionWarn ActionKind = iota + 1
	ActionBackoff
	ActionRestore
	ActionRaiseEvent
	ActionEnforce
)

func (k ActionKind) String() string {
	switch k {
	case ActionWarn:
		return "warn"
	case ActionBackoff:
		return "backoff"
	case ActionRestore:
		return "restore"
	case ActionRaiseEvent:
		return "raise_event"
	case ActionEnforce:
		return "enforce"
	default:
		return fmt.Sprintf("action(%d)", uint8(k))
	}
}

// Severity grades a raised event.
type Severity uint8

const (
	SeverityInfo Severity = iota + 1
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", uint8(s))
	}
}

// ParseSeverity parses a severity name.
func ParseSeverity(name string) (Severity, error) {
	switch name {
	case "info":
		return SeverityInfo, nil
	case "warning", "warn":
		return SeverityWarning, nil
	case "error":
		return SeverityError, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return 0, fmt.Errorf("unknown severity %q", name)
	}
}

// Action is a parsed rule action.
type Action struct {
	Kind ActionKind

	// Rate is the backoff rate in (0, 1].
	Rate float64

	// Event, Severity, and LogOnly describe raise_event. Every raised
	// event is queued as a diagnostic payload; LogOnly is carried on it
	// to mark events that record a condition without asking for any
	// response.
	Event    string
	Severity Severity
	LogOnly  bool
}

func (a Action) String() string {
	switch a.Kind {
	case ActionBackoff:
		return fmt.Sprintf("backoff(rate=%s)", strconv.FormatFloat(a.Rate, 'g', -1, 64))
	case ActionRaiseEvent:
		if a.LogOnly {
			return fmt.Sprintf("raise_event(%s, %s, log_only)", a.Event, a.Severity)
		}
		return fmt.Sprintf("raise_event(%s, %s)", a.Event, a.Severity)
	case ActionEnforce:
		return "enforce(die)"
	default:
		return a.Kind.String()
	}
}

// splitCall parses "name" or "name(arg, key=value, ...)".
func splitCall(text string) (string, []string, error) {
	open := strings.IndexByte(text, '(')
	if open < 0 {
		return strings.TrimSpace(text), nil, nil
	}
	if !strings.HasSuffix(text, ")") {
		return "", nil, fmt.Errorf("unbalanced parentheses in %q", text)
	}
	name := strings.TrimSpace(text[:open])
	inner := strings.TrimSpace(text[open+1 : len(text)-1])
	if inner == "" {
		return name, nil, nil
	}
	var arguments []string
	for _, argument := range strings.Split(inner, ",") {
		arguments = append(arguments, strings.TrimSpace(argument))
	}
	return name, arguments, nil
}

// argumentValue strips an optional "key=" prefix, checking the key.
func argumentValue(argument, key string) (string, error) {
	name, value, found := strings.Cut(argument, "=")
	if !found {
		return argument, nil
	}
	if strings.TrimSpace(name) != key {
		return "", fmt.Errorf("unexpected argument %q (want %s)", strings.TrimSpace(name), key)
	}
	return strings.TrimSpace(value), nil
}

// ParseAction parses a health rule action.
func ParseAction(text string) (Action, error) {
	name, arguments, err := splitCall(strings.TrimSpace(text))
	if err != nil {
		return Action{}, err
	}
	switch name {
	case "warn":
		if len(arguments) != 0 {
			return Action{}, fmt.Errorf("warn takes no arguments")
		}
		return Action{Kind: ActionWarn}, nil

	case "restore":
		if len(arguments) != 0 {
			return Action{}, fmt.Errorf("restore takes no arguments")
		}
		return Action{Kind: ActionRestore}, nil

	case "backoff":
		if len(arguments) != 1 {
			return Action{}, fmt.Errorf("backoff takes one argument (rate)")
		}
		value, err := argumentValue(arguments[0], "rate")
		if err != nil {
			return Action{}, fmt.Errorf("backoff: %w", err)
		}
		rate, err := strconv.ParseFloat(value, 64)
		if err != nil || !(rate > 0 && rate <= 1) {
			return Action{}, fmt.Errorf("backoff rate %q must be a number in (0, 1]", value)
		}
		return Action{Kind: ActionBackoff, Rate: rate}, nil

	case "raise_event":
		if len(arguments) < 1 || len(arguments) > 3 {
			return Action{}, fmt.Errorf("raise_event takes (name[, severity][, log_only])")
		}
		action := Action{Kind: ActionRaiseEvent, Severity: SeverityWarning}
		action.Event, err = argumentValue(arguments[0], "name")
		if err != nil {
			return Action{}, fmt.Errorf("raise_event: %w", err)
		}
		if !signalName.MatchString(action.Event) {
			return Action{}, fmt.Errorf("raise_event: invalid event name %q", action.Event)
		}
		for _, argument := range arguments[1:] {
			if argument == "log_only" {
				action.LogOnly = true
				continue
			}
			value, err := argumentValue(argument, "severity")
			if err != nil {
				return Action{}, fmt.Errorf("raise_event: %w", err)
			}
			action.Severity, err = ParseSeverity(value)
			if err != nil {
				return Action{}, fmt.Errorf("raise_event: %w", err)
			}
		}
		return action, nil

	case "enforce":
		if len(arguments) != 1 || arguments[0] != "die" {
			return Action{}, fmt.Errorf("enforce supports only enforce(die)")
		}
		return Action{Kind: ActionEnforce}, nil

	default:
		return Action{}, fmt.Errorf("unknown action %q (want warn, backoff, restore, raise_event, or enforce)", name)
	}
}
