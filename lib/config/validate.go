// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/bureau-foundation/beacon/lib/adaptive"
	"github.com/bureau-foundation/beacon/lib/beat"
	"github.com/bureau-foundation/beacon/lib/channel"
	"github.com/bureau-foundation/beacon/lib/control"
	"github.com/bureau-foundation/beacon/lib/flush"
	"github.com/bureau-foundation/beacon/lib/rule"
)

// Validate checks the configuration and returns every problem found,
// joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Cycle <= 0 {
		add("cycle must be positive, got %s", c.Cycle)
	}
	if c.QueueCapacity < 0 {
		add("queue_capacity must not be negative")
	}
	if c.JournalSize < 0 {
		add("journal_size must not be negative")
	}

	defined := make(map[string]bool, len(c.Beats))
	if len(c.Beats) == 0 {
		add("beats: at least one beat class is required")
	}
	for index, b := range c.Beats {
		if b.Name == "" {
			add("beats[%d]: name is required", index)
			continue
		}
		if defined[b.Name] {
			add("beats.%s: duplicate class name", b.Name)
		}
		defined[b.Name] = true
		if b.Period <= 0 {
			add("beats.%s: period must be positive", b.Name)
		}
		if _, err := beat.ParseCoalesce(b.Coalesce); err != nil {
			add("beats.%s: %v", b.Name, err)
		}
		if _, err := flush.ParseCompression(b.Compress); err != nil {
			add("beats.%s: %v", b.Name, err)
		}
	}
	references := func(field string, names ...string) {
		for _, name := range names {
			if !defined[name] {
				add("%s: undefined beat class %q", field, name)
			}
		}
	}

	if c.Flush.Budget < 0 {
		add("flush.budget must not be negative")
	}
	references("flush.shed", c.Flush.Shed...)
	references("flush.keep", c.Flush.Keep...)
	for _, name := range c.Flush.Shed {
		if slices.Contains(c.Flush.Keep, name) {
			add("flush: class %q is on both the shed and keep lists", name)
		}
	}
	if _, err := flush.ParsePolicy(c.Flush.Unlisted); err != nil {
		add("flush.unlisted: %v", err)
	}

	if _, err := rule.NewEngine(c.RuleDefinitions(), c.Degraded); err != nil {
		errs = append(errs, fmt.Errorf("rules: %w", err))
	}
	if controller, err := adaptive.New(c.AdaptiveDefinitions()); err != nil {
		errs = append(errs, fmt.Errorf("adaptive: %w", err))
	} else {
		for _, parsed := range controller.Rules() {
			references("adaptive rule "+parsed.Name, parsed.Class)
		}
	}

	references("control.whitelist", c.Control.Whitelist...)
	if c.Control.ReportClass != "" {
		references("control.report_class", c.Control.ReportClass)
	}
	if _, err := control.ParseInFlight(c.Control.InFlight); err != nil {
		add("control.in_flight: %v", err)
	}
	if c.Control.MaxSkew < 0 {
		add("control.max_skew must not be negative")
	}
	for name, handler := range c.Control.Handlers {
		if !control.Known(control.Name(name)) {
			add("control.handlers: unknown command %q", name)
		}
		references("control.handlers."+name+".beats", handler.Beats...)
	}
	if c.Channels.Control.Configured() && c.Control.PublicKey == "" {
		add("control.public_key is required when channels.control is set")
	}

	if c.EventClass != "" {
		references("event_class", c.EventClass)
	}

	if !c.Channels.Telemetry.Configured() {
		add("channels.telemetry: fd or path is required")
	}
	for field, endpoint := range map[string]Endpoint{
		"channels.telemetry": c.Channels.Telemetry,
		"channels.notify":    c.Channels.Notify,
		"channels.control":   c.Channels.Control,
	} {
		if endpoint.FD != nil && endpoint.Path != "" {
			add("%s: fd and path are mutually exclusive", field)
		}
		if endpoint.FD != nil && *endpoint.FD < 0 {
			add("%s: fd must not be negative", field)
		}
		if _, err := channel.ParseDiscipline(endpoint.Discipline); err != nil {
			add("%s: %v", field, err)
		}
	}
	if c.Channels.MaxMessage < 0 {
		add("channels.max_message must not be negative")
	}

	if _, err := c.LogLevel(); err != nil {
		add("log.level: %v", err)
	}

	return errors.Join(errs...)
}

// Classes converts the beat declarations. Call after Validate.
func (c *Config) Classes() []beat.Class {
	classes := make([]beat.Class, 0, len(c.Beats))
	for _, b := range c.Beats {
		coalesce, _ := beat.ParseCoalesce(b.Coalesce)
		classes = append(classes, beat.Class{
			Name:     b.Name,
			Period:   b.Period.Std(),
			Purpose:  b.Purpose,
			Coalesce: coalesce,
			Priority: b.Priority,
			Enabled:  b.IsEnabled(),
		})
	}
	return classes
}

// Compression returns the per-class compression map. Call after
// Validate.
func (c *Config) Compression() map[string]flush.Compression {
	compression := make(map[string]flush.Compression)
	for _, b := range c.Beats {
		if parsed, _ := flush.ParseCompression(b.Compress); parsed != flush.CompressionNone {
			compression[b.Name] = parsed
		}
	}
	return compression
}

// UnlistedPolicy returns the parsed flush.unlisted policy.
func (c *Config) UnlistedPolicy() flush.Policy {
	policy, _ := flush.ParsePolicy(c.Flush.Unlisted)
	return policy
}

// RuleDefinitions returns the health rules.
func (c *Config) RuleDefinitions() []rule.Definition {
	return definitions(c.Rules)
}

// AdaptiveDefinitions returns the adaptive rules.
func (c *Config) AdaptiveDefinitions() []rule.Definition {
	return definitions(c.Adaptive)
}

func definitions(entries []RuleEntry) []rule.Definition {
	if len(entries) == 0 {
		return nil
	}
	result := make([]rule.Definition, len(entries))
	for index, entry := range entries {
		result[index] = rule.Definition{Name: entry.Name, Text: entry.Rule}
	}
	return result
}

// ControlHandlers converts the handler table. An empty table returns
// nil, which enables every command.
func (c *Config) ControlHandlers() map[control.Name]control.Handler {
	if len(c.Control.Handlers) == 0 {
		return nil
	}
	handlers := make(map[control.Name]control.Handler, len(c.Control.Handlers))
	for name, handler := range c.Control.Handlers {
		handlers[control.Name(name)] = control.Handler{
			Enabled: handler.IsEnabled(),
			Beats:   handler.Beats,
		}
	}
	return handlers
}

// InFlightPolicy returns the parsed control.in_flight policy.
func (c *Config) InFlightPolicy() control.InFlight {
	policy, _ := control.ParseInFlight(c.Control.InFlight)
	return policy
}

// LogLevel parses log.level. Empty is info.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if c.Log.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, err
	}
	return level, nil
}
