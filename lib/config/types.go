// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("30s",
// "5m").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) parse(text string) error {
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalYAML accepts a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	return d.parse(value.Value)
}

// UnmarshalJSON accepts a duration string.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(text)
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// ByteSize is a byte count written either as an integer or with a
// unit ("64KiB", "1 MB").
type ByteSize int64

func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

func (b *ByteSize) parse(text string) error {
	parsed, err := humanize.ParseBytes(text)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", text, err)
	}
	*b = ByteSize(parsed)
	return nil
}

// UnmarshalYAML accepts an integer or a size string.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: byte size must be a scalar", value.Line)
	}
	return b.parse(value.Value)
}

// UnmarshalJSON accepts a number or a size string.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] != '"' {
		parsed, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid byte size %s: %w", data, err)
		}
		*b = ByteSize(parsed)
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	return b.parse(text)
}

// RuleEntry is one rule. It may be written as a bare string or as a
// mapping with a name:
//
//	rules:
//	  - "retry_count > 3 for 2 cycles then warn"
//	  - name: backlog
//	    rule: "queue_depth > 80% for 2 cycles then backoff(rate=0.5)"
type RuleEntry struct {
	Name string `yaml:"name" json:"name"`
	Rule string `yaml:"rule" json:"rule"`
}

// UnmarshalYAML supports both the string and mapping forms.
func (r *RuleEntry) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		r.Name = ""
		r.Rule = value.Value
		return nil
	}
	type rawRuleEntry RuleEntry
	var raw rawRuleEntry
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*r = RuleEntry(raw)
	return nil
}

// UnmarshalJSON supports both the string and object forms.
func (r *RuleEntry) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		r.Name = ""
		return json.Unmarshal(data, &r.Rule)
	}
	type rawRuleEntry RuleEntry
	var raw rawRuleEntry
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&raw); err != nil {
		return err
	}
	*r = RuleEntry(raw)
	return nil
}
