// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the configuration of one agent instance.
type Config struct {
	// Name labels the instance in logs and metrics.
	Name string `yaml:"name" json:"name"`

	// ID is stamped into every frame. Empty generates a random UUID at
	// startup.
	ID string `yaml:"id" json:"id"`

	// Cycle is the loop tick interval.
	Cycle Duration `yaml:"cycle" json:"cycle"`

	Beats []BeatConfig `yaml:"beats" json:"beats"`

	// QueueCapacity bounds the scheduler queue.
	QueueCapacity int `yaml:"queue_capacity" json:"queue_capacity"`

	Flush FlushConfig `yaml:"flush" json:"flush"`

	// Rules are health rules, evaluated in order.
	Rules []RuleEntry `yaml:"rules" json:"rules"`

	// Degraded names the rules whose conditions make up the derived
	// degraded signal.
	Degraded []string `yaml:"degraded" json:"degraded"`

	// Adaptive are cadence rules driven by host metrics.
	Adaptive []RuleEntry `yaml:"adaptive" json:"adaptive"`

	Control ControlConfig `yaml:"control" json:"control"`

	// EventClass carries raise_event payloads and rejection events.
	EventClass string `yaml:"event_class" json:"event_class"`

	// JournalSize bounds the in-memory event journal.
	JournalSize int `yaml:"journal_size" json:"journal_size"`

	Channels ChannelsConfig `yaml:"channels" json:"channels"`

	Log LogConfig `yaml:"log" json:"log"`
}

// BeatConfig declares one beat class.
type BeatConfig struct {
	Name    string   `yaml:"name" json:"name"`
	Period  Duration `yaml:"period" json:"period"`
	Purpose string   `yaml:"purpose" json:"purpose"`

	// Coalesce is latest, drop_first, or none.
	Coalesce string `yaml:"coalesce" json:"coalesce"`

	// Priority orders the queue; higher flushes first.
	Priority int `yaml:"priority" json:"priority"`

	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled" json:"enabled"`

	// Compress is none, lz4, or zstd.
	Compress string `yaml:"compress" json:"compress"`
}

// IsEnabled reports the effective enabled flag.
func (b BeatConfig) IsEnabled() bool { return b.Enabled == nil || *b.Enabled }

// FlushConfig configures the per-cycle budget and shed policy.
type FlushConfig struct {
	Budget ByteSize `yaml:"budget" json:"budget"`

	// Shed lists classes discarded when the telemetry channel would
	// block; Keep lists classes retained for retry.
	Shed []string `yaml:"shed" json:"shed"`
	Keep []string `yaml:"keep" json:"keep"`

	// Unlisted is retain or shed.
	Unlisted string `yaml:"unlisted" json:"unlisted"`
}

// ControlConfig configures the signed command channel.
type ControlConfig struct {
	// PublicKey is the path of the raw 32-byte Ed25519 key that
	// commands are verified against. Required when a control channel
	// is configured.
	PublicKey string `yaml:"public_key" json:"public_key"`

	// Whitelist names the classes that may emit while quarantined.
	Whitelist []string `yaml:"whitelist" json:"whitelist"`

	// ReportClass carries the quarantine reports.
	ReportClass string `yaml:"report_class" json:"report_class"`

	// InFlight is discard or retain.
	InFlight string `yaml:"in_flight" json:"in_flight"`

	// Handlers restricts commands. Empty enables every command.
	Handlers map[string]HandlerConfig `yaml:"handlers" json:"handlers"`

	MaxSkew Duration `yaml:"max_skew" json:"max_skew"`
}

// HandlerConfig is the policy for one command name.
type HandlerConfig struct {
	// Enabled defaults to true.
	Enabled *bool    `yaml:"enabled" json:"enabled"`
	Beats   []string `yaml:"beats" json:"beats"`
}

// IsEnabled reports the effective enabled flag.
func (h HandlerConfig) IsEnabled() bool { return h.Enabled == nil || *h.Enabled }

// ChannelsConfig names the agent's descriptors.
type ChannelsConfig struct {
	// Telemetry receives flushed frames. Required.
	Telemetry Endpoint `yaml:"telemetry" json:"telemetry"`

	// Notify, when set, wakes the loop early whenever it is readable.
	Notify Endpoint `yaml:"notify" json:"notify"`

	// Control, when set, delivers signed commands.
	Control Endpoint `yaml:"control" json:"control"`

	// MaxMessage is the largest datagram received.
	MaxMessage ByteSize `yaml:"max_message" json:"max_message"`
}

// Endpoint is an inherited descriptor or a unix SOCK_SEQPACKET path.
type Endpoint struct {
	FD   *int   `yaml:"fd" json:"fd"`
	Path string `yaml:"path" json:"path"`

	// Discipline is exclusive, shared, or duplicated.
	Discipline string `yaml:"discipline" json:"discipline"`
}

// Configured reports whether the endpoint names a descriptor or path.
func (e Endpoint) Configured() bool { return e.FD != nil || e.Path != "" }

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level" json:"level"`
}

// DefaultBeats is the class set used when the file declares none.
func DefaultBeats() []BeatConfig {
	return []BeatConfig{
		{Name: "high", Period: Duration(10 * time.Second), Purpose: "liveness", Coalesce: "latest", Priority: 100},
		{Name: "normal", Period: Duration(time.Minute), Purpose: "status", Coalesce: "latest", Priority: 50},
		{Name: "diag", Period: Duration(5 * time.Minute), Purpose: "diagnostics", Coalesce: "drop_first", Priority: 10, Compress: "zstd"},
	}
}

// Default returns the configuration used as a base before loading the
// file. Values present in the file replace these.
func Default() *Config {
	return &Config{
		Name:          "beacon",
		Cycle:         Duration(time.Second),
		QueueCapacity: 64,
		Flush: FlushConfig{
			Budget:   64 * 1024,
			Unlisted: "retain",
		},
		Control: ControlConfig{
			Whitelist:   []string{"high"},
			ReportClass: "high",
			InFlight:    "discard",
			MaxSkew:     Duration(30 * time.Second),
		},
		EventClass:  "high",
		JournalSize: 256,
		Channels: ChannelsConfig{
			MaxMessage: 64 * 1024,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load loads configuration from the BEACON_CONFIG environment variable.
// There are no fallbacks; if BEACON_CONFIG is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("BEACON_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("BEACON_CONFIG environment variable not set; " +
			"set it to the path of your beacon config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The result
// is not validated; call [Config.Validate] before use.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := cfg.decode(path, data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.applyBeatDefaults()
	cfg.expandVariables()
	return cfg, nil
}

// decode merges data into c using the format the extension names.
// Unknown keys are errors.
func (c *Config) decode(path string, data []byte) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(c); err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("config file is empty")
			}
			return err
		}
		return nil
	case ".json", ".jsonc":
		decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(c); err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("config file is empty")
			}
			return err
		}
		return nil
	default:
		return fmt.Errorf("unsupported config extension %q (want .yaml, .yml, .json, or .jsonc)", filepath.Ext(path))
	}
}

// applyBeatDefaults fills in the default class set, and its shed and
// keep lists, when the file declares no beats.
func (c *Config) applyBeatDefaults() {
	if len(c.Beats) > 0 {
		return
	}
	c.Beats = DefaultBeats()
	if c.Flush.Shed == nil && c.Flush.Keep == nil {
		c.Flush.Shed = []string{"diag"}
		c.Flush.Keep = []string{"high"}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in path
// fields.
func (c *Config) expandVariables() {
	c.Control.PublicKey = expandVars(c.Control.PublicKey)
	c.Channels.Telemetry.Path = expandVars(c.Channels.Telemetry.Path)
	c.Channels.Notify.Path = expandVars(c.Channels.Notify.Path)
	c.Channels.Control.Path = expandVars(c.Channels.Control.Path)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}
