// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/beacon/lib/agent"
	"github.com/bureau-foundation/beacon/lib/channel"
	"github.com/bureau-foundation/beacon/lib/config"
	"github.com/bureau-foundation/beacon/lib/control"
	"github.com/bureau-foundation/beacon/lib/flush"
	"github.com/bureau-foundation/beacon/lib/metrics"
)

// instance is one configured agent with the channels and metrics
// built for it.
type instance struct {
	name     string
	agent    *agent.Agent
	metrics  *metrics.Metrics
	registry *channel.Registry
}

// descriptors tracks inherited descriptors across every agent in the
// process: a Shared fd named by several configurations is wrapped once
// and every later agent adopts another reference to it.
type descriptors struct {
	shared map[int]*channel.Channel
}

func newDescriptors() *descriptors {
	return &descriptors{shared: make(map[int]*channel.Channel)}
}

// open returns a channel for endpoint registered in registry. An fd is
// wrapped under the configured discipline; a path is dialed and owned
// exclusively.
func (d *descriptors) open(registry *channel.Registry, endpoint config.Endpoint) (*channel.Channel, error) {
	if endpoint.FD == nil {
		fd, err := channel.DialSeqpacket(endpoint.Path)
		if err != nil {
			return nil, err
		}
		_, ch, err := registry.Wrap(fd, channel.Exclusive)
		if err != nil {
			unix.Close(fd)
			return nil, err
		}
		return ch, nil
	}

	fd := *endpoint.FD
	discipline, err := channel.ParseDiscipline(endpoint.Discipline)
	if err != nil {
		return nil, err
	}
	if discipline == channel.Shared {
		if first, ok := d.shared[fd]; ok {
			ch, err := first.Share()
			if err != nil {
				return nil, fmt.Errorf("fd %d: %w", fd, err)
			}
			registry.Adopt(ch)
			return ch, nil
		}
	}
	_, ch, err := registry.Wrap(fd, discipline)
	if err != nil {
		return nil, fmt.Errorf("fd %d: %w", fd, err)
	}
	if discipline == channel.Shared {
		d.shared[fd] = ch
	}
	return ch, nil
}

// newInstances builds every agent. On failure, channels already opened
// are closed.
func newInstances(configs []*config.Config, logger *slog.Logger, build buildInfo) ([]*instance, error) {
	shared := newDescriptors()
	instances := make([]*instance, 0, len(configs))
	for _, cfg := range configs {
		inst, err := newInstance(cfg, shared, logger, build)
		if err != nil {
			closeInstances(instances)
			return nil, fmt.Errorf("agent %s: %w", cfg.Name, err)
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

func closeInstances(instances []*instance) {
	for _, inst := range instances {
		inst.registry.CloseAll()
	}
}

// newInstance turns a validated configuration into an agent.
func newInstance(cfg *config.Config, shared *descriptors, logger *slog.Logger, build buildInfo) (*instance, error) {
	registry := channel.NewRegistry(int(cfg.Channels.MaxMessage))
	inst, err := buildInstance(cfg, registry, shared, logger, build)
	if err != nil {
		registry.CloseAll()
		return nil, err
	}
	return inst, nil
}

func buildInstance(cfg *config.Config, registry *channel.Registry, shared *descriptors, logger *slog.Logger, build buildInfo) (*instance, error) {
	telemetry, err := shared.open(registry, cfg.Channels.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry channel: %w", err)
	}

	agentMetrics := metrics.New(cfg.Name)
	agentMetrics.SetBuildInfo(build.version, build.commit, build.digest)

	agentConfig := agent.Config{
		ID:            cfg.ID,
		Name:          cfg.Name,
		Cycle:         cfg.Cycle.Std(),
		Classes:       cfg.Classes(),
		QueueCapacity: cfg.QueueCapacity,
		Flush: flush.Config{
			Budget:      int(cfg.Flush.Budget),
			Shed:        cfg.Flush.Shed,
			Keep:        cfg.Flush.Keep,
			Unlisted:    cfg.UnlistedPolicy(),
			Compression: cfg.Compression(),
		},
		Rules:       cfg.RuleDefinitions(),
		Degraded:    cfg.Degraded,
		Adaptive:    cfg.AdaptiveDefinitions(),
		EventClass:  cfg.EventClass,
		JournalSize: cfg.JournalSize,
		Telemetry:   telemetry,
		Registry:    registry,
		Logger:      logger,
		Metrics:     agentMetrics,
	}

	if cfg.Channels.Notify.Configured() {
		notify, err := shared.open(registry, cfg.Channels.Notify)
		if err != nil {
			return nil, fmt.Errorf("notify channel: %w", err)
		}
		agentConfig.Notify = notify
	}

	if cfg.Channels.Control.Configured() {
		publicKey, err := control.LoadPublicKey(cfg.Control.PublicKey)
		if err != nil {
			return nil, err
		}
		commands, err := shared.open(registry, cfg.Channels.Control)
		if err != nil {
			return nil, fmt.Errorf("control channel: %w", err)
		}
		agentConfig.Commands = commands
		agentConfig.Control = control.Config{
			Verifier:    control.Ed25519Verifier{PublicKey: publicKey},
			Whitelist:   cfg.Control.Whitelist,
			ReportClass: cfg.Control.ReportClass,
			InFlight:    cfg.InFlightPolicy(),
			Handlers:    cfg.ControlHandlers(),
			MaxSkew:     cfg.Control.MaxSkew.Std(),
		}
	}

	beacon, err := agent.New(agentConfig)
	if err != nil {
		return nil, err
	}
	return &instance{name: cfg.Name, agent: beacon, metrics: agentMetrics, registry: registry}, nil
}
