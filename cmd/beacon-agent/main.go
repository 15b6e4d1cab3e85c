// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// beacon-agent runs one or more heartbeat agents, each described by a
// configuration file, until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/beacon/lib/agent"
	"github.com/bureau-foundation/beacon/lib/config"
	"github.com/bureau-foundation/beacon/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flagSet := pflag.NewFlagSet("beacon-agent", pflag.ContinueOnError)
	configPaths := flagSet.StringArray("config", nil,
		"agent configuration file, YAML or JSONC (repeatable; default $BEACON_CONFIG)")
	metricsAddress := flagSet.String("metrics-addr", "",
		"serve Prometheus metrics for every agent on this address (e.g. 127.0.0.1:9464)")
	checkOnly := flagSet.Bool("check", false, "validate the configuration and exit")
	showVersion := flagSet.Bool("version", false, "print version information and exit")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("beacon-agent %s\n", version.Info())
		return nil
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	configs, err := loadConfigs(*configPaths)
	if err != nil {
		return err
	}
	if *checkOnly {
		fmt.Printf("%d agent configuration(s) valid\n", len(configs))
		return nil
	}

	logger := agent.NewLogger(os.Stderr, processLogLevel(configs))
	build := currentBuild(logger)

	instances, err := newInstances(configs, logger, build)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Listen before any agent starts so a bad address fails fast.
	var listener net.Listener
	if *metricsAddress != "" {
		listener, err = net.Listen("tcp", *metricsAddress)
		if err != nil {
			closeInstances(instances)
			return fmt.Errorf("metrics listener: %w", err)
		}
	}

	metricsContext, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()
	var background errgroup.Group
	if listener != nil {
		background.Go(func() error {
			return serveMetrics(metricsContext, listener, metricsHandler(instances), logger)
		})
	}

	logger.Info("beacon-agent running",
		"version", build.version,
		"commit", build.commit,
		"digest", version.Short12(build.digest),
		"agents", len(instances),
	)

	// Agents share nothing: one agent stopping (enforce, closed
	// telemetry) does not cancel the others.
	var agents errgroup.Group
	for _, inst := range instances {
		agents.Go(func() error {
			if err := inst.agent.Run(ctx); err != nil {
				logger.Error("agent stopped", "agent", inst.name, "error", err)
				return fmt.Errorf("agent %s: %w", inst.name, err)
			}
			return nil
		})
	}
	agentErr := agents.Wait()

	stopMetrics()
	if err := background.Wait(); err != nil {
		logger.Error("metrics server", "error", err)
	}
	logger.Info("beacon-agent stopped")
	return agentErr
}

// loadConfigs loads and validates every configuration. With no paths it
// falls back to BEACON_CONFIG. Names must be unique across the process
// because they label metrics.
func loadConfigs(paths []string) ([]*config.Config, error) {
	var configs []*config.Config
	if len(paths) == 0 {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", os.Getenv("BEACON_CONFIG"), err)
		}
		return []*config.Config{cfg}, nil
	}

	names := make(map[string]string, len(paths))
	exclusive := make(map[int]string)
	var errs []error
	for _, path := range paths {
		cfg, err := config.LoadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := cfg.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		if previous, ok := names[cfg.Name]; ok {
			errs = append(errs, fmt.Errorf("%s: agent name %q already used by %s", path, cfg.Name, previous))
			continue
		}
		names[cfg.Name] = path
		for _, endpoint := range []config.Endpoint{cfg.Channels.Telemetry, cfg.Channels.Notify, cfg.Channels.Control} {
			if endpoint.FD == nil || (endpoint.Discipline != "" && endpoint.Discipline != "exclusive") {
				continue
			}
			if previous, ok := exclusive[*endpoint.FD]; ok {
				errs = append(errs, fmt.Errorf("%s: fd %d is exclusive but also used by %s", path, *endpoint.FD, previous))
			}
			exclusive[*endpoint.FD] = path
		}
		configs = append(configs, cfg)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return configs, nil
}

// processLogLevel is the most verbose level any configuration asks
// for; the process has one logger.
func processLogLevel(configs []*config.Config) slog.Level {
	level := slog.LevelError
	for _, cfg := range configs {
		if configured, err := cfg.LogLevel(); err == nil && configured < level {
			level = configured
		}
	}
	return level
}

type buildInfo struct {
	version string
	commit  string
	digest  string
}

func currentBuild(logger *slog.Logger) buildInfo {
	build := buildInfo{version: version.Short(), commit: version.Commit(), digest: "unknown"}
	digest, _, err := version.SelfDigest()
	if err != nil {
		logger.Warn("cannot hash own binary", "error", err)
		return build
	}
	build.digest = digest
	return build
}
