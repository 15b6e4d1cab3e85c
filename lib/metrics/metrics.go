// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics instruments one agent instance with Prometheus
// collectors on a private registry. Every collector carries a constant
// "agent" label so several instances can be gathered together.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"maps"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/beacon/lib/beat"
	"github.com/bureau-foundation/beacon/lib/flush"
)

const namespace = "beacon"

// Metrics holds the collectors for one agent.
type Metrics struct {
	registry *prometheus.Registry
	labels   prometheus.Labels

	cycles        prometheus.Counter
	cycleDuration prometheus.Histogram

	flushed      prometheus.Counter
	flushedBytes prometheus.Counter
	retried      prometheus.Counter
	flushDropped prometheus.Counter
	shed         *prometheus.CounterVec

	commands *prometheus.CounterVec
	firings  *prometheus.CounterVec

	queueDepth  prometheus.Gauge
	queueLength prometheus.Gauge
	quarantined prometheus.Gauge
	backoff     prometheus.Gauge
}

// New creates the collectors for the named agent and registers them on
// a fresh registry.
func New(agent string) *Metrics {
	labels := prometheus.Labels{"agent": agent}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: help, ConstLabels: labels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: name, Help: help, ConstLabels: labels,
		})
	}
	counterVec := func(name, help string, labelNames ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: help, ConstLabels: labels,
		}, labelNames)
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		labels:   labels,

		cycles: counter("cycles_total", "Completed agent cycles."),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "cycle_duration_seconds",
			Help:        "Wall time of one agent cycle.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),

		flushed:      counter("payloads_flushed_total", "Payloads written to the telemetry channel."),
		flushedBytes: counter("flushed_bytes_total", "Frame bytes written to the telemetry channel."),
		retried:      counter("payloads_retried_total", "Payloads retained for retry after a blocked or failed write."),
		flushDropped: counter("payloads_oversized_total", "Payloads dropped for exceeding the whole flush budget."),
		shed:         counterVec("payloads_shed_total", "Payloads shed under backpressure.", "class"),

		commands: counterVec("commands_total", "Control commands by result.", "command", "result"),
		firings:  counterVec("rule_firings_total", "Health and adaptive rule firings.", "rule", "action"),

		queueDepth:  gauge("queue_depth_percent", "Scheduler queue occupancy as a percentage of capacity."),
		queueLength: gauge("queue_length", "Payloads waiting in the scheduler queue."),
		quarantined: gauge("quarantined", "1 while the agent is quarantined."),
		backoff:     gauge("backoff_factor", "Current cadence backoff factor; 1 is normal cadence."),
	}
	m.registry.MustRegister(
		m.cycles, m.cycleDuration,
		m.flushed, m.flushedBytes, m.retried, m.flushDropped, m.shed,
		m.commands, m.firings,
		m.queueDepth, m.queueLength, m.quarantined, m.backoff,
	)
	return m
}

// Registry returns the registry holding this agent's collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// SetBuildInfo exports a constant beacon_build_info gauge whose labels
// identify the running binary. Call it once.
func (m *Metrics) SetBuildInfo(version, commit, digest string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"version": version, "commit": commit, "digest": digest}
	maps.Copy(labels, m.labels)
	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "build_info",
		Help:        "Build identity of the running agent; always 1.",
		ConstLabels: labels,
	})
	info.Set(1)
	m.registry.MustRegister(info)
}

// WatchScheduler exports the scheduler's cumulative counters. stats is
// called on every scrape and must be safe for concurrent use.
func (m *Metrics) WatchScheduler(stats func() beat.Stats) {
	if m == nil {
		return
	}
	counterFunc := func(name, help string, value func(beat.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: help, ConstLabels: m.labels,
		}, func() float64 { return float64(value(stats())) })
	}
	m.registry.MustRegister(
		counterFunc("payloads_sampled_total", "Beats sampled from the heartbeat source.",
			func(s beat.Stats) uint64 { return s.Sampled }),
		counterFunc("payloads_injected_total", "Out-of-band payloads injected.",
			func(s beat.Stats) uint64 { return s.Injected }),
		counterFunc("payloads_coalesced_total", "Payloads replaced or removed by coalescing.",
			func(s beat.Stats) uint64 { return s.Coalesced }),
		counterFunc("payloads_dropped_total", "Payloads dropped by queue overflow.",
			func(s beat.Stats) uint64 { return s.Dropped }),
		counterFunc("payloads_cancelled_total", "Queued payloads cancelled by disabling their class.",
			func(s beat.Stats) uint64 { return s.Cancelled }),
		counterFunc("sample_errors_total", "Heartbeat source failures.",
			func(s beat.Stats) uint64 { return s.SampleErrors }),
	)
}

// ObserveFlush records one flush result.
func (m *Metrics) ObserveFlush(result flush.Result) {
	if m == nil {
		return
	}
	m.flushed.Add(float64(result.Written))
	m.flushedBytes.Add(float64(result.Bytes))
	m.retried.Add(float64(result.Retried))
	m.flushDropped.Add(float64(result.Dropped))
	for class, count := range result.ShedByClass {
		m.shed.WithLabelValues(class).Add(float64(count))
	}
}

// ObserveCommand records one control message. An unverifiable message
// has no command name and is counted as "unknown".
func (m *Metrics) ObserveCommand(command string, accepted bool) {
	if m == nil {
		return
	}
	if command == "" {
		command = "unknown"
	}
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	m.commands.WithLabelValues(command, result).Inc()
}

// ObserveFiring records a rule firing.
func (m *Metrics) ObserveFiring(rule, action string) {
	if m == nil {
		return
	}
	m.firings.WithLabelValues(rule, action).Inc()
}

// CycleState is the end-of-cycle gauge snapshot.
type CycleState struct {
	Duration      time.Duration
	QueueDepth    float64
	QueueLength   int
	Quarantined   bool
	BackoffFactor float64
}

// ObserveCycle records a completed cycle.
func (m *Metrics) ObserveCycle(state CycleState) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.cycleDuration.Observe(state.Duration.Seconds())
	m.queueDepth.Set(state.QueueDepth)
	m.queueLength.Set(float64(state.QueueLength))
	if state.Quarantined {
		m.quarantined.Set(1)
	} else {
		m.quarantined.Set(0)
	}
	m.backoff.Set(state.BackoffFactor)
}
