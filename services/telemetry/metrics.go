// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package telemetry holds the agent's prometheus metrics and the
// OpenTelemetry tracer bootstrap.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the pre-defined metrics for the site agent.
//
// # Thread Safety
//
// Safe for concurrent use after creation.
type Metrics struct {
	// Registry owns every collector below; the /metrics endpoint
	// serves it.
	Registry *prometheus.Registry

	// --- Pipeline metrics ---

	// TasksDispatched counts tasks entering each stage.
	TasksDispatched *prometheus.CounterVec

	// TasksFailed counts stage failures.
	TasksFailed *prometheus.CounterVec

	// TasksCompleted counts tasks that finished the whole pipeline.
	TasksCompleted prometheus.Counter

	// StageDuration records per-stage processing time in seconds.
	StageDuration *prometheus.HistogramVec

	// QueueDepth tracks the number of tasks waiting in each stage's
	// ingress channel.
	QueueDepth *prometheus.GaugeVec

	// --- Receiver metrics ---

	// InstancesReceived counts accepted C-STORE instances.
	InstancesReceived prometheus.Counter

	// InstancesDiscarded counts non-PET instances answered and dropped.
	InstancesDiscarded prometheus.Counter

	// --- Server monitor metrics ---

	// ServerUp is 1 while the processing server answers pings.
	ServerUp prometheus.Gauge

	// PingsTotal counts liveness checks.
	PingsTotal prometheus.Counter

	// PingFailures counts failed liveness checks.
	PingFailures prometheus.Counter
}

// NewMetrics creates a Metrics instance on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		TasksDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "petfectior_tasks_dispatched_total",
			Help: "Tasks dispatched into a pipeline stage.",
		}, []string{"stage"}),
		TasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "petfectior_tasks_failed_total",
			Help: "Stage failures.",
		}, []string{"stage"}),
		TasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "petfectior_tasks_completed_total",
			Help: "Tasks that finished the whole pipeline.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "petfectior_stage_duration_seconds",
			Help:    "Per-stage processing time.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "petfectior_stage_queue_depth",
			Help: "Tasks waiting in a stage's ingress queue.",
		}, []string{"stage"}),
		InstancesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "petfectior_instances_received_total",
			Help: "Accepted C-STORE instances.",
		}),
		InstancesDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "petfectior_instances_discarded_total",
			Help: "Non-PET instances acknowledged and dropped.",
		}),
		ServerUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "petfectior_server_up",
			Help: "1 while the processing server answers pings.",
		}),
		PingsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "petfectior_server_pings_total",
			Help: "Liveness checks against the processing server.",
		}),
		PingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "petfectior_server_ping_failures_total",
			Help: "Failed liveness checks.",
		}),
	}
	reg.MustRegister(
		m.TasksDispatched, m.TasksFailed, m.TasksCompleted, m.StageDuration,
		m.QueueDepth,
		m.InstancesReceived, m.InstancesDiscarded,
		m.ServerUp, m.PingsTotal, m.PingFailures,
	)
	return m
}
