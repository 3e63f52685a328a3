// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package remote

import (
	"context"
	"sync"
	"time"

	"github.com/AleutianAI/petfectior-agent/pkg/logging"
	"github.com/AleutianAI/petfectior-agent/services/telemetry"
)

// Server reachability as reported by the monitor.
const (
	StateUnknown      = "Unknown"
	StateAlive        = "Alive"
	StateNotAvailable = "Not available"
)

// MonitorStats is a point-in-time snapshot of the monitor's view of the
// processing server.
type MonitorStats struct {
	State       string    `json:"state"`
	LastChecked time.Time `json:"last_checked"`
	LastAlive   time.Time `json:"last_alive"`
	Checks      uint64    `json:"checks"`
	Failures    uint64    `json:"failures"`
}

// Monitor polls the processing server's liveness endpoint once a second
// and tracks reachability for the operator surface.
//
// # Thread Safety
//
// Stats may be called from any goroutine while Run is active.
type Monitor struct {
	client  *Client
	metrics *telemetry.Metrics
	logger  *logging.Logger
	period  time.Duration

	mu    sync.Mutex
	stats MonitorStats
}

// NewMonitor builds a Monitor over client. metrics may be nil.
func NewMonitor(client *Client, metrics *telemetry.Metrics, logger *logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Monitor{
		client:  client,
		metrics: metrics,
		logger:  logger.With("service", "server_monitor"),
		period:  time.Second,
		stats:   MonitorStats{State: StateUnknown},
	}
}

// Run polls until ctx is done. The first check happens immediately so
// the operator surface does not sit on "Unknown" for a full period.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	m.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

// Stats returns a snapshot of the current reachability state.
func (m *Monitor) Stats() MonitorStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Alive reports whether the last check succeeded.
func (m *Monitor) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats.State == StateAlive
}

func (m *Monitor) check(ctx context.Context) {
	err := m.client.CheckPing(ctx)
	now := time.Now()

	m.mu.Lock()
	prev := m.stats.State
	m.stats.Checks++
	m.stats.LastChecked = now
	if err != nil {
		m.stats.Failures++
		m.stats.State = StateNotAvailable
	} else {
		m.stats.State = StateAlive
		m.stats.LastAlive = now
	}
	state := m.stats.State
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.PingsTotal.Inc()
		if err != nil {
			m.metrics.PingFailures.Inc()
			m.metrics.ServerUp.Set(0)
		} else {
			m.metrics.ServerUp.Set(1)
		}
	}

	// Only transitions are worth a log line at 1Hz polling.
	if state != prev {
		if err != nil {
			m.logger.Warn("processing server unreachable", "error", err)
		} else {
			m.logger.Info("processing server reachable")
		}
	}
}
