// Copyright (C) 2025 The support-rag authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the
// orchestrator.
//
// # Description
//
// Metrics cover turn processing (counts, duration, node failures),
// cache effectiveness, and escalations. They are exposed via the
// /metrics endpoint for Prometheus + Grafana.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal
// locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const metricsNamespace = "supportrag"

// Subsystem for turn-processing metrics
const turnsSubsystem = "turns"

// TurnMetrics holds all Prometheus metrics for turn processing.
//
// # Fields
//
//   - TurnsTotal: Counter of processed turns by final dialog state and status
//   - TurnDurationSeconds: Histogram of end-to-end turn duration
//   - NodeDurationSeconds: Histogram of per-node execution duration
//   - NodeFailuresTotal: Counter of node failures by node and failure mode
//   - CacheLookupsTotal: Counter of cache lookups by result kind
//   - EscalationsTotal: Counter of escalations by reason and priority
//   - ActiveTurns: Gauge of turns currently in flight
type TurnMetrics struct {
	// TurnsTotal counts processed turns.
	// Labels: dialog_state (RESOLVED, ESCALATED, ...), status (success, error)
	TurnsTotal *prometheus.CounterVec

	// TurnDurationSeconds measures end-to-end turn duration.
	// Labels: status (success, error)
	TurnDurationSeconds *prometheus.HistogramVec

	// NodeDurationSeconds measures per-node execution duration.
	// Labels: node
	NodeDurationSeconds *prometheus.HistogramVec

	// NodeFailuresTotal counts node failures.
	// Labels: node, mode (recoverable, fatal)
	NodeFailuresTotal *prometheus.CounterVec

	// CacheLookupsTotal counts semantic cache lookups.
	// Labels: result (exact, similar, miss)
	CacheLookupsTotal *prometheus.CounterVec

	// EscalationsTotal counts escalations.
	// Labels: reason, priority
	EscalationsTotal *prometheus.CounterVec

	// ActiveTurns tracks turns currently in flight.
	ActiveTurns prometheus.Gauge
}

// NewTurnMetrics creates and registers all turn metrics against the
// given registerer. Pass prometheus.DefaultRegisterer in production and
// a fresh prometheus.NewRegistry() in tests to avoid duplicate
// registration panics.
func NewTurnMetrics(reg prometheus.Registerer) *TurnMetrics {
	factory := promauto.With(reg)

	return &TurnMetrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnsSubsystem,
				Name:      "total",
				Help:      "Total processed turns by final dialog state and status",
			},
			[]string{"dialog_state", "status"},
		),

		TurnDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: turnsSubsystem,
				Name:      "duration_seconds",
				Help:      "End-to-end turn duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"status"},
		),

		NodeDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: turnsSubsystem,
				Name:      "node_duration_seconds",
				Help:      "Per-node execution duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
			},
			[]string{"node"},
		),

		NodeFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnsSubsystem,
				Name:      "node_failures_total",
				Help:      "Total node failures by node and failure mode",
			},
			[]string{"node", "mode"},
		),

		CacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Total semantic cache lookups by result kind",
			},
			[]string{"result"},
		),

		EscalationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "escalations",
				Name:      "total",
				Help:      "Total escalations by reason and priority",
			},
			[]string{"reason", "priority"},
		),

		ActiveTurns: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: turnsSubsystem,
				Name:      "active",
				Help:      "Turns currently in flight",
			},
		),
	}
}

// RecordTurn records a completed turn.
func (m *TurnMetrics) RecordTurn(dialogState string, success bool, seconds float64) {
	status := "success"
	if !success {
		status = "error"
	}
	m.TurnsTotal.WithLabelValues(dialogState, status).Inc()
	m.TurnDurationSeconds.WithLabelValues(status).Observe(seconds)
}

// RecordNode records one node execution.
func (m *TurnMetrics) RecordNode(node string, seconds float64) {
	m.NodeDurationSeconds.WithLabelValues(node).Observe(seconds)
}

// RecordNodeFailure records a node failure.
func (m *TurnMetrics) RecordNodeFailure(node, mode string) {
	m.NodeFailuresTotal.WithLabelValues(node, mode).Inc()
}

// RecordCacheLookup records a cache lookup outcome.
func (m *TurnMetrics) RecordCacheLookup(result string) {
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordEscalation records a triggered escalation.
func (m *TurnMetrics) RecordEscalation(reason, priority string) {
	m.EscalationsTotal.WithLabelValues(reason, priority).Inc()
}

// TurnStarted increments the active turns gauge.
func (m *TurnMetrics) TurnStarted() {
	m.ActiveTurns.Inc()
}

// TurnEnded decrements the active turns gauge.
func (m *TurnMetrics) TurnEnded() {
	m.ActiveTurns.Dec()
}
