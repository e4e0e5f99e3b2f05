// Copyright (C) 2025 PromptMesh Labs (dev@promptmesh.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides metrics and instrumentation for the validator.
//
// # Description
//
// This package implements Prometheus metrics for monitoring the query and
// scoring pipeline. Metrics include:
//   - Round counters (by mode, status)
//   - Per-peer completion counters
//   - Dispatch and round latency histograms
//   - Weight submission counters
//   - History depth and epoch progress gauges
//
// # Integration
//
// Metrics are exposed via /metrics endpoint. Use with Prometheus + Grafana
// for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "promptmesh"

// Subsystem for validator metrics
const validatorSubsystem = "validator"

// ValidatorMetrics holds all Prometheus metrics for the query pipeline.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring round outcomes,
// peer behavior, and weight submission. Initialize once at startup via
// InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type ValidatorMetrics struct {
	// RoundsTotal counts forward rounds by mode and status.
	// Labels: mode (inference, train_question, train_answer), status (success, error)
	RoundsTotal *prometheus.CounterVec

	// CompletionsTotal counts per-peer completion outcomes.
	// Labels: status (success, error)
	CompletionsTotal *prometheus.CounterVec

	// WeightSubmissionsTotal counts chain weight submissions.
	// Labels: status (accepted, rejected, error)
	WeightSubmissionsTotal *prometheus.CounterVec

	// DispatchDurationSeconds measures the peer fan-out phase of a round.
	// Labels: mode
	DispatchDurationSeconds *prometheus.HistogramVec

	// RoundDurationSeconds measures full round duration including scoring.
	// Labels: mode, status
	RoundDurationSeconds *prometheus.HistogramVec

	// InflightQueries tracks currently outstanding peer calls.
	InflightQueries prometheus.Gauge

	// HistorySize tracks the number of retained forward events.
	HistorySize prometheus.Gauge

	// LastEpochBlock records the block height of the last weight submission.
	LastEpochBlock prometheus.Gauge
}

// DefaultMetrics is the singleton instance of ValidatorMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *ValidatorMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Should be called once
// at application startup, after Prometheus registry is available.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *ValidatorMetrics {
	DefaultMetrics = &ValidatorMetrics{
		RoundsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: validatorSubsystem,
				Name:      "rounds_total",
				Help:      "Total forward rounds by mode and status",
			},
			[]string{"mode", "status"},
		),

		CompletionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: validatorSubsystem,
				Name:      "completions_total",
				Help:      "Total per-peer completion outcomes",
			},
			[]string{"status"},
		),

		WeightSubmissionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: validatorSubsystem,
				Name:      "weight_submissions_total",
				Help:      "Total chain weight submissions by outcome",
			},
			[]string{"status"},
		),

		DispatchDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: validatorSubsystem,
				Name:      "dispatch_duration_seconds",
				Help:      "Duration of the peer fan-out phase in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"mode"},
		),

		RoundDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: validatorSubsystem,
				Name:      "round_duration_seconds",
				Help:      "Full round duration including scoring in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"mode", "status"},
		),

		InflightQueries: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: validatorSubsystem,
				Name:      "inflight_queries",
				Help:      "Number of currently outstanding peer calls",
			},
		),

		HistorySize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: validatorSubsystem,
				Name:      "history_size",
				Help:      "Number of retained forward events",
			},
		),

		LastEpochBlock: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: validatorSubsystem,
				Name:      "last_epoch_block",
				Help:      "Block height of the last weight submission",
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Round Modes
// =============================================================================

// Mode labels the purpose of a forward round.
type Mode string

const (
	// ModeInference is a caller-driven query round.
	ModeInference Mode = "inference"

	// ModeTrainQuestion is a self-training round that generates a question.
	ModeTrainQuestion Mode = "train_question"

	// ModeTrainAnswer is a self-training round that answers a question.
	ModeTrainAnswer Mode = "train_answer"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRound records a completed forward round.
func (m *ValidatorMetrics) RecordRound(mode Mode, success bool, seconds float64) {
	status := "success"
	if !success {
		status = "error"
	}
	m.RoundsTotal.WithLabelValues(string(mode), status).Inc()
	m.RoundDurationSeconds.WithLabelValues(string(mode), status).Observe(seconds)
}

// RecordCompletions records per-peer outcomes from one dispatch.
func (m *ValidatorMetrics) RecordCompletions(succeeded, failed int) {
	if succeeded > 0 {
		m.CompletionsTotal.WithLabelValues("success").Add(float64(succeeded))
	}
	if failed > 0 {
		m.CompletionsTotal.WithLabelValues("error").Add(float64(failed))
	}
}

// RecordDispatch records the fan-out latency for one round.
func (m *ValidatorMetrics) RecordDispatch(mode Mode, seconds float64) {
	m.DispatchDurationSeconds.WithLabelValues(string(mode)).Observe(seconds)
}

// RecordSubmission records a weight submission outcome.
func (m *ValidatorMetrics) RecordSubmission(accepted bool, err error) {
	switch {
	case err != nil:
		m.WeightSubmissionsTotal.WithLabelValues("error").Inc()
	case accepted:
		m.WeightSubmissionsTotal.WithLabelValues("accepted").Inc()
	default:
		m.WeightSubmissionsTotal.WithLabelValues("rejected").Inc()
	}
}

// QueriesStarted increments the inflight gauge by n.
func (m *ValidatorMetrics) QueriesStarted(n int) {
	m.InflightQueries.Add(float64(n))
}

// QueriesFinished decrements the inflight gauge by n.
func (m *ValidatorMetrics) QueriesFinished(n int) {
	m.InflightQueries.Sub(float64(n))
}

// SetHistorySize updates the retained event gauge.
func (m *ValidatorMetrics) SetHistorySize(n int) {
	m.HistorySize.Set(float64(n))
}

// SetLastEpochBlock updates the last submission block gauge.
func (m *ValidatorMetrics) SetLastEpochBlock(block int64) {
	m.LastEpochBlock.Set(float64(block))
}
