// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and tracing for the letter wizard.
//
// # Description
//
// Prometheus metrics cover the generation pipeline (per stage requests,
// latency and cache hits), session storage failures, navigation guard
// redirects, mail hand-offs and the letter API. Tracing wires an
// OpenTelemetry tracer provider with either a stdout or OTLP exporter.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every method on *Metrics is safe to call on a nil receiver, so
// components can run without metrics in tests.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "tenantletter"

// Stage labels.
const (
	StageText     = "text"
	StageDocument = "pdf"
)

// Outcome labels.
const (
	OutcomeSuccess              = "success"
	OutcomeError                = "error"
	OutcomeVerificationRequired = "verification_required"
)

// Metrics holds all Prometheus collectors.
//
// # Fields
//
//   - StageRequestsTotal: Generation calls by stage and outcome.
//   - StageDurationSeconds: Generation latency by stage, retries included.
//   - CacheLookupsTotal: Pipeline cache lookups by stage and result.
//   - StoreErrorsTotal: Session storage failures by operation.
//   - GuardRedirectsTotal: Protected page visits bounced to the intro.
//   - MailHandoffsTotal: Certified mail hand-offs prepared, by outcome.
//   - APIRequestsTotal: Letter API requests by endpoint and status.
//   - ActiveSessions: Sessions currently held in memory.
type Metrics struct {
	StageRequestsTotal   *prometheus.CounterVec
	StageDurationSeconds *prometheus.HistogramVec
	CacheLookupsTotal    *prometheus.CounterVec
	StoreErrorsTotal     *prometheus.CounterVec
	GuardRedirectsTotal  prometheus.Counter
	MailHandoffsTotal    *prometheus.CounterVec
	APIRequestsTotal     *prometheus.CounterVec
	ActiveSessions       prometheus.Gauge
}

// NewMetrics creates and registers all collectors with reg.
//
// # Inputs
//
//   - reg: Registry to register with. Tests pass prometheus.NewRegistry()
//     for isolation; main passes prometheus.DefaultRegisterer.
//
// # Outputs
//
//   - *Metrics: Registered collectors.
//
// # Limitations
//
//   - Panics if called twice against the same registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StageRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "pipeline",
				Name:      "stage_requests_total",
				Help:      "Generation requests by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		StageDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "pipeline",
				Name:      "stage_duration_seconds",
				Help:      "Generation latency in seconds, retries included",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
			},
			[]string{"stage"},
		),
		CacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "pipeline",
				Name:      "cache_lookups_total",
				Help:      "Pipeline cache lookups by stage and result",
			},
			[]string{"stage", "result"},
		),
		StoreErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "store",
				Name:      "errors_total",
				Help:      "Session storage failures by operation",
			},
			[]string{"op"},
		),
		GuardRedirectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "nav",
				Name:      "guard_redirects_total",
				Help:      "Protected page visits redirected to the introduction",
			},
		),
		MailHandoffsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "mail",
				Name:      "handoffs_total",
				Help:      "Certified mail hand-offs prepared by outcome",
			},
			[]string{"outcome"},
		),
		APIRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Letter API requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "sessions",
				Name:      "active",
				Help:      "Wizard sessions currently held in memory",
			},
		),
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordStage records one finished generation run.
func (m *Metrics) RecordStage(stage, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.StageRequestsTotal.WithLabelValues(stage, outcome).Inc()
	if outcome != OutcomeVerificationRequired {
		m.StageDurationSeconds.WithLabelValues(stage).Observe(seconds)
	}
}

// RecordCache records a pipeline cache lookup.
func (m *Metrics) RecordCache(stage string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(stage, result).Inc()
}

// RecordStoreError records a failed storage operation.
func (m *Metrics) RecordStoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrorsTotal.WithLabelValues(op).Inc()
}

// RecordGuardRedirect records a guard bounce.
func (m *Metrics) RecordGuardRedirect() {
	if m == nil {
		return
	}
	m.GuardRedirectsTotal.Inc()
}

// RecordMail records a certified mail hand-off.
func (m *Metrics) RecordMail(success bool) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if !success {
		outcome = OutcomeError
	}
	m.MailHandoffsTotal.WithLabelValues(outcome).Inc()
}

// RecordAPI records an HTTP request by route and status class.
func (m *Metrics) RecordAPI(endpoint string, status int) {
	if m == nil {
		return
	}
	m.APIRequestsTotal.WithLabelValues(endpoint, statusClass(status)).Inc()
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
