// Copyright (C) 2025 AskBridge Systems (opensource@askbridge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the gateway.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// namespace prefixes every gateway metric.
const namespace = "askbridge_gateway"

// ErrorCode classifies stream failures for the error counter.
type ErrorCode string

const (
	ErrCodeUpstreamTimeout   ErrorCode = "upstream_timeout"
	ErrCodeUpstreamMalformed ErrorCode = "upstream_malformed"
	ErrCodeUpstreamFailure   ErrorCode = "upstream_failure"
	ErrCodeCancelled         ErrorCode = "cancelled"
	ErrCodePersistence       ErrorCode = "persistence"
	ErrCodeInternal          ErrorCode = "internal"
)

// StreamingMetrics holds all gateway metric vectors.
//
// Labels are kept low-cardinality: service_type is one of two values,
// error codes a small fixed set. User and conversation ids never
// become labels.
type StreamingMetrics struct {
	StreamsStarted   *prometheus.CounterVec
	StreamsCompleted *prometheus.CounterVec
	StreamErrors     *prometheus.CounterVec
	TokensEmitted    *prometheus.CounterVec

	TimeToFirstToken *prometheus.HistogramVec
	StreamDuration   *prometheus.HistogramVec

	ActiveStreams prometheus.Gauge

	PersistenceRetries prometheus.Counter
	FeedbackSubmitted  *prometheus.CounterVec
	TokenRefreshes     prometheus.Counter
}

var (
	// DefaultMetrics is the process-wide metrics instance, created by
	// InitMetrics.
	DefaultMetrics *StreamingMetrics
	initOnce       sync.Once
)

// InitMetrics registers all gateway metrics with the default
// registry. Safe to call more than once; only the first call
// registers.
func InitMetrics() *StreamingMetrics {
	initOnce.Do(func() {
		DefaultMetrics = newMetrics(nil)
	})
	return DefaultMetrics
}

// NewMetricsForRegistry creates an independent metrics instance for
// tests, registered against reg.
func NewMetricsForRegistry(reg *prometheus.Registry) *StreamingMetrics {
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *StreamingMetrics {
	factory := promauto.With(reg)
	if reg == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}

	return &StreamingMetrics{
		StreamsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_started_total",
			Help:      "Chat streams opened, by service type.",
		}, []string{"service_type"}),

		StreamsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_completed_total",
			Help:      "Chat streams finished, by service type and outcome (complete|partial).",
		}, []string{"service_type", "outcome"}),

		StreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Stream failures, by service type and error code.",
		}, []string{"service_type", "code"}),

		TokensEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_emitted_total",
			Help:      "Token events written to clients, by service type.",
		}, []string{"service_type"}),

		TimeToFirstToken: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_token_seconds",
			Help:      "Latency from request accept to the first token event.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"service_type"}),

		StreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Total stream duration including persistence.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"service_type"}),

		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Streams currently open.",
		}),

		PersistenceRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_retries_total",
			Help:      "Background retries of post-stream message writes.",
		}),

		FeedbackSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_submitted_total",
			Help:      "Feedback submissions, by outcome (accepted|conflict|rejected).",
		}, []string{"outcome"}),

		TokenRefreshes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Client-credential exchanges against the identity provider.",
		}),
	}
}

// =============================================================================
// Recording Helpers
// =============================================================================

// StreamStarted records a new open stream.
func (m *StreamingMetrics) StreamStarted(serviceType string) {
	m.StreamsStarted.WithLabelValues(serviceType).Inc()
	m.ActiveStreams.Inc()
}

// StreamFinished records stream close with its outcome and duration.
func (m *StreamingMetrics) StreamFinished(serviceType, outcome string, elapsed time.Duration) {
	m.StreamsCompleted.WithLabelValues(serviceType, outcome).Inc()
	m.StreamDuration.WithLabelValues(serviceType).Observe(elapsed.Seconds())
	m.ActiveStreams.Dec()
}

// RecordError counts a stream failure.
func (m *StreamingMetrics) RecordError(serviceType string, code ErrorCode) {
	m.StreamErrors.WithLabelValues(serviceType, string(code)).Inc()
}

// RecordFirstToken records time-to-first-token.
func (m *StreamingMetrics) RecordFirstToken(serviceType string, elapsed time.Duration) {
	m.TimeToFirstToken.WithLabelValues(serviceType).Observe(elapsed.Seconds())
}

// RecordTokens adds to the emitted-token counter.
func (m *StreamingMetrics) RecordTokens(serviceType string, n int) {
	m.TokensEmitted.WithLabelValues(serviceType).Add(float64(n))
}
