// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the relay.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	// Connection metrics
	ActiveConnections  *prometheus.GaugeVec
	ConnectionsTotal   *prometheus.CounterVec
	ConnectionDuration *prometheus.HistogramVec

	// Frame metrics
	FramesTotal *prometheus.CounterVec
	FrameBytes  *prometheus.HistogramVec

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionSwitches prometheus.Counter

	// Broadcast metrics
	BroadcastRecipients prometheus.Histogram
	BroadcastErrors     prometheus.Counter

	// Filter metrics
	FilterFailures *prometheus.CounterVec
	FilterSkipped  *prometheus.CounterVec
	FilterDuration *prometheus.HistogramVec

	// Protection metrics
	RateLimited prometheus.Counter

	// Runtime metrics, updated by the health checks
	GoroutinesActive prometheus.Gauge
	MemoryBytes      *prometheus.GaugeVec
}

// New creates a Metrics instance registered with reg. A nil reg uses the
// default registerer; tests pass their own registry so instances never
// collide.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "relay"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently active client connections",
			},
			[]string{"transport"},
		),
		ConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of client connections",
			},
			[]string{"transport", "status"},
		),
		ConnectionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Connection lifetime in seconds",
				Buckets:   []float64{.1, 1, 10, 60, 300, 600, 1800, 3600},
			},
			[]string{"transport"},
		),
		FramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_total",
				Help:      "Total number of relayed frames",
			},
			[]string{"direction"},
		),
		FrameBytes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "frame_bytes",
				Help:      "Frame payload size in bytes",
				Buckets:   []float64{16, 64, 256, 1024, 4096, 16384, 65536, 1 << 20},
			},
			[]string{"direction"},
		),
		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Number of sessions with at least one member",
			},
		),
		SessionSwitches: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_switches_total",
				Help:      "Total number of connections changing session",
			},
		),
		BroadcastRecipients: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "broadcast_recipients",
				Help:      "Number of peers a message was delivered to",
				Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
		),
		BroadcastErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcast_errors_total",
				Help:      "Total number of failed per-peer broadcast writes",
			},
		),
		FilterFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "filter_failures_total",
				Help:      "Total number of filter unit failures",
			},
			[]string{"filter"},
		),
		FilterSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "filter_skipped_total",
				Help:      "Total number of messages skipping a unit with an open circuit",
			},
			[]string{"filter"},
		),
		FilterDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "filter_duration_seconds",
				Help:      "Filter unit processing time in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"filter"},
		),
		RateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Total number of connections closed for exceeding the frame rate",
			},
		),
		GoroutinesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_active",
				Help:      "Number of active goroutines",
			},
		),
		MemoryBytes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_bytes",
				Help:      "Memory usage in bytes",
			},
			[]string{"type"},
		),
	}
}

// ObserveConnection tracks one connection's lifecycle around f: the active
// gauge while it runs, duration and total on the way out.
func (m *Metrics) ObserveConnection(transport string, f func() error) error {
	m.ActiveConnections.WithLabelValues(transport).Inc()
	defer m.ActiveConnections.WithLabelValues(transport).Dec()

	start := time.Now()
	defer func() {
		m.ConnectionDuration.WithLabelValues(transport).Observe(time.Since(start).Seconds())
	}()

	err := f()
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ConnectionsTotal.WithLabelValues(transport, status).Inc()

	return err
}
