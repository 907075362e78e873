// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the engine and its
// servers. Every method is safe to call on a nil *Metrics, which records
// nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of mcoap.
type Metrics struct {
	// Connection metrics (stream listeners)
	ActiveConnections  *prometheus.GaugeVec
	TotalConnections   *prometheus.CounterVec
	ConnectionErrors   *prometheus.CounterVec
	ConnectionDuration *prometheus.HistogramVec

	// Session metrics
	ActiveSessions *prometheus.GaugeVec
	SessionsTotal  *prometheus.CounterVec

	// Message metrics
	MessagesTotal   *prometheus.CounterVec
	MessageSize     *prometheus.HistogramVec
	BadPackets      *prometheus.CounterVec
	Retransmissions *prometheus.CounterVec
	Nacks           *prometheus.CounterVec

	// Request metrics
	RequestsTotal *prometheus.CounterVec
	CacheHits     *prometheus.CounterVec

	// Blockwise metrics
	BlockTransfers *prometheus.CounterVec

	// Observe metrics
	Observers     *prometheus.GaugeVec
	Notifications *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerTrips *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitedRequests *prometheus.CounterVec

	// Loop metrics
	LoopDuration *prometheus.HistogramVec
}

// New creates a new Metrics instance registered with reg, or with the
// default registerer when reg is nil.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "mcoap"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	m := &Metrics{
		ActiveConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently active stream connections",
			},
			[]string{"protocol"},
		),
		TotalConnections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of stream connections",
			},
			[]string{"protocol", "status"},
		),
		ConnectionErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_errors_total",
				Help:      "Total number of connection errors",
			},
			[]string{"protocol", "error_type"},
		),
		ConnectionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Connection duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"protocol"},
		),
		ActiveSessions: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of sessions held by the engine",
			},
			[]string{"protocol", "role"},
		),
		SessionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of sessions created",
			},
			[]string{"protocol", "role"},
		),
		MessagesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Total number of messages by direction, type and code",
			},
			[]string{"direction", "type", "code"},
		),
		MessageSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "message_size_bytes",
				Help:      "Encoded message size in bytes",
				Buckets:   []float64{16, 64, 256, 1024, 4096, 65536, 1048576},
			},
			[]string{"direction"},
		),
		BadPackets: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bad_packets_total",
				Help:      "Total number of packets that failed to parse",
			},
			[]string{"protocol"},
		),
		Retransmissions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retransmissions_total",
				Help:      "Total number of confirmable message retransmissions",
			},
			[]string{"protocol"},
		),
		Nacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nacks_total",
				Help:      "Total number of undelivered messages by reason",
			},
			[]string{"reason"},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests dispatched",
			},
			[]string{"method", "code"},
		),
		CacheHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total number of duplicate requests answered from the cache",
			},
			[]string{"protocol"},
		),
		BlockTransfers: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "block_transfers_total",
				Help:      "Total number of finished blockwise transfers",
			},
			[]string{"option", "result"},
		),
		Observers: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "observers",
				Help:      "Number of active observe subscriptions",
			},
			[]string{},
		),
		Notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total number of observe notifications sent",
			},
			[]string{"type"},
		),
		CircuitBreakerTrips: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of session circuit breaker trips",
			},
			[]string{"protocol"},
		),
		RateLimitedRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_requests_total",
				Help:      "Total number of rate limited requests",
			},
			[]string{"protocol", "limiter_type"},
		),
		LoopDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "loop_iteration_duration_seconds",
				Help:      "Duration of one engine loop iteration in seconds",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
			},
			[]string{"phase"},
		),
	}

	return m
}

// ObserveConnection tracks a stream connection lifecycle.
func (m *Metrics) ObserveConnection(protocol string, f func() error) error {
	if m == nil {
		return f()
	}
	m.ActiveConnections.WithLabelValues(protocol).Inc()
	defer m.ActiveConnections.WithLabelValues(protocol).Dec()

	start := time.Now()
	defer func() {
		duration := time.Since(start).Seconds()
		m.ConnectionDuration.WithLabelValues(protocol).Observe(duration)
	}()

	err := f()
	status := "success"
	if err != nil {
		status = "error"
	}
	m.TotalConnections.WithLabelValues(protocol, status).Inc()

	return err
}

// ConnectionError counts a failed accept, handshake or read.
func (m *Metrics) ConnectionError(protocol, errorType string) {
	if m == nil {
		return
	}
	m.ConnectionErrors.WithLabelValues(protocol, errorType).Inc()
}

// ObserveLoop records the duration of a loop phase.
func (m *Metrics) ObserveLoop(phase string, f func()) {
	if m == nil {
		f()
		return
	}
	start := time.Now()
	f()
	m.LoopDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}

// SessionOpened counts a new session.
func (m *Metrics) SessionOpened(protocol, role string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(protocol, role).Inc()
	m.ActiveSessions.WithLabelValues(protocol, role).Inc()
}

// SessionClosed counts a released session.
func (m *Metrics) SessionClosed(protocol, role string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(protocol, role).Dec()
}

// Message counts a message sent ("tx") or received ("rx").
func (m *Metrics) Message(direction, msgType, code string, size int) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(direction, msgType, code).Inc()
	m.MessageSize.WithLabelValues(direction).Observe(float64(size))
}

// BadPacket counts an unparseable packet.
func (m *Metrics) BadPacket(protocol string) {
	if m == nil {
		return
	}
	m.BadPackets.WithLabelValues(protocol).Inc()
}

// Retransmission counts a resent confirmable message.
func (m *Metrics) Retransmission(protocol string) {
	if m == nil {
		return
	}
	m.Retransmissions.WithLabelValues(protocol).Inc()
}

// Nack counts an undelivered message.
func (m *Metrics) Nack(reason string) {
	if m == nil {
		return
	}
	m.Nacks.WithLabelValues(reason).Inc()
}

// Request counts a dispatched request and its response code.
func (m *Metrics) Request(method, code string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, code).Inc()
}

// CacheHit counts a duplicate answered from the cache.
func (m *Metrics) CacheHit(protocol string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(protocol).Inc()
}

// BlockTransfer counts a finished blockwise transfer.
func (m *Metrics) BlockTransfer(option, result string) {
	if m == nil {
		return
	}
	m.BlockTransfers.WithLabelValues(option, result).Inc()
}

// SetObservers sets the subscription gauge.
func (m *Metrics) SetObservers(n int) {
	if m == nil {
		return
	}
	m.Observers.WithLabelValues().Set(float64(n))
}

// Notification counts a notification by message type.
func (m *Metrics) Notification(msgType string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(msgType).Inc()
}

// BreakerTrip counts a session circuit breaker opening.
func (m *Metrics) BreakerTrip(protocol string) {
	if m == nil {
		return
	}
	m.CircuitBreakerTrips.WithLabelValues(protocol).Inc()
}

// RateLimited counts a request rejected by a limiter.
func (m *Metrics) RateLimited(protocol, limiterType string) {
	if m == nil {
		return
	}
	m.RateLimitedRequests.WithLabelValues(protocol, limiterType).Inc()
}
