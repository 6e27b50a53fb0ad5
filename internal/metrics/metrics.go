// Package metrics registers the Prometheus instruments the services share.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ClawBuds backend.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Event bus metrics
	EventsEmitted *prometheus.CounterVec

	// Message metrics
	MessagesSent prometheus.Counter
	InboxFanout  prometheus.Histogram

	// Reflex metrics
	ReflexExecutions   *prometheus.CounterVec
	HardConstraintHits prometheus.Counter

	// Layer-1 metrics
	L1QueueDepth     prometheus.Gauge
	L1BatchesFlushed prometheus.Counter
	L1BatchSize      prometheus.Histogram

	// Gateway metrics
	GatewayConnections prometheus.Gauge
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawbuds_http_requests_total",
				Help: "HTTP requests served, by route and status class",
			},
			[]string{"route", "method", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clawbuds_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		EventsEmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawbuds_events_emitted_total",
				Help: "Bus emissions by topic",
			},
			[]string{"topic"},
		),
		MessagesSent: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "clawbuds_messages_sent_total",
				Help: "Messages committed through the fan-out path",
			},
		),
		InboxFanout: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "clawbuds_inbox_fanout_size",
				Help:    "Recipients per sent message",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
			},
		),
		ReflexExecutions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawbuds_reflex_executions_total",
				Help: "Reflex evaluations by result code",
			},
			[]string{"result"},
		),
		HardConstraintHits: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "clawbuds_hard_constraint_hits_total",
				Help: "Executions blocked by the hourly hard constraint",
			},
		),
		L1QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "clawbuds_l1_queue_depth",
				Help: "Items currently queued for Layer-1 dispatch",
			},
		),
		L1BatchesFlushed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "clawbuds_l1_batches_flushed_total",
				Help: "Layer-1 batches handed to the notifier",
			},
		),
		L1BatchSize: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "clawbuds_l1_batch_size",
				Help:    "Items per flushed Layer-1 batch",
				Buckets: []float64{1, 2, 5, 10, 20},
			},
		),
		GatewayConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "clawbuds_gateway_connections",
				Help: "Open websocket gateway connections",
			},
		),
	}
}

// The record methods below tolerate a nil receiver so components constructed
// without instrumentation stay silent.

// RecordEmission counts one bus emission on a topic.
func (m *Metrics) RecordEmission(topic string) {
	if m == nil {
		return
	}
	m.EventsEmitted.WithLabelValues(topic).Inc()
}

// RecordMessageSent counts one committed message and its fan-out width.
func (m *Metrics) RecordMessageSent(recipients int) {
	if m == nil {
		return
	}
	m.MessagesSent.Inc()
	m.InboxFanout.Observe(float64(recipients))
}

// RecordReflexExecution counts one reflex evaluation by result code.
func (m *Metrics) RecordReflexExecution(result string) {
	if m == nil {
		return
	}
	m.ReflexExecutions.WithLabelValues(result).Inc()
}

// RecordHardConstraintHit counts one execution blocked by the hourly cap.
func (m *Metrics) RecordHardConstraintHit() {
	if m == nil {
		return
	}
	m.HardConstraintHits.Inc()
}

// SetL1QueueDepth tracks the current Layer-1 queue length.
func (m *Metrics) SetL1QueueDepth(depth int) {
	if m == nil {
		return
	}
	m.L1QueueDepth.Set(float64(depth))
}

// RecordL1Batch counts one flushed batch and its size.
func (m *Metrics) RecordL1Batch(size int) {
	if m == nil {
		return
	}
	m.L1BatchesFlushed.Inc()
	m.L1BatchSize.Observe(float64(size))
}

// RecordGatewayConnect tracks one websocket opening.
func (m *Metrics) RecordGatewayConnect() {
	if m == nil {
		return
	}
	m.GatewayConnections.Inc()
}

// RecordGatewayDisconnect tracks one websocket closing.
func (m *Metrics) RecordGatewayDisconnect() {
	if m == nil {
		return
	}
	m.GatewayConnections.Dec()
}
