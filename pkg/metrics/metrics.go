// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// InboundTotal counts webhook deliveries by outcome (received, duplicate, ignored, error).
	InboundTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whatsapp_inbound_total",
			Help: "Inbound WhatsApp webhook deliveries by outcome",
		},
		[]string{"outcome", "reason"},
	)

	// IngestDuration tracks the end-to-end time of one delivery.
	IngestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "whatsapp_ingest_duration_seconds",
			Help:    "Inbound delivery processing time",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	// MediaRelocations counts media pipeline runs.
	MediaRelocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whatsapp_media_relocations_total",
			Help: "Media relocations by namespace and result",
		},
		[]string{"namespace", "result"},
	)

	// StoreConflicts counts unique-constraint races resolved by re-reading.
	StoreConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whatsapp_store_conflicts_total",
			Help: "Unique constraint conflicts resolved by re-read",
		},
		[]string{"entity"},
	)

	// DeadLetters counts deliveries handed to the dead-letter subject.
	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whatsapp_dead_letters_total",
			Help: "Deliveries published to the dead-letter subject",
		},
		[]string{"stage"},
	)

	// OutboundTotal counts outbound provider sends.
	OutboundTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whatsapp_outbound_total",
			Help: "Outbound provider sends by type and result",
		},
		[]string{"type", "result"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// DeltasPublished counts realtime deltas published to NATS.
	DeltasPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nats_deltas_published_total",
			Help: "Realtime deltas published by kind",
		},
		[]string{"kind", "result"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordInbound records the outcome of one webhook delivery.
func RecordInbound(outcome, reason string, duration float64) {
	InboundTotal.WithLabelValues(outcome, reason).Inc()
	IngestDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordMedia records a media pipeline result ("stored" or "failed").
func RecordMedia(namespace, result string) {
	MediaRelocations.WithLabelValues(namespace, result).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
