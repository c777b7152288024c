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

	// FeedConnectionsActive tracks open live feed connections per transport.
	FeedConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feed_connections_active",
			Help: "Number of active live feed connections",
		},
		[]string{"transport"},
	)

	// NATSStreamMessages tracks messages in NATS stream.
	NATSStreamMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_stream_messages",
			Help: "Number of messages in NATS stream",
		},
		[]string{"stream"},
	)

	// NATSStreamBytes tracks bytes in NATS stream.
	NATSStreamBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_stream_bytes",
			Help: "Bytes in NATS stream",
		},
		[]string{"stream"},
	)

	// ConversationsTotal tracks total conversations provisioned.
	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
		[]string{"kind"},
	)

	// MessagesTotal tracks total messages inserted.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages inserted",
		},
		[]string{"kind"},
	)

	// SendsTotal tracks optimistic sends by outcome on the client side.
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sends_total",
			Help: "Optimistic sends by outcome",
		},
		[]string{"outcome"},
	)

	// ReconciliationsTotal tracks how placeholders were reconciled.
	ReconciliationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_reconciliations_total",
			Help: "Placeholder reconciliations by path",
		},
		[]string{"path"},
	)

	// FeedLossTotal tracks live feeds that dropped after establishment.
	FeedLossTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_feed_loss_total",
			Help: "Live feeds lost after establishment",
		},
	)

	// BindDuration tracks the time from selection to a live conversation.
	BindDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_bind_duration_seconds",
			Help:    "Time to bind a conversation",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"outcome"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// IncrementFeedConnections increments the active feed connection count.
func IncrementFeedConnections(transport string) {
	FeedConnectionsActive.WithLabelValues(transport).Inc()
}

// DecrementFeedConnections decrements the active feed connection count.
func DecrementFeedConnections(transport string) {
	FeedConnectionsActive.WithLabelValues(transport).Dec()
}

// RecordStream records JetStream stream state.
func RecordStream(stream string, msgs, bytes uint64) {
	NATSStreamMessages.WithLabelValues(stream).Set(float64(msgs))
	NATSStreamBytes.WithLabelValues(stream).Set(float64(bytes))
}
