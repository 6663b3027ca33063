// Package metrics declares the service's Prometheus collectors. They are
// registered on the default registry at init and served by the HTTP layer
// under /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TurnsProcessed counts user turns by session phase and the action the
	// state machine picked for them.
	TurnsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prism",
		Subsystem: "conversation",
		Name:      "turns_processed_total",
		Help:      "User turns processed, by phase and decided action.",
	}, []string{"phase", "action"})

	// GatewayDuration observes wall time of model gateway calls by operation
	// (chat, requirements_doc, issues).
	GatewayDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "prism",
		Subsystem: "gateway",
		Name:      "call_duration_seconds",
		Help:      "Duration of model gateway calls.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"operation"})

	// ActiveWebSockets gauges currently open extension connections.
	ActiveWebSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "prism",
		Subsystem: "ws",
		Name:      "active_connections",
		Help:      "Open WebSocket connections.",
	})

	// WebSocketMessages counts inbound WebSocket messages by type.
	WebSocketMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prism",
		Subsystem: "ws",
		Name:      "messages_total",
		Help:      "Inbound WebSocket messages, by type.",
	}, []string{"type"})
)
