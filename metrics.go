package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Realtime metrics
	framesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_frames_total",
			Help: "Inbound realtime frames dispatched, by type",
		},
		[]string{"type"},
	)

	frameErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_frame_errors_total",
			Help: "Inbound realtime frames dropped",
		},
		[]string{"reason"}, // "malformed", "unknown_type", "listener_panic"
	)

	reconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_reconnect_attempts_total",
			Help: "Reconnection attempts scheduled",
		},
	)

	reconnectExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_reconnect_exhausted_total",
			Help: "Times the reconnection policy gave up",
		},
	)

	connectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_connection_state",
			Help: "Current connection state (0 disconnected, 1 connecting, 2 open, 3 reconnecting)",
		},
	)

	// REST metrics
	restRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_rest_requests_total",
			Help: "Backend REST calls",
		},
		[]string{"op", "status"}, // status: "ok" or "error"
	)

	restRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_rest_request_duration_seconds",
			Help:    "Backend REST call duration",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		},
		[]string{"op"},
	)

	// Store metrics
	unreadTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_unread_total",
			Help: "Sum of unread counts across all dialogs",
		},
	)
)
