// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Chat store metrics
	MessagesCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentchat_messages_committed_total",
			Help: "Total messages committed to the chat store",
		},
		[]string{"sender_type"},
	)

	PersistFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentchat_persist_failures_total",
			Help: "Persistence adapter failures",
		},
		[]string{"op"},
	)

	PersistLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentchat_persist_latency_seconds",
			Help:    "Persistence adapter call latency",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
	)

	// Signal metrics
	SignalsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentchat_signals_active",
			Help: "Agent responses currently streaming",
		},
	)

	SignalsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentchat_signals_finished_total",
			Help: "Agent responses finished, by outcome",
		},
		[]string{"outcome"}, // "completed" or "failed"
	)

	StreamDeltas = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentchat_stream_deltas_total",
			Help: "Streamed deltas received from model providers",
		},
	)

	// Dispatch metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentchat_queue_depth",
			Help: "Sends waiting in per-chat lanes",
		},
	)
)
