// Package metrics provides Prometheus instrumentation for the chat gateway.
// It exposes gauges for connection and room counts, counters for message
// throughput, and histograms for send-path latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "brokerchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts the messages processed, labeled by outcome:
	// "sent" (accepted from a client), "delivered" (written to a room
	// member), or "blocked" (rejected by validation or rate limiting).
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "brokerchat_messages_total",
		Help: "Total number of messages processed",
	}, []string{"outcome"})

	// SendLatency records the gateway-side send path latency (receive to
	// publish) in seconds.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "brokerchat_send_latency_seconds",
		Help:    "Send path latency from receive to publish in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// OpenRooms tracks the number of chat rooms with at least one local member.
	OpenRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "brokerchat_open_rooms",
		Help: "Current number of chat rooms with a local member",
	})

	// TypingSignalsTotal counts relayed typing signals.
	TypingSignalsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "brokerchat_typing_signals_total",
		Help: "Total number of typing signals relayed",
	})

	// HistoryRequestsTotal counts history REST requests, labeled by status:
	// "ok" or "error".
	HistoryRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "brokerchat_history_requests_total",
		Help: "Total number of history endpoint requests",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		SendLatency,
		OpenRooms,
		TypingSignalsTotal,
		HistoryRequestsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
