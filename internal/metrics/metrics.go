// Package metrics provides Prometheus instrumentation for the room chat
// server: gauges for live connections and room subscriptions, counters for
// fan-out and message throughput, and histograms for fan-out width and HTTP
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of live sessions.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomchat_connections_total",
		Help: "Current number of live WebSocket sessions",
	})

	// RoomSubscriptions tracks the current number of (session, room) pairs.
	RoomSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomchat_room_subscriptions",
		Help: "Current number of live room subscriptions",
	})

	// EventsTotal counts server -> client events fanned out, labeled by event
	// type ("new-message", "user-online", ...).
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_events_total",
		Help: "Total number of live events fanned out",
	}, []string{"event"})

	// ClientEventsTotal counts client -> server events received, labeled by
	// event type. Unsupported types are counted as "unknown".
	ClientEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_client_events_total",
		Help: "Total number of client events received",
	}, []string{"event"})

	// EventsDropped counts deliveries skipped because a session's outbound
	// queue was full.
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomchat_events_dropped_total",
		Help: "Deliveries dropped because the receiver's queue was full",
	})

	// FanoutSize records how many sessions received a single broadcast.
	FanoutSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "roomchat_fanout_size",
		Help:    "Number of receivers per room broadcast",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
	})

	// MessagesTotal counts committed message operations, labeled by op:
	// "created", "edited", "deleted", "reaction", "read".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_messages_total",
		Help: "Total number of committed message operations",
	}, []string{"op"})

	// HTTPDuration records REST request latency in seconds.
	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roomchat_http_request_duration_seconds",
		Help:    "REST request latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"route", "code"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RoomSubscriptions,
		EventsTotal,
		ClientEventsTotal,
		EventsDropped,
		FanoutSize,
		MessagesTotal,
		HTTPDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
