// Package metrics provides Prometheus instrumentation for the chat gateway.
// It exposes gauges for connection and presence counts, counters for event
// throughput, and histograms for persistence latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of live WebSocket
	// connections on this gateway process.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	// UsersOnline tracks the number of identities with at least one live
	// connection on this process.
	UsersOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_users_online",
		Help: "Current number of identities with at least one connection",
	})

	// EventsTotal counts inbound client events by type and outcome
	// ("ok", "denied", "invalid", "failed").
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_events_total",
		Help: "Total number of inbound client events processed",
	}, []string{"event", "outcome"})

	// PresenceTransitions counts presence edges by direction
	// ("online", "offline").
	PresenceTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_presence_transitions_total",
		Help: "Total number of presence transitions published",
	}, []string{"direction"})

	// PublishDegradations counts publishes that fell back to local-only
	// delivery because the cross-process transport was unavailable.
	PublishDegradations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_publish_degradations_total",
		Help: "Publishes delivered local-only due to transport failure",
	})

	// AuthFailures counts rejected connection authentications.
	AuthFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_auth_failures_total",
		Help: "Total number of failed connection authentications",
	})

	// PersistLatency records persistence call latency in seconds, labeled
	// by operation ("create_message", "mark_read", "load_memberships").
	PersistLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_persist_latency_seconds",
		Help:    "Persistence call latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		UsersOnline,
		EventsTotal,
		PresenceTransitions,
		PublishDegradations,
		AuthFailures,
		PersistLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
