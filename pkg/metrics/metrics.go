// Package metrics holds the Prometheus collectors for the config service.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// WSConnections tracks the current number of live push sessions.
	WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "confhub_ws_connections",
		Help: "Current number of active config push connections.",
	})

	// ChangesPublished counts change events fanned out to subscribers.
	ChangesPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "confhub_changes_published_total",
		Help: "Total number of config change events published.",
	}, []string{"change_type"})

	// SessionsDropped counts sessions disconnected for backpressure or
	// missed heartbeats.
	SessionsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "confhub_sessions_dropped_total",
		Help: "Total number of push sessions dropped by the server.",
	}, []string{"reason"})

	// FanoutLatency observes the time to enqueue one change to all
	// subscribed sessions.
	FanoutLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "confhub_fanout_latency_seconds",
		Help:    "Latency of fanning a change event out to subscribed sessions.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(WSConnections, ChangesPublished, SessionsDropped, FanoutLatency)
}
