// Package metrics exposes counters for the live synchronization layer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LiveSubscriptions is the number of open store subscriptions by kind
	// ("users", "channels", "channel", "messages", "thread").
	LiveSubscriptions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pulsesync",
		Name:      "live_subscriptions",
		Help:      "Open live queries against the document store.",
	}, []string{"kind"})

	// Snapshots counts delivered snapshots by kind.
	Snapshots = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsesync",
		Name:      "snapshots_total",
		Help:      "Snapshots applied to live state.",
	}, []string{"kind"})

	// StaleSnapshots counts snapshots dropped because their subscription
	// had been replaced.
	StaleSnapshots = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsesync",
		Name:      "stale_snapshots_total",
		Help:      "Snapshots discarded after a re-subscription.",
	}, []string{"kind"})

	// RejectedMutations counts mutations refused by policy or validation.
	RejectedMutations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsesync",
		Name:      "rejected_mutations_total",
		Help:      "Mutations rejected before reaching the store.",
	}, []string{"reason"})

	// WSConnections is the number of open websocket sessions.
	WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pulsesync",
		Name:      "ws_connections",
		Help:      "Open websocket sessions.",
	})
)

var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(
		LiveSubscriptions,
		Snapshots,
		StaleSnapshots,
		RejectedMutations,
		WSConnections,
		collectors.NewGoCollector(),
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
