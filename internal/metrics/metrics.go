package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counters
	ClientRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobtrack_client_requests_total",
			Help: "Total number of backend requests issued by the job client",
		},
		[]string{"op", "outcome"}, // outcome: ok, validation, transport, not_ready, not_found
	)

	RelayEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobtrack_relay_events_total",
			Help: "Total number of push events received on the relay",
		},
		[]string{"event"},
	)

	RelayConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobtrack_relay_connections_total",
			Help: "Total number of relay dial attempts",
		},
		[]string{"result"}, // ok, error
	)

	RegistryEventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobtrack_registry_events_dropped_total",
			Help: "Total number of relay events ignored by the registry",
		},
		[]string{"reason"}, // unknown_job, terminal, stale, malformed
	)

	// Gauges
	ActiveJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobtrack_active_jobs",
			Help: "Current number of jobs in the registry's active set",
		},
		[]string{"kind"},
	)
)

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
