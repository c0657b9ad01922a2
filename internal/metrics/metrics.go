// Package metrics exposes the prometheus collectors of the dispatcher and
// the coordinator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "lava"
)

var (
	// Registry holds every collector of this package so the binaries do
	// not expose the global default registry.
	Registry = prometheus.NewRegistry()

	factory = promauto.With(Registry)

	ActionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "action_duration_seconds",
			Help:      "Duration of pipeline actions by outcome",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"action", "outcome"},
	)

	Results = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "results_total",
			Help:      "Result records emitted by result",
		},
		[]string{"result"},
	)

	JobsFinished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "jobs_total",
			Help:      "Finished jobs by status",
		},
		[]string{"status"},
	)

	CoordinatorRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "requests_total",
			Help:      "Coordinator requests by request type and response",
		},
		[]string{"request", "response"},
	)

	CoordinatorGroups = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "groups",
			Help:      "Multinode groups currently known to the coordinator",
		},
	)
)

// Handler serves the registry in the prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
