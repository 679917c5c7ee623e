// Package metrics exposes the execution engine's Prometheus collectors,
// trimmed to the execution domain (spec §2, §5).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the engine registers.
type Metrics struct {
	ActiveExecutions   prometheus.Gauge
	TierAssignments    *prometheus.CounterVec
	BuildDuration      *prometheus.HistogramVec
	ExecuteDuration    *prometheus.HistogramVec
	ExecutionsTotal    *prometheus.CounterVec
	RAMTierRetries     prometheus.Counter
}

// New registers and returns the engine's collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveExecutions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "apex_exec",
			Name:      "active_executions",
			Help:      "Number of executions currently in flight.",
		}),
		TierAssignments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apex_exec",
			Name:      "tier_assignments_total",
			Help:      "Executions dispatched per tier.",
		}, []string{"tier"}),
		BuildDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "apex_exec",
			Name:      "build_duration_seconds",
			Help:      "Runner Build step duration by language.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"language"}),
		ExecuteDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "apex_exec",
			Name:      "execute_duration_seconds",
			Help:      "Runner Execute step duration by language.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"language"}),
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apex_exec",
			Name:      "executions_total",
			Help:      "Completed executions by failure code (empty means success).",
		}, []string{"failure_code"}),
		RAMTierRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "apex_exec",
			Name:      "ram_tier_retries_total",
			Help:      "RAM tier relaunches triggered by an OOM pattern match.",
		}),
	}
}
