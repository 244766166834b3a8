package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RPCRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cometshift",
		Name:      "rpc_retries_total",
		Help:      "Transient node RPC failures that were retried.",
	})

	OperationsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cometshift",
		Name:      "operations_submitted_total",
		Help:      "Meta-transactions submitted to the entry point, by outcome.",
	}, []string{"outcome"})

	Migrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cometshift",
		Name:      "migrations_total",
		Help:      "Cross-market position migrations, by outcome.",
	}, []string{"outcome"})

	MigrationStepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cometshift",
		Name:      "migration_step_failures_total",
		Help:      "Migration failures keyed by the step they occurred at.",
	}, []string{"step"})

	SubmitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cometshift",
		Name:      "submit_duration_seconds",
		Help:      "Wall time from batch submission to receipt.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})
)

// Handler exposes the default registry for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
