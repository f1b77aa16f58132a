// Package metrics exposes the dispatcher's Prometheus gauges and counters
// as package-level vars, plus a Handler for serving /metrics. Metrics are
// observability only; the dispatcher's per-scan decisions (planScan) never
// read them back.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kssh_workers_total",
			Help: "Current worker count by state (idle, running, done, excluded).",
		},
		[]string{"state"},
	)

	BlocksCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kssh_blocks_completed_total",
			Help: "Blocks successfully fetched and written.",
		},
	)

	BlocksRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kssh_blocks_retried_total",
			Help: "Blocks returned to the retry queue after a failed transaction.",
		},
	)

	BlocksLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kssh_blocks_lost_total",
			Help: "Blocks that could not be redispatched because no worker remained.",
		},
	)

	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kssh_transactions_total",
			Help: "Scan-loop transactions by kind (start, check, fetch) and resolved status.",
		},
		[]string{"kind", "status"},
	)

	EstimatorSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kssh_estimator_seconds",
			Help: "Current adaptive estimator values per worker.",
		},
		[]string{"host", "estimator"},
	)
)

func init() {
	prometheus.MustRegister(
		WorkersTotal,
		BlocksCompleted,
		BlocksRetried,
		BlocksLost,
		TransactionsTotal,
		EstimatorSeconds,
	)
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
