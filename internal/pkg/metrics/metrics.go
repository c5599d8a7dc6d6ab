package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nodesync_job_runs_total",
		Help: "Reconciliation job runs by terminal status.",
	}, []string{"job", "status"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nodesync_job_run_duration_seconds",
		Help:    "Reconciliation job run duration.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"job"})

	itemsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nodesync_poll_items_processed_total",
		Help: "Remote export items processed by the node poll job.",
	})

	upsertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nodesync_poll_upserts_total",
		Help: "Mirror upserts by table and outcome.",
	}, []string{"table", "outcome"})

	rowsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nodesync_poll_rows_deleted_total",
		Help: "Mirror rows pruned by the deletion planner.",
	}, []string{"table"})
)

// ObserveRun records a finished job run.
func ObserveRun(job, status string, durationSeconds float64) {
	runsTotal.WithLabelValues(job, status).Inc()
	runDuration.WithLabelValues(job).Observe(durationSeconds)
}

// AddItems counts processed export items.
func AddItems(n int) {
	itemsProcessed.Add(float64(n))
}

// AddUpsert counts one mirror upsert outcome.
func AddUpsert(table, outcome string) {
	upsertsTotal.WithLabelValues(table, outcome).Inc()
}

// AddDeleted counts pruned mirror rows.
func AddDeleted(table string, n int64) {
	rowsDeleted.WithLabelValues(table).Add(float64(n))
}
