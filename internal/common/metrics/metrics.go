// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deal_worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deal_worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "deal_worker_job_duration_seconds",
			Help: "Duration of job processing in seconds",
		},
		[]string{"task_type"},
	)

	WorkerJobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deal_worker_jobs_active",
			Help: "Number of active jobs per worker",
		},
		[]string{"task_type"},
	)

	// ReconcileTotal counts reconciliations by outcome source
	// (merged, grouped_only, flat_only, unavailable).
	ReconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deal_pipeline_reconcile_total",
			Help: "Total number of pipeline reconciliations by outcome",
		},
		[]string{"source"},
	)

	ReconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deal_pipeline_reconcile_duration_seconds",
			Help:    "Duration of pipeline reconciliation in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	FetchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deal_pipeline_fetch_failures_total",
			Help: "Total number of failed pipeline source fetches",
		},
		[]string{"source"},
	)

	PendingSurfaced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deal_pipeline_pending_surfaced_total",
			Help: "Pending requests added to new from the flat list",
		},
	)

	StatusDisagreements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deal_pipeline_status_disagreements_total",
			Help: "Requests listed as pending by the flat list but classified elsewhere by the grouped feed",
		},
		[]string{"grouped_stage"},
	)

	StaleRefreshesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deal_pipeline_stale_refreshes_dropped_total",
			Help: "Refresh results discarded because a newer refresh started or the store closed",
		},
	)

	PipelineRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deal_pipeline_requests",
			Help: "Requests per pipeline stage in the current snapshot",
		},
		[]string{"stage"},
	)

	DealActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deal_actions_total",
			Help: "Investor actions by type and result",
		},
		[]string{"action", "result"},
	)
)
