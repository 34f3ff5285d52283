package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	// auditlog-api metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auditlog_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"route", "method", "code"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auditlog_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	ActiveRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "auditlog_active_requests",
		Help: "Current in-flight requests",
	})

	ActorBindingsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "auditlog_actor_bindings_active",
		Help: "Unreleased actor context bindings",
	})

	// recording path
	RecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auditlog_records_total",
		Help: "Change records produced",
	}, []string{"action"})

	TaskSubmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auditlog_task_submit_total",
		Help: "Tasks submitted to the runner",
	}, []string{"kind", "status"})

	TaskTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auditlog_task_total",
		Help: "Task completion count",
	}, []string{"kind", "status"})

	TaskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auditlog_task_duration_seconds",
		Help:    "Task end-to-end duration",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"kind"})

	TaskRetryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auditlog_task_retry_total",
		Help: "Task retry count",
	}, []string{"kind"})

	// batched write buffer
	BufferPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "auditlog_buffer_pending",
		Help: "Records accepted but not yet flushed",
	})

	BufferFlushTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auditlog_buffer_flush_total",
		Help: "Buffer flush attempts",
	}, []string{"trigger", "status"})

	BufferFlushSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "auditlog_buffer_flush_size",
		Help:    "Records per buffer flush",
		Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000},
	})

	BufferDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auditlog_buffer_failed_records_total",
		Help: "Records whose flush failed after all retries",
	})

	// stores
	SecondaryFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auditlog_secondary_failures_total",
		Help: "Recovered secondary store failures",
	}, []string{"op"})

	DanglingReferencesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auditlog_dangling_references_total",
		Help: "References nulled while mapping secondary documents",
	}, []string{"kind"})

	// reconciliation
	ReconcileRecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auditlog_reconcile_records_total",
		Help: "Records processed by reconciliation jobs",
	}, []string{"job", "outcome"})

	ReconcileRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auditlog_reconcile_runs_total",
		Help: "Reconciliation runs",
	}, []string{"job", "status"})

	ReconcileDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auditlog_reconcile_duration_seconds",
		Help:    "Reconciliation run duration",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
	}, []string{"job"})

	BackfillWatermark = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "auditlog_backfill_watermark_seconds",
		Help: "Persisted backfill watermark as unix time",
	})

	LockWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "auditlog_lock_wait_seconds",
		Help:    "Reconciliation lock acquire time",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	ReconcilerActiveJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "auditlog_reconciler_active_jobs",
		Help: "Currently executing reconciliation jobs",
	})
)

func RegisterAll(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, ActiveRequests, ActorBindingsActive,
		RecordsTotal, TaskSubmitTotal, TaskTotal, TaskDuration, TaskRetryTotal,
		BufferPending, BufferFlushTotal, BufferFlushSize, BufferDroppedTotal,
		SecondaryFailuresTotal, DanglingReferencesTotal,
		ReconcileRecordsTotal, ReconcileRunsTotal, ReconcileDuration, BackfillWatermark,
		LockWaitSeconds, ReconcilerActiveJobs,
	)
}
