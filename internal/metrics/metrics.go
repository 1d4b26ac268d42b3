package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Adapter metrics
	AdapterCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_adapter_calls_total",
			Help: "Outbound feed adapter calls by feed and operation",
		},
		[]string{"feed", "op"},
	)

	AdapterErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_adapter_errors_total",
			Help: "Failed feed adapter calls by feed and operation",
		},
		[]string{"feed", "op"},
	)

	RateLimitTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_rate_limit_timeouts_total",
			Help: "Rate limiter acquisitions that timed out",
		},
		[]string{"feed"},
	)

	RateLimiterQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_rate_limiter_queue_depth",
			Help: "Callers currently waiting on the rate limiter",
		},
		[]string{"feed"},
	)

	// Pipeline metrics
	PagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_pages_processed_total",
			Help: "Work item pages fully processed",
		},
		[]string{"feed"},
	)

	RecordsUpserted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_records_upserted_total",
			Help: "Raw records written by workers",
		},
		[]string{"feed"},
	)

	PartitionsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_partitions_completed_total",
			Help: "Partitions that reached completed",
		},
		[]string{"feed"},
	)

	PartitionsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_partitions_failed_total",
			Help: "Partitions that reached failed",
		},
		[]string{"feed"},
	)

	IdempotentSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_idempotent_skips_total",
			Help: "Work item deliveries acked without state changes",
		},
		[]string{"feed", "reason"},
	)

	// Heatmap metrics
	ScanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_heatmap_scan_duration_seconds",
			Help:    "Density scan wall time",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"feed"},
	)

	ScanAPICalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_heatmap_api_calls_total",
			Help: "Count calls issued by density scans",
		},
		[]string{"feed"},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_queue_depth",
			Help: "Visible messages per queue",
		},
		[]string{"queue"},
	)

	// Run metrics
	RunsScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_runs_scheduled_total",
			Help: "Runs created by the scheduler",
		},
		[]string{"feed", "run_type"},
	)

	RunOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_run_outcomes_total",
			Help: "Terminal run outcomes",
		},
		[]string{"feed", "outcome"},
	)

	RunsStalled = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_runs_stalled",
			Help: "Active runs currently past the stall threshold",
		},
		[]string{"feed"},
	)

	ConsolidatedRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_consolidated_records_total",
			Help: "Raw records folded into diamonds",
		},
		[]string{"feed"},
	)

	NotificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_notifications_sent_total",
			Help: "Notifications delivered by event type",
		},
		[]string{"event"},
	)
)

func init() {
	prometheus.MustRegister(AdapterCalls)
	prometheus.MustRegister(AdapterErrors)
	prometheus.MustRegister(RateLimitTimeouts)
	prometheus.MustRegister(RateLimiterQueueDepth)
	prometheus.MustRegister(PagesProcessed)
	prometheus.MustRegister(RecordsUpserted)
	prometheus.MustRegister(PartitionsCompleted)
	prometheus.MustRegister(PartitionsFailed)
	prometheus.MustRegister(IdempotentSkips)
	prometheus.MustRegister(ScanDuration)
	prometheus.MustRegister(ScanAPICalls)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(RunsScheduled)
	prometheus.MustRegister(RunOutcomes)
	prometheus.MustRegister(RunsStalled)
	prometheus.MustRegister(ConsolidatedRecords)
	prometheus.MustRegister(NotificationsSent)
}

// Handler returns the Prometheus HTTP handler for the ops API.
func Handler() http.Handler {
	return promhttp.Handler()
}
