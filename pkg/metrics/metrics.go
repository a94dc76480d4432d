package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reconciliation pass metrics
	ReconcilePasses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "omnibus_reconcile_passes_total",
		Help: "Total number of reconciliation passes grouped by result status",
	}, []string{"status"})
	ReconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "omnibus_reconcile_duration_seconds",
		Help:    "Duration of reconciliation passes",
		Buckets: prometheus.DefBuckets,
	})
	SettingsValidationErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "omnibus_settings_validation_errors_total",
		Help: "Total number of field-level settings validation errors",
	})
	ArtifactApplies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "omnibus_artifact_applies_total",
		Help: "Total number of artifact application attempts grouped by result (applied, unchanged, failed)",
	}, []string{"artifact", "result"})
	ServiceReloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "omnibus_service_reloads_total",
		Help: "Total number of service reload signals grouped by result",
	}, []string{"service", "result"})
	SecretResolutionFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "omnibus_secret_resolution_failures_total",
		Help: "Total number of secret references that could not be resolved",
	}, []string{"source"})

	// Directory sync metrics
	SyncJobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "omnibus_sync_job_runs_total",
		Help: "Total number of directory sync job runs grouped by outcome",
	}, []string{"server", "kind", "outcome"})
	SyncJobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "omnibus_sync_job_duration_seconds",
		Help:    "Duration of directory sync job runs",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
	}, []string{"server", "kind"})
	SyncJobsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "omnibus_sync_jobs_skipped_overlap_total",
		Help: "Total number of scheduled sync fires skipped because a run was still in progress",
	}, []string{"server", "kind"})
	SyncJobsRunning = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "omnibus_sync_jobs_running",
		Help: "Number of sync jobs currently running (0 or 1 per server and kind)",
	}, []string{"server", "kind"})
	SyncEntriesReconciled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "omnibus_sync_entries_reconciled_total",
		Help: "Total number of directory entries reconciled into local records",
	}, []string{"server", "kind", "type"})
	SyncEntryErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "omnibus_sync_entry_errors_total",
		Help: "Total number of directory entries that could not be reconciled",
	}, []string{"server", "kind"})

	// Job log sink metrics
	JobLogSinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "omnibus_joblog_sink_errors_total",
		Help: "Total number of sync job record deliveries that failed, grouped by sink and error type",
	}, []string{"sink", "error_type"})
	JobLogSinkLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "omnibus_joblog_sink_latency_seconds",
		Help:    "Latency of sync job record deliveries per sink",
		Buckets: prometheus.DefBuckets,
	}, []string{"sink"})

	// Mail metrics
	MailSendSuccess = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "omnibus_mail_send_success_total",
		Help: "Total number of successful mail sends",
	}, []string{"host"})
	MailSendFailure = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "omnibus_mail_send_failure_total",
		Help: "Total number of failed mail sends",
	}, []string{"host"})

	// Leader election metrics
	LeaderElected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "omnibus_leader_elected",
		Help: "1 while this replica holds the reconciler lease",
	})

	// API metrics
	APIRateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "omnibus_api_rate_limited_total",
		Help: "Total number of API requests rejected by the rate limiter",
	}, []string{"path"})
)

func init() {
	prometheus.MustRegister(ReconcilePasses)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(SettingsValidationErrors)
	prometheus.MustRegister(ArtifactApplies)
	prometheus.MustRegister(ServiceReloads)
	prometheus.MustRegister(SecretResolutionFailures)
	prometheus.MustRegister(SyncJobRuns)
	prometheus.MustRegister(SyncJobDuration)
	prometheus.MustRegister(SyncJobsSkipped)
	prometheus.MustRegister(SyncJobsRunning)
	prometheus.MustRegister(SyncEntriesReconciled)
	prometheus.MustRegister(SyncEntryErrors)
	prometheus.MustRegister(JobLogSinkErrors)
	prometheus.MustRegister(JobLogSinkLatency)
	prometheus.MustRegister(MailSendSuccess)
	prometheus.MustRegister(MailSendFailure)
	prometheus.MustRegister(LeaderElected)
	prometheus.MustRegister(APIRateLimited)
}

// MetricsHandler returns an http.Handler exposing Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
