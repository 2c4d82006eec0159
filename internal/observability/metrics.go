package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequestsTotal  *prometheus.CounterVec
	httpLatencySeconds *prometheus.HistogramVec
	httpErrorsTotal    *prometheus.CounterVec

	submissionsDispatched *prometheus.CounterVec
	submissionsCompleted  *prometheus.CounterVec
	completionLatency     prometheus.Histogram
	submissionsPruned     prometheus.Counter
	archiveEntryFailures  prometheus.Counter
	hookFailures          *prometheus.CounterVec
	submissionWatchers    prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors used by the API and the grading core.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_http_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grader_http_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_http_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		submissionsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_submissions_dispatched_total",
			Help: "Submissions handed to the grading client.",
		}, []string{"mode"})

		submissionsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_submissions_completed_total",
			Help: "Submissions finalized by the completion handler.",
		}, []string{"status", "result"})

		completionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "grader_completion_latency_seconds",
			Help:    "Time between submission and finalization.",
			Buckets: []float64{1, 2.5, 5, 10, 30, 60, 120, 300, 900},
		})

		submissionsPruned = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grader_submissions_pruned_total",
			Help: "Submissions deleted by the retention policy.",
		})

		archiveEntryFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grader_archive_entry_failures_total",
			Help: "Submissions skipped while building export archives.",
		})

		hookFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_hook_failures_total",
			Help: "Submission-done hooks that returned an error or panicked.",
		}, []string{"hook"})

		submissionWatchers = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grader_submission_watchers",
			Help: "Open websocket connections waiting for a submission result.",
		})

		prometheus.MustRegister(
			httpRequestsTotal, httpLatencySeconds, httpErrorsTotal,
			submissionsDispatched, submissionsCompleted, completionLatency,
			submissionsPruned, archiveEntryFailures, hookFailures,
			submissionWatchers,
		)
	})
}

// HTTPRequests exposes the counter for API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for API error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

// SubmissionsDispatched counts dispatches by mode (submit, replay_reuse, replay_copy).
func SubmissionsDispatched() *prometheus.CounterVec {
	RegisterMetrics()
	return submissionsDispatched
}

// SubmissionsCompleted counts finalized submissions.
func SubmissionsCompleted() *prometheus.CounterVec {
	RegisterMetrics()
	return submissionsCompleted
}

// CompletionLatency observes submit-to-finalize durations.
func CompletionLatency() prometheus.Histogram {
	RegisterMetrics()
	return completionLatency
}

// SubmissionsPruned counts retention deletions.
func SubmissionsPruned() prometheus.Counter {
	RegisterMetrics()
	return submissionsPruned
}

// ArchiveEntryFailures counts submissions skipped by the exporter.
func ArchiveEntryFailures() prometheus.Counter {
	RegisterMetrics()
	return archiveEntryFailures
}

// HookFailures counts failing submission-done hooks.
func HookFailures() *prometheus.CounterVec {
	RegisterMetrics()
	return hookFailures
}

// SubmissionWatchers tracks open submission watch connections.
func SubmissionWatchers() prometheus.Gauge {
	RegisterMetrics()
	return submissionWatchers
}
