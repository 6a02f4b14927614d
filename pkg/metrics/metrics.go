// Package metrics exposes the crawler's Prometheus metrics over HTTP and
// records the outcome of scheduled crawl runs.
//
// Request, retry, rate limit, crawl and merge metrics are defined in their
// respective packages (client, ratelimit, crawler, activity) via promauto
// and land in the default registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the crawler.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Run outcomes.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailure = "failure"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opcrawl_runs_total",
		Help: "Total crawl runs by outcome",
	}, []string{"project", "outcome"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opcrawl_run_duration_seconds",
		Help:    "Duration of full crawl runs in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"project"})

	runTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "opcrawl_run_tasks",
		Help: "Tasks merged by the last run",
	}, []string{"project"})

	lastSuccess = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "opcrawl_last_success_timestamp_seconds",
		Help: "Unix time of the last run that completed without fetch failures",
	}, []string{"project"})
)

// RunResult summarizes one crawl run for RecordRun.
type RunResult struct {
	Project  string
	Tasks    int
	Failures int
	Duration time.Duration
	Err      error
}

// Outcome classifies r: failure when the run errored, partial when some
// task feeds could not be fetched, success otherwise.
func (r RunResult) Outcome() string {
	switch {
	case r.Err != nil:
		return OutcomeFailure
	case r.Failures > 0:
		return OutcomePartial
	default:
		return OutcomeSuccess
	}
}

// RecordRun records r at time now.
func RecordRun(r RunResult, now time.Time) {
	outcome := r.Outcome()
	runsTotal.WithLabelValues(r.Project, outcome).Inc()
	runDuration.WithLabelValues(r.Project).Observe(r.Duration.Seconds())

	if r.Err != nil {
		return
	}
	runTasks.WithLabelValues(r.Project).Set(float64(r.Tasks))
	if outcome == OutcomeSuccess {
		lastSuccess.WithLabelValues(r.Project).Set(float64(now.Unix()))
	}
}

// Handler returns the /metrics HTTP handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - opcrawl_requests_total{resource, status} (Counter): Attempts by resource and HTTP status
//   - opcrawl_request_duration_seconds{resource} (Histogram): Attempt duration by resource
//   - opcrawl_fetch_errors_total{class} (Counter): Failed attempts by class (network, client, server, rate_limit, decode)
//
// Retry Metrics (pkg/client):
//   - opcrawl_retries_total{error_class} (Counter): Retry attempts by error class
//   - opcrawl_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - opcrawl_retry_exhausted_total{error_class} (Counter): Fetches that used all attempts
//
// Rate Limit Metrics (pkg/ratelimit):
//   - opcrawl_ratelimit_wait_seconds{gate} (Histogram): Time spent waiting for admission
//   - opcrawl_ratelimit_admissions_total{gate} (Counter): Admitted requests by gate (local, shared)
//   - opcrawl_ratelimit_shared_fallbacks_total (Counter): Shared gate admissions served locally after a Redis error
//
// Crawl Metrics (pkg/crawler, pkg/activity):
//   - opcrawl_crawl_tasks_total{outcome} (Counter): Activity feed fetches (fetched, failed)
//   - opcrawl_merge_tasks_total{outcome} (Counter): Merged and dropped task pages
//   - opcrawl_merge_duration_seconds (Histogram): Merge duration
//
// Run Metrics (this package):
//   - opcrawl_runs_total{project, outcome} (Counter)
//   - opcrawl_run_duration_seconds{project} (Histogram)
//   - opcrawl_run_tasks{project} (Gauge)
//   - opcrawl_last_success_timestamp_seconds{project} (Gauge)
//
// Example Prometheus Queries:
//
//   # Feed failure ratio
//   sum(rate(opcrawl_crawl_tasks_total{outcome="failed"}[1h])) /
//   sum(rate(opcrawl_crawl_tasks_total[1h]))
//
//   # P95 request latency
//   histogram_quantile(0.95, rate(opcrawl_request_duration_seconds_bucket[5m]))
//
//   # Stale crawl
//   time() - opcrawl_last_success_timestamp_seconds > 86400
