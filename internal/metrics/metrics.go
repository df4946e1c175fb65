// Package metrics exposes Prometheus collectors for the task engine.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksCreatedTotal          *prometheus.CounterVec
	cacheHitsTotal             *prometheus.CounterVec
	tasksFinishedTotal         *prometheus.CounterVec
	taskDurationSeconds        *prometheus.HistogramVec
	activeUnits                prometheus.Gauge
	parentsCompletedTotal      prometheus.Counter
	scrapeAttemptsTotal        *prometheus.CounterVec
	dispatchesTotal            *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksCreatedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskengine_tasks_created_total",
				Help: "Total number of tasks persisted, labeled by scraper.",
			},
			[]string{"scraper"},
		)

		cacheHitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskengine_cache_hits_total",
				Help: "Total number of task inputs answered by an existing task.",
			},
			[]string{"scraper"},
		)

		tasksFinishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskengine_tasks_finished_total",
				Help: "Total number of tasks reaching a terminal state, labeled by scraper and status.",
			},
			[]string{"scraper", "status"},
		)

		taskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskengine_task_duration_seconds",
				Help:    "Histogram of scraper run durations.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"scraper"},
		)

		activeUnits = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskengine_active_units",
				Help: "Number of task units currently executing.",
			},
		)

		parentsCompletedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "taskengine_parents_completed_total",
				Help: "Total number of parent tasks completed by aggregation.",
			},
		)

		scrapeAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskengine_scrape_attempts_total",
				Help: "Browser scrape attempts, labeled by site, route and outcome.",
			},
			[]string{"site", "route", "outcome"},
		)

		dispatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskengine_dispatches_total",
				Help: "Task batches handed to an execution backend, labeled by backend and result.",
			},
			[]string{"backend", "result"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskengine_rate_limit_delay_seconds",
				Help:    "Time fetches spent waiting on per-host pacing, labeled by site.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveCreated records newly persisted tasks and cache hits for one request.
func ObserveCreated(scraper string, created, hits int) {
	Init()
	if created > 0 {
		tasksCreatedTotal.WithLabelValues(scraper).Add(float64(created))
	}
	if hits > 0 {
		cacheHitsTotal.WithLabelValues(scraper).Add(float64(hits))
	}
}

// ObserveFinished records a terminal transition and the unit's run time.
func ObserveFinished(scraper, status string, duration time.Duration) {
	Init()
	tasksFinishedTotal.WithLabelValues(scraper, status).Inc()
	if duration > 0 {
		taskDurationSeconds.WithLabelValues(scraper).Observe(duration.Seconds())
	}
}

// ObserveParentCompleted counts a parent completed by aggregation.
func ObserveParentCompleted() {
	Init()
	parentsCompletedTotal.Inc()
}

// ObserveScrapeAttempt records one browser attempt for the URL's host.
func ObserveScrapeAttempt(rawURL, route, outcome string) {
	Init()
	scrapeAttemptsTotal.WithLabelValues(SanitizeSite(rawURL), route, outcome).Inc()
}

// ObserveDispatch records a batch hand-off.
func ObserveDispatch(backend string, err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	dispatchesTotal.WithLabelValues(backend, result).Inc()
}

// ObserveRateLimitDelay records time spent waiting for a host's token.
func ObserveRateLimitDelay(rawURL string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(SanitizeSite(rawURL)).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveUnits increments the active units gauge.
func IncActiveUnits() {
	Init()
	activeUnits.Inc()
}

// DecActiveUnits decrements the active units gauge.
func DecActiveUnits() {
	Init()
	activeUnits.Dec()
}
