// Package metrics exposes Prometheus collectors for the recipe pipeline.
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
	claimsTotal           *prometheus.CounterVec
	outcomesTotal         *prometheus.CounterVec
	batchDurationSeconds  *prometheus.HistogramVec
	fetchAttemptsTotal    *prometheus.CounterVec
	fetchDurationSeconds  *prometheus.HistogramVec
	sitemapsTotal         *prometheus.CounterVec
	urlsDiscoveredTotal   prometheus.Counter
	urlsInsertedTotal     prometheus.Counter
	llmAttemptsTotal      *prometheus.CounterVec
	activeWorkers         *prometheus.GaugeVec
	rateLimitDelaySeconds *prometheus.HistogramVec

	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		claimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recipe_claims_total",
				Help: "Total number of rows claimed, labeled by phase.",
			},
			[]string{"phase"},
		)

		outcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recipe_outcomes_total",
				Help: "Total number of processed rows, labeled by phase, result, and error kind.",
			},
			[]string{"phase", "result", "kind"},
		)

		batchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recipe_batch_duration_seconds",
				Help:    "Histogram of claim-to-commit batch durations, labeled by phase.",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"phase"},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recipe_fetch_attempts_total",
				Help: "Total number of fetch attempts, labeled by proxy and result.",
			},
			[]string{"proxy", "result"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recipe_fetch_duration_seconds",
				Help:    "Histogram of single fetch attempt latencies, labeled by proxy.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"proxy"},
		)

		sitemapsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recipe_sitemaps_total",
				Help: "Total number of sitemap documents processed, labeled by result.",
			},
			[]string{"result"},
		)

		urlsDiscoveredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "recipe_urls_discovered_total",
				Help: "Total number of candidate URLs found in sitemaps.",
			},
		)

		urlsInsertedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "recipe_urls_inserted_total",
				Help: "Total number of new URL records inserted.",
			},
		)

		llmAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recipe_llm_attempts_total",
				Help: "Total number of LLM extraction attempts, labeled by result and error kind.",
			},
			[]string{"result", "kind"},
		)

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "recipe_active_workers",
				Help: "Number of items currently being processed, labeled by phase.",
			},
			[]string{"phase"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recipe_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
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

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
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

// ObserveClaim records the number of rows claimed by a phase.
func ObserveClaim(phase string, n int) {
	Init()
	if n > 0 {
		claimsTotal.WithLabelValues(phase).Add(float64(n))
	}
}

// ObserveOutcome records one processed row. kind is empty for successes.
func ObserveOutcome(phase, result, kind string) {
	Init()
	if kind == "" {
		kind = "none"
	}
	outcomesTotal.WithLabelValues(phase, result, kind).Inc()
}

// ObserveBatch records how long a claim-process-commit iteration took.
func ObserveBatch(phase string, duration time.Duration) {
	Init()
	batchDurationSeconds.WithLabelValues(phase).Observe(duration.Seconds())
}

// ObserveFetchAttempt records a single fetch attempt through a proxy.
func ObserveFetchAttempt(proxy, result string, duration time.Duration) {
	Init()
	fetchAttemptsTotal.WithLabelValues(proxy, result).Inc()
	fetchDurationSeconds.WithLabelValues(proxy).Observe(duration.Seconds())
}

// ObserveSitemap records a processed sitemap document.
func ObserveSitemap(result string) {
	Init()
	sitemapsTotal.WithLabelValues(result).Inc()
}

// AddDiscovered counts candidate URLs produced by a walk.
func AddDiscovered(n int) {
	Init()
	if n > 0 {
		urlsDiscoveredTotal.Add(float64(n))
	}
}

// AddInserted counts newly inserted URL records.
func AddInserted(n int) {
	Init()
	if n > 0 {
		urlsInsertedTotal.Add(float64(n))
	}
}

// ObserveLLMAttempt records one call to the extraction model.
func ObserveLLMAttempt(result, kind string) {
	Init()
	if kind == "" {
		kind = "none"
	}
	llmAttemptsTotal.WithLabelValues(result, kind).Inc()
}

// IncActiveWorkers increments the active workers gauge for a phase.
func IncActiveWorkers(phase string) {
	Init()
	activeWorkers.WithLabelValues(phase).Inc()
}

// DecActiveWorkers decrements the active workers gauge for a phase.
func DecActiveWorkers(phase string) {
	Init()
	activeWorkers.WithLabelValues(phase).Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
