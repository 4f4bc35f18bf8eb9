// Package telemetry unifies OpenTelemetry tracing and Prometheus metrics.
package telemetry

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ticksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditor_ticks_total",
			Help: "Total runner ticks, labeled by phase and outcome.",
		},
		[]string{"phase", "outcome"},
	)

	tickDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auditor_tick_duration_seconds",
			Help:    "Histogram of runner tick latencies, labeled by phase.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		},
		[]string{"phase"},
	)

	phaseTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditor_phase_transitions_total",
			Help: "Total phase transitions, labeled by source and target phase.",
		},
		[]string{"from", "to"},
	)

	pagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditor_pages_total",
			Help: "Total number of pages fetched, labeled by site and status.",
		},
		[]string{"site", "status"},
	)

	bytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditor_bytes_total",
			Help: "Total number of bytes fetched, labeled by site.",
		},
		[]string{"site"},
	)

	lockContentionTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auditor_lock_contention_total",
			Help: "Crawl ticks that yielded because another tick held the audit lock.",
		},
	)

	staleLeasesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auditor_stale_leases_total",
			Help: "Visiting frontier rows demoted back to pending.",
		},
	)

	watchdogActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditor_watchdog_actions_total",
			Help: "Watchdog recoveries, labeled by action and phase.",
		},
		[]string{"action", "phase"},
	)

	alertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditor_alerts_total",
			Help: "Alerts raised by the watchdog, labeled by kind.",
		},
		[]string{"kind"},
	)

	citationQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditor_citation_queries_total",
			Help: "Citation queries answered, labeled by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	providerRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditor_provider_retries_total",
			Help: "Retried provider calls, labeled by provider.",
		},
		[]string{"provider"},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auditor_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"key"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "auditor_active_workers",
			Help: "Number of dispatcher workers currently running a tick.",
		},
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
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SanitizeSite extracts the hostname from a URL.
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

// ObserveTick records one runner tick.
func ObserveTick(phase, outcome string, duration time.Duration) {
	ticksTotal.WithLabelValues(phase, outcome).Inc()
	tickDurationSeconds.WithLabelValues(phase).Observe(duration.Seconds())
}

// ObservePhaseTransition records a committed phase change.
func ObservePhaseTransition(from, to string) {
	phaseTransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveFetch records metrics for a fetched page. Status 0 means the fetch failed.
func ObserveFetch(site string, statusCode int, bytesFetched int) {
	sanitizedSite := SanitizeSite(site)
	pagesTotal.WithLabelValues(sanitizedSite, strconv.Itoa(statusCode)).Inc()
	if bytesFetched > 0 {
		bytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveLockContention records a tick that found the lock held.
func ObserveLockContention() {
	lockContentionTotal.Inc()
}

// ObserveStaleLeases records demoted leases.
func ObserveStaleLeases(n int) {
	if n > 0 {
		staleLeasesTotal.Add(float64(n))
	}
}

// ObserveWatchdogAction records a watchdog reset or failure.
func ObserveWatchdogAction(action, phase string) {
	watchdogActionsTotal.WithLabelValues(action, phase).Inc()
}

// ObserveAlert records a raised alert.
func ObserveAlert(kind string) {
	alertsTotal.WithLabelValues(kind).Inc()
}

// ObserveCitation records the outcome of a citation query.
func ObserveCitation(provider, outcome string) {
	citationQueriesTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveProviderRetry records a retried provider call.
func ObserveProviderRetry(provider string) {
	providerRetriesTotal.WithLabelValues(provider).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(key string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(key).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
