// Package metrics exposes Prometheus collectors for the ingestion pipeline.
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
	pagesTotal                 *prometheus.CounterVec
	challengeTransitionsTotal  *prometheus.CounterVec
	solverPollsTotal           *prometheus.CounterVec
	itemsSkippedTotal          *prometheus.CounterVec
	mergeEventsTotal           *prometheus.CounterVec
	runDurationSeconds         *prometheus.HistogramVec
	enrichInFlight             prometheus.Gauge
	redirectsTotal             *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventcrawler_pages_total",
				Help: "Listing and detail pages fetched, labeled by source, kind and outcome.",
			},
			[]string{"source", "kind", "outcome"},
		)

		challengeTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventcrawler_challenge_transitions_total",
				Help: "Challenge resolver state observations, labeled by source and state.",
			},
			[]string{"source", "state"},
		)

		solverPollsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventcrawler_solver_polls_total",
				Help: "Solver poll attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		itemsSkippedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventcrawler_items_skipped_total",
				Help: "Items dropped from a batch, labeled by source and reason.",
			},
			[]string{"source", "reason"},
		)

		mergeEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventcrawler_merge_events_total",
				Help: "Events handled by the upsert engine, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		runDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eventcrawler_run_duration_seconds",
				Help:    "Duration of a source ingestion run.",
				Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 3600},
			},
			[]string{"source", "status"},
		)

		enrichInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "eventcrawler_enrich_in_flight",
				Help: "Detail pages currently open by the enricher pool.",
			},
		)

		redirectsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventcrawler_detail_redirects_total",
				Help: "Detail pages that landed off-source, labeled by source and landing host.",
			},
			[]string{"source", "host"},
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
	return promhttp.Handler()
}

// ObservePage counts a fetched page.
func ObservePage(source, kind, outcome string) {
	Init()
	pagesTotal.WithLabelValues(source, kind, outcome).Inc()
}

// ObserveChallenge counts one observed resolver state.
func ObserveChallenge(source, state string) {
	Init()
	challengeTransitionsTotal.WithLabelValues(source, state).Inc()
}

// ObserveSolverPoll counts one solver poll.
func ObserveSolverPoll(outcome string) {
	Init()
	solverPollsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSkip counts dropped items.
func ObserveSkip(source, reason string, n int) {
	Init()
	if n > 0 {
		itemsSkippedTotal.WithLabelValues(source, reason).Add(float64(n))
	}
}

// ObserveMerge counts events by merge outcome.
func ObserveMerge(source, outcome string, n int) {
	Init()
	if n > 0 {
		mergeEventsTotal.WithLabelValues(source, outcome).Add(float64(n))
	}
}

// ObserveRun records the duration of a finished run.
func ObserveRun(source, status string, d time.Duration) {
	Init()
	runDurationSeconds.WithLabelValues(source, status).Observe(d.Seconds())
}

// ObserveRedirect counts a detail page that landed on landingURL.
func ObserveRedirect(source, landingURL string) {
	Init()
	redirectsTotal.WithLabelValues(source, SanitizeSite(landingURL)).Inc()
}

// IncEnrichInFlight increments the in-flight detail page gauge.
func IncEnrichInFlight() {
	Init()
	enrichInFlight.Inc()
}

// DecEnrichInFlight decrements the in-flight detail page gauge.
func DecEnrichInFlight() {
	Init()
	enrichInFlight.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
