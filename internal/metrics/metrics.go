// Package metrics exposes Prometheus collectors for the crawler service.
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
	crawlerPagesTotal             *prometheus.CounterVec
	crawlerBytesTotal             *prometheus.CounterVec
	crawlerFetchDurationSeconds   *prometheus.HistogramVec
	crawlerClaimsTotal            *prometheus.CounterVec
	crawlerLinksEnqueuedTotal     prometheus.Counter
	crawlerResultsTotal           *prometheus.CounterVec
	crawlerCooldownsTotal         prometheus.Counter
	crawlerCooldownsSweptTotal    prometheus.Counter
	crawlerActiveWorkers          prometheus.Gauge
	crawlerControllerState        *prometheus.GaugeVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	crawlerRobotsFallbackTotal    prometheus.Counter
	crawlerPageEventsTotal        *prometheus.CounterVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Page records written, labeled by page type and status class.",
			},
			[]string{"type", "status_class"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of body bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by fetch mode.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"mode"},
		)

		crawlerClaimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_frontier_claims_total",
				Help: "Frontier claim attempts, labeled by result.",
			},
			[]string{"result"},
		)

		crawlerLinksEnqueuedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_links_enqueued_total",
				Help: "New frontier entries created from discovered links.",
			},
		)

		crawlerResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_worker_results_total",
				Help: "Worker completions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlerCooldownsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_cooldowns_total",
				Help: "Host cooldowns started after rate-limited responses.",
			},
		)

		crawlerCooldownsSweptTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_cooldowns_swept_total",
				Help: "Expired cooldown entries removed by the sweeper.",
			},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a URL.",
			},
		)

		crawlerControllerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_controller_state",
				Help: "1 for the controller's current state, 0 otherwise.",
			},
			[]string{"state"},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of politeness wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		crawlerRobotsFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_robots_fallback_total",
				Help: "robots.txt fetches that timed out and fell back to allow-all.",
			},
		)

		crawlerPageEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_page_events_total",
				Help: "Page events published, labeled by result.",
			},
			[]string{"result"},
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

// StatusClass buckets an HTTP status into "2xx".."5xx", or "none" for the
// no-response sentinel.
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "none"
	}
	return strconv.Itoa(status/100) + "xx"
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage counts a written page record.
func ObservePage(pageType string, status int) {
	Init()
	crawlerPagesTotal.WithLabelValues(pageType, StatusClass(status)).Inc()
}

// ObserveFetch records a completed fetch.
func ObserveFetch(site string, headless bool, bytesFetched int, duration time.Duration) {
	Init()
	mode := "plain"
	if headless {
		mode = "headless"
	}
	crawlerFetchDurationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(SanitizeSite(site)).Add(float64(bytesFetched))
	}
}

// ObserveClaim records a claim attempt: "claimed", "empty" or "conflict".
func ObserveClaim(result string) {
	Init()
	crawlerClaimsTotal.WithLabelValues(result).Inc()
}

// ObserveEnqueued adds newly inserted frontier entries.
func ObserveEnqueued(n int) {
	Init()
	if n > 0 {
		crawlerLinksEnqueuedTotal.Add(float64(n))
	}
}

// ObserveResult counts a worker completion.
func ObserveResult(outcome string) {
	Init()
	crawlerResultsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCooldown counts a started cooldown.
func ObserveCooldown() {
	Init()
	crawlerCooldownsTotal.Inc()
}

// ObserveCooldownsSwept adds swept cooldown entries.
func ObserveCooldownsSwept(n int64) {
	Init()
	if n > 0 {
		crawlerCooldownsSweptTotal.Add(float64(n))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// SetControllerState marks state as current among all known states.
func SetControllerState(state string, all []string) {
	Init()
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		crawlerControllerState.WithLabelValues(s).Set(v)
	}
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRobotsFallback counts a robots.txt allow-all fallback.
func ObserveRobotsFallback() {
	Init()
	crawlerRobotsFallbackTotal.Inc()
}

// ObservePageEvent records a publish attempt: "ok" or "error".
func ObservePageEvent(result string) {
	Init()
	crawlerPageEventsTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
