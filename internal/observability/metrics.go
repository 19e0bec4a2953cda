package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency. Search p99 should stay flat when upstream latency rises.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Inbound rate limit denials (429).
	RateLimitDeniedTotal prometheus.Counter

	// Offer cache lookups by path (search/detail) and result (fresh/stale/miss).
	OfferLookupsTotal *prometheus.CounterVec

	// Offer writes; discarded = an older fetchedAt arrived after a newer one.
	OfferUpsertsTotal *prometheus.CounterVec

	// Offers removed by age-based eviction.
	OfferEvictionsTotal prometheus.Counter

	// Upstream pricing calls by op (batch/one) and status.
	UpstreamCallsTotal *prometheus.CounterVec

	// Upstream latency. Watch for: p95 approaching the detail deadline.
	UpstreamDuration *prometheus.HistogramVec

	// Retry attempts against the pricing provider.
	UpstreamRetriesTotal prometheus.Counter

	// Upstream failures by category (timeout, network, upstream_5xx, ...).
	UpstreamErrorsTotal *prometheus.CounterVec

	// Fetch tickets currently outstanding.
	FetchTicketsInFlight prometheus.Gauge

	// Callers that attached to an existing ticket instead of calling upstream.
	FetchJoinsTotal *prometheus.CounterVec

	// Per-key fetch outcomes (success/error).
	FetchOutcomesTotal *prometheus.CounterVec

	// Budget decisions by mode (try/blocking) and result (granted/denied).
	BudgetDecisionsTotal *prometheus.CounterVec

	// Search-path warm refreshes by result (queued/denied/dropped/in_flight).
	RefreshDispatchTotal *prometheus.CounterVec

	// Background sweep runs and their duration.
	SchedulerRunsTotal          prometheus.Counter
	SchedulerRunDurationSeconds prometheus.Histogram

	// Keys handled per sweep by result (refreshed/failed/denied/skipped).
	SchedulerKeysTotal *prometheus.CounterVec

	// Circuit breaker transitions and current state (0 closed, 1 open, 2 half-open).
	CircuitBreakerTransitionsTotal *prometheus.CounterVec
	CircuitBreakerState            *prometheus.GaugeVec

	// Offer mirror failures by op (store/load).
	MirrorErrorsTotal *prometheus.CounterVec

	cacheGaugeOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by the inbound rate limiter (429)",
		},
	)
	OfferLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offerLookupsTotal",
			Help: "Offer cache lookups by request path and result",
		},
		[]string{"path", "result"},
	)
	OfferUpsertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offerUpsertsTotal",
			Help: "Offer cache writes; discarded writes carried an older fetchedAt",
		},
		[]string{"result"},
	)
	OfferEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "offerEvictionsTotal",
			Help: "Offers evicted for exceeding the maximum stale age",
		},
	)
	UpstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamCallsTotal",
			Help: "Total number of pricing provider calls",
		},
		[]string{"op", "status"},
	)
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstreamDurationSeconds",
			Help:    "Pricing provider latency in seconds (per call)",
			Buckets: []float64{.025, .05, .1, .2, .3, .5, 1, 2.5, 5},
		},
		[]string{"op", "status"},
	)
	UpstreamRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upstreamRetriesTotal",
			Help: "Total number of retry attempts for pricing provider calls",
		},
	)
	UpstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamErrorsTotal",
			Help: "Pricing provider failures by category",
		},
		[]string{"category"},
	)
	FetchTicketsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fetchTicketsInFlight",
			Help: "Outstanding per-key fetch tickets",
		},
	)
	FetchJoinsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchJoinsTotal",
			Help: "Callers that joined an in-flight fetch instead of calling upstream",
		},
		[]string{"mode"},
	)
	FetchOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetchOutcomesTotal",
			Help: "Per-key results of completed upstream fetches",
		},
		[]string{"result"},
	)
	BudgetDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budgetDecisionsTotal",
			Help: "Upstream budget acquisitions by mode and result",
		},
		[]string{"mode", "result"},
	)
	RefreshDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refreshDispatchTotal",
			Help: "Search-path warm refresh batches by result",
		},
		[]string{"result"},
	)
	SchedulerRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schedulerRunsTotal",
			Help: "Total background refresh sweeps",
		},
	)
	SchedulerRunDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "schedulerRunDurationSeconds",
			Help:    "Background refresh sweep duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
	SchedulerKeysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedulerKeysTotal",
			Help: "Keys handled by background sweeps by result",
		},
		[]string{"result"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
		[]string{"component"},
	)
	MirrorErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirrorErrorsTotal",
			Help: "Offer mirror failures by operation",
		},
		[]string{"op"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight, RateLimitDeniedTotal,
		OfferLookupsTotal, OfferUpsertsTotal, OfferEvictionsTotal,
		UpstreamCallsTotal, UpstreamDuration, UpstreamRetriesTotal, UpstreamErrorsTotal,
		FetchTicketsInFlight, FetchJoinsTotal, FetchOutcomesTotal,
		BudgetDecisionsTotal, RefreshDispatchTotal,
		SchedulerRunsTotal, SchedulerRunDurationSeconds, SchedulerKeysTotal,
		CircuitBreakerTransitionsTotal, CircuitBreakerState,
		MirrorErrorsTotal,
	)
}

// RegisterCacheSizeGauge exposes the offer count. Only the first call registers;
// later calls (tests, multiple caches) are ignored.
func RegisterCacheSizeGauge(size func() int) {
	cacheGaugeOnce.Do(func() {
		registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "offerCacheEntries",
				Help: "Offers currently held in memory",
			},
			func() float64 { return float64(size()) },
		))
	})
}

// RecordCircuitBreakerTransition records a state change for component.
func RecordCircuitBreakerTransition(component, from, to string, toValue int) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(float64(toValue))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
