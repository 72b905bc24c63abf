package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	charges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditgate",
			Subsystem: "ledger",
			Name:      "charges_total",
			Help:      "Total number of authorize-and-deduct attempts.",
		},
		[]string{"status"},
	)

	refunds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditgate",
			Subsystem: "ledger",
			Name:      "refunds_total",
			Help:      "Total number of refund calls.",
		},
		[]string{"applied"},
	)

	grants = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditgate",
			Subsystem: "grants",
			Name:      "daily_grants_total",
			Help:      "Total number of daily grant applications.",
		},
		[]string{"outcome"},
	)

	entitlementLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditgate",
			Subsystem: "entitlement",
			Name:      "lookups_total",
			Help:      "Entitlement resolutions by source.",
		},
		[]string{"source"}, // cache, chain, error
	)

	resolveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "creditgate",
			Subsystem: "entitlement",
			Name:      "resolve_duration_seconds",
			Help:      "Duration of uncached entitlement resolutions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
	)

	bypasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditgate",
			Subsystem: "paygate",
			Name:      "bypass_total",
			Help:      "Pay-per-call evaluations by outcome.",
		},
		[]string{"outcome"}, // bypassed, rejected, settled, settle_failed
	)

	facilitatorCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditgate",
			Subsystem: "paygate",
			Name:      "facilitator_calls_total",
			Help:      "Facilitator verify/settle calls by status.",
		},
		[]string{"op", "status"},
	)

	throttles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creditgate",
			Subsystem: "ratelimit",
			Name:      "throttled_total",
			Help:      "Requests rejected by the rate limiter.",
		},
		[]string{"category", "window"},
	)

	limiterFallback = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "creditgate",
			Subsystem: "ratelimit",
			Name:      "local_fallback_total",
			Help:      "Limiter decisions taken on the local fallback store.",
		},
	)
)

func init() {
	Registry.MustRegister(
		charges,
		refunds,
		grants,
		entitlementLookups,
		resolveDuration,
		bypasses,
		facilitatorCalls,
		throttles,
		limiterFallback,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ChargeObserved records an authorize-and-deduct outcome: ok, insufficient
// or error.
func ChargeObserved(status string) {
	charges.WithLabelValues(status).Inc()
}

// RefundObserved records a refund call and whether it applied.
func RefundObserved(applied bool) {
	if applied {
		refunds.WithLabelValues("true").Inc()
	} else {
		refunds.WithLabelValues("false").Inc()
	}
}

// GrantObserved records a daily grant outcome: granted, duplicate, no_access
// or error.
func GrantObserved(outcome string) {
	grants.WithLabelValues(outcome).Inc()
}

// EntitlementLookup records where a resolution was answered from.
func EntitlementLookup(source string) {
	entitlementLookups.WithLabelValues(source).Inc()
}

// ResolveDuration records how long an uncached resolution took.
func ResolveDuration(d time.Duration) {
	resolveDuration.Observe(d.Seconds())
}

// BypassObserved records a pay-per-call gate outcome.
func BypassObserved(outcome string) {
	bypasses.WithLabelValues(outcome).Inc()
}

// FacilitatorCall records one facilitator round trip.
func FacilitatorCall(op, status string) {
	facilitatorCalls.WithLabelValues(op, status).Inc()
}

// Throttled records a rate limit rejection.
func Throttled(category, window string) {
	throttles.WithLabelValues(category, window).Inc()
}

// LimiterFallback records a limiter decision taken without the shared store.
func LimiterFallback() {
	limiterFallback.Inc()
}
