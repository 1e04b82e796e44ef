// Package observability exposes the service's Prometheus metrics.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	storeOpDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_op_duration_seconds",
			Help:    "Latency of aggregation calls against the data store.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"collection", "outcome"},
	)

	cacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_results_total",
			Help: "Statistics cache results by outcome.",
		},
		[]string{"outcome"},
	)

	cacheOpTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_op_total",
			Help: "Redis operations by type and outcome.",
		},
		[]string{"op", "outcome"},
	)

	invalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invalidations_total",
			Help: "Cache invalidation events by outcome.",
		},
		[]string{"outcome"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveStoreOp(collection string, err error, durationSeconds float64) {
	storeOpDurationSeconds.WithLabelValues(collection, outcome(err)).Observe(durationSeconds)
}

func ObserveCacheOp(op string, err error) {
	cacheOpTotal.WithLabelValues(op, outcome(err)).Inc()
}

func IncCacheHit()  { cacheResults.WithLabelValues("hit").Inc() }
func IncCacheMiss() { cacheResults.WithLabelValues("miss").Inc() }

func IncInvalidation(err error) {
	invalidationsTotal.WithLabelValues(outcome(err)).Inc()
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
