package fetcher

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("extwatch.fetcher")

var (
	// fetchTotal counts Fetch calls by outcome: hit, fetched, or a failure kind.
	fetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extwatch_fetch_total",
		Help: "Fetch calls by outcome",
	}, []string{"outcome"})

	// requestTotal counts individual HTTP attempts by status class.
	requestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extwatch_fetch_requests_total",
		Help: "Outbound HTTP attempts by status class",
	}, []string{"class"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "extwatch_fetch_request_duration_seconds",
		Help:    "Outbound HTTP attempt latency",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	retryTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "extwatch_fetch_retries_total",
		Help: "Retries issued after transient failures",
	})

	quotaRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "extwatch_rate_limit_remaining",
		Help: "Last observed remaining request quota",
	})
)

func statusClass(code int) string {
	switch {
	case code == 0:
		return "error"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code == 403, code == 404, code == 429:
		return strconv.Itoa(code)
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
