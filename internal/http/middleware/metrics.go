// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// Prometheus series exported here live under the payments_http_ prefix.
// Route labels use the registered Gin pattern (e.g. /payments/:id) so that
// path cardinality stays bounded; unmatched requests fall back to the raw
// path.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "payments"
	metricsSubsystem = "http"
)

var (
	httpReqs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status.",
	}, []string{"method", "path", "status"})

	httpLat = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by method and route.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path"})

	httpRespSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "response_size_bytes",
		Help:      "HTTP response body size by route.",
		Buckets:   prometheus.ExponentialBuckets(64, 4, 7),
	}, []string{"path"})

	httpInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "requests_inflight",
		Help:      "HTTP requests currently being served.",
	})

	// Outcomes: proceed, replay, conflict, mismatch, missing_key, invalid_key,
	// invalid_caller, error.
	idemDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "idempotency_decisions_total",
		Help:      "Idempotency guard decisions by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpRespSize, httpInflight, idemDecisions)
}

// Metrics records request count, latency, response size and concurrency.
// Mount promhttp.Handler() on /metrics next to it.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		method := c.Request.Method
		httpReqs.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpLat.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		if n := c.Writer.Size(); n > 0 {
			httpRespSize.WithLabelValues(route).Observe(float64(n))
		}
	}
}
