// Prometheus instrumentation for the payment API surface.
//
// Metrics() measures request counts, latencies, in-flight concurrency and
// response sizes. Label cardinality stays bounded:
//
//   - method: HTTP verb
//   - path:   the registered Gin route (e.g. /api/v1/sagas/:id/pay), falling
//     back to the raw URL path when no route matched
//   - status: numeric status code as a string ("200", "409")
//
// Saga-level metrics (settlements by outcome, OTP round-trips) live next to
// the coordinator; this file only covers the HTTP edge. All collectors are
// safe for concurrent use.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// httpReqs counts requests by method, route path and status code.
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	// httpLat records request duration in seconds by method and route path.
	// Status is omitted to keep histogram cardinality down. The default
	// buckets cover both the fast local reads and the pay/confirm routes
	// that block on the upstream gateway.
	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// httpInflight gauges requests currently being processed.
	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "Current number of in-flight HTTP requests.",
		},
	)

	// httpRespSize captures response sizes in bytes by method and route path.
	// Responses here are small JSON envelopes; the largest bodies are the
	// paginated history and unpaid-students lists, so the buckets stop at
	// 1MiB instead of chasing file-sized payloads.
	httpRespSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "http_response_size_bytes",
			Help: "Size of HTTP responses in bytes.",
			Buckets: []float64{
				128, 256, 512, 1 << 10, 2 << 10, // single saga / error envelopes
				5 << 10, 10 << 10, 25 << 10, 50 << 10, // history pages
				100 << 10, 250 << 10, 1 << 20, // full receipt listings
			},
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight, httpRespSize)
}

// Metrics returns a Gin middleware that instruments requests with Prometheus.
//
// Usage:
//
//	r := gin.New()
//	r.Use(middleware.Metrics())
//	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
//
// Per request it increments http_requests_total(method, path, status),
// observes http_request_duration_seconds(method, path) and
// http_response_size_bytes(method, path), and tracks the in-flight gauge
// across handler execution.
//
// The path label uses c.FullPath() so raw URLs (saga IDs, student codes)
// never become label values; unmatched routes fall back to the raw path,
// which is acceptable for 404 noise.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		httpReqs.WithLabelValues(method, path, status).Inc()
		httpLat.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		// Size is -1 when nothing was written (204s, hijacked conns).
		if size := c.Writer.Size(); size >= 0 {
			httpRespSize.WithLabelValues(method, path).Observe(float64(size))
		}
	}
}
