// Package metrics provides Prometheus instrumentation for the tax engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RecomputesTotal counts recompute runs, partitioned by outcome.
	RecomputesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "irbolsa_recomputes_total",
		Help: "Total number of recompute runs",
	}, []string{"outcome"})

	// RecomputeDuration tracks how long a full recompute takes.
	RecomputeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "irbolsa_recompute_duration_seconds",
		Help:    "Recompute duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// RejectedOperations counts input operations excluded from recomputes.
	RejectedOperations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "irbolsa_rejected_operations_total",
		Help: "Operations rejected during validation",
	})

	// ClosingsTotal counts closing operations emitted, by trade mode.
	ClosingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "irbolsa_closings_total",
		Help: "Closing operations emitted by recomputes",
	}, []string{"mode"})

	// DarfsIssued counts DARF slips emitted by recomputes.
	DarfsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "irbolsa_darfs_issued_total",
		Help: "DARF slips emitted by recomputes",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "irbolsa_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "irbolsa_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "irbolsa_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
