// Package metrics provides Prometheus instrumentation for the exchange.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersSettled counts settled orders, partitioned by side.
	OrdersSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clob_orders_settled_total",
		Help: "Total number of orders settled",
	}, []string{"side"})

	// BatchRejections counts rejected batches by failure reason.
	BatchRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clob_batch_rejections_total",
		Help: "Order batches rejected during validation",
	}, []string{"reason"})

	// SettlementLatency tracks batch settlement latency by side.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clob_settlement_latency_seconds",
		Help:    "Batch settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// ClaimsPaid counts winning claims paid out.
	ClaimsPaid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clob_claims_paid_total",
		Help: "Winning claims paid out",
	})

	// ActiveMarkets tracks the number of markets created.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clob_active_markets",
		Help: "Number of markets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clob_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clob_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clob_http_request_duration_seconds",
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
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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
