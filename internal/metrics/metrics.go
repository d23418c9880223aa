// Package metrics provides Prometheus instrumentation for the market engine.
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
	// OrdersTotal counts orders accepted, partitioned by side and type.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sokoni_orders_total",
		Help: "Total number of orders accepted",
	}, []string{"side", "type"})

	// OrdersRejected counts orders rejected before execution.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sokoni_orders_rejected_total",
		Help: "Orders rejected by validation, funding, or liquidity checks",
	}, []string{"reason"})

	// FillsTotal counts fills produced, partitioned by counterparty
	// kind (order or amm).
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sokoni_fills_total",
		Help: "Total number of fills produced",
	}, []string{"counterparty"})

	// SubmitLatency tracks order submit latency in seconds.
	SubmitLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sokoni_submit_latency_seconds",
		Help:    "Order submit latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// SettlementsTotal counts market resolutions by outcome.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sokoni_settlements_total",
		Help: "Total number of markets settled",
	}, []string{"resolution"})

	// ActiveMarkets tracks the number of open markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sokoni_active_markets",
		Help: "Number of currently open markets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sokoni_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sokoni_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sokoni_http_request_duration_seconds",
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
