// Package metrics provides Prometheus instrumentation for the trade engine.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts order attempts, partitioned by side and outcome.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stotra_orders_total",
		Help: "Total number of orders processed",
	}, []string{"side", "result"})

	// OrderLatency tracks end-to-end order execution time.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stotra_order_latency_seconds",
		Help:    "Order execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradedNotional tracks cumulative executed notional per symbol.
	TradedNotional = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stotra_traded_notional_total",
		Help: "Cumulative executed notional",
	}, []string{"symbol", "side"})

	// QuoteRequestsTotal counts upstream quote calls by source and outcome.
	QuoteRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stotra_quote_requests_total",
		Help: "Upstream quote requests",
	}, []string{"source", "result"})

	// QuoteCacheTotal counts quote cache lookups by result (hit/miss).
	QuoteCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stotra_quote_cache_total",
		Help: "Quote cache lookups",
	}, []string{"result"})

	// ActiveMarketEvents tracks scheduled (not yet expired) market events.
	ActiveMarketEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stotra_active_market_events",
		Help: "Number of market events awaiting deactivation",
	})

	// StreamWorkers tracks running per-symbol stream workers.
	StreamWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stotra_stream_workers",
		Help: "Number of running per-symbol stream workers",
	})

	// StreamSubscriptions tracks (connection, symbol) subscriptions.
	StreamSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stotra_stream_subscriptions",
		Help: "Number of active market data subscriptions",
	})

	// StreamWorkerTransitions counts worker starts and stops.
	StreamWorkerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stotra_stream_worker_transitions_total",
		Help: "Per-symbol stream worker starts and stops",
	}, []string{"transition"})

	// StreamDropped counts messages dropped for slow subscribers.
	StreamDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stotra_stream_dropped_total",
		Help: "Stream messages dropped because a subscriber buffer was full",
	})

	// WebSocketClients tracks connected WebSocket clients per endpoint.
	WebSocketClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stotra_websocket_clients",
		Help: "Number of connected WebSocket clients",
	}, []string{"endpoint"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stotra_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stotra_http_request_duration_seconds",
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

		// The route pattern keeps account IDs and symbols out of the labels.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("%T does not implement http.Hijacker", w.ResponseWriter)
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
