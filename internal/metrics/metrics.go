// Package metrics provides Prometheus instrumentation for the simulator.
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
	// PointsGenerated counts price points emitted by the simulation engine.
	PointsGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "predsim_points_generated_total",
		Help: "Total price points generated",
	})

	// TradesTotal counts executed trades, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predsim_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// TradeRejections counts rejected trades by reason class.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predsim_trade_rejections_total",
		Help: "Trades rejected during validation",
	}, []string{"reason"})

	// PricingFallbacks counts quotes replaced by the intrinsic-value estimate.
	PricingFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "predsim_pricing_fallbacks_total",
		Help: "Option prices served from the intrinsic-value fallback",
	})

	// SubscriberErrors counts isolated price-sink failures.
	SubscriberErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "predsim_subscriber_errors_total",
		Help: "Price sink callbacks that failed",
	})

	// SettlementsTotal counts positions settled at market resolution.
	SettlementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "predsim_settlements_total",
		Help: "Positions settled at resolution",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "predsim_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predsim_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "predsim_http_request_duration_seconds",
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
