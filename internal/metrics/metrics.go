// Package metrics provides Prometheus instrumentation for the trade engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tradesim/trade-engine/internal/model"
)

var (
	// TradesTotal counts committed trades by side and asset type.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeengine_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side", "asset_type"})

	// TradeLatency is end-to-end execution latency, including rejections.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradeengine_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeRejections counts trades refused before commit, by reason code.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeengine_trade_rejections_total",
		Help: "Trades rejected, by reason",
	}, []string{"side", "reason"})

	// ExecutionRetries counts units of work retried after a persistence conflict.
	ExecutionRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradeengine_execution_retries_total",
		Help: "Trade units of work retried after a concurrent update conflict",
	})

	// ReconciliationEvents counts commits whose outcome could not be determined.
	ReconciliationEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradeengine_reconciliation_required_total",
		Help: "Trades whose commit outcome is unknown and need manual reconciliation",
	})

	// PriceResolutions counts resolver outcomes by asset type, source and outcome.
	PriceResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeengine_price_resolutions_total",
		Help: "Price resolutions by source and outcome",
	}, []string{"asset_type", "source", "outcome"})

	// LiveFetchDuration tracks upstream feed latency.
	LiveFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradeengine_live_fetch_duration_seconds",
		Help:    "Live price adapter latency in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
	}, []string{"asset_type", "status"})

	// FeePolicyLookups counts fee policy cache hits and misses.
	FeePolicyLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeengine_fee_policy_lookups_total",
		Help: "Fee policy provider lookups by cache result",
	}, []string{"result"})

	// EventsPublished counts trade events handed to the event stream.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeengine_events_published_total",
		Help: "Trade events published, by status",
	}, []string{"status"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradeengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradeengine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Recorder adapts the package collectors to the narrow metrics interfaces
// the fee provider and price resolver accept.
type Recorder struct{}

func (Recorder) ObservePolicyLookup(hit bool) {
	if hit {
		FeePolicyLookups.WithLabelValues("hit").Inc()
		return
	}
	FeePolicyLookups.WithLabelValues("miss").Inc()
}

func (Recorder) ObserveResolution(assetType model.AssetType, source, outcome string) {
	PriceResolutions.WithLabelValues(string(assetType), source, outcome).Inc()
}

func (Recorder) ObserveLiveFetch(assetType model.AssetType, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	LiveFetchDuration.WithLabelValues(string(assetType), status).Observe(d.Seconds())
}

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
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
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

// Unwrap exposes the underlying writer to http.ResponseController, which
// the WebSocket upgrade needs to hijack the connection.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
