// Package metrics provides Prometheus instrumentation for the contest engine.
package metrics

import (
	"bufio"
	"errors"
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
	// PositionsOpened counts positions opened, partitioned by side.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contest_engine_positions_opened_total",
		Help: "Total number of positions opened",
	}, []string{"side"})

	// PositionsClosed counts committed closes by close reason.
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contest_engine_positions_closed_total",
		Help: "Total number of positions closed",
	}, []string{"reason"})

	// CloseRejections counts close and open attempts refused for an
	// expected condition (market closed, unreliable price, ...).
	CloseRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contest_engine_rejections_total",
		Help: "User actions rejected, by operation and reason",
	}, []string{"op", "reason"})

	// CloseLatency tracks the time from close request to commit.
	CloseLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "contest_engine_close_latency_seconds",
		Help:    "Position close latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"reason"})

	// Liquidations counts participants liquidated by the risk sweep.
	Liquidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contest_engine_liquidations_total",
		Help: "Participants liquidated by the risk sweep",
	})

	// LiquidationsBlocked counts liquidations skipped for untrustworthy prices.
	LiquidationsBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contest_engine_liquidations_blocked_total",
		Help: "Liquidations deferred because a price was stale, fallback or implausible",
	})

	// SweepDuration tracks sweep run duration by sweep name.
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "contest_engine_sweep_duration_seconds",
		Help:    "Sweep run duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"sweep"})

	// SweepFailures counts per-participant or per-position sweep failures.
	SweepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contest_engine_sweep_failures_total",
		Help: "Failures recorded by sweeps",
	}, []string{"sweep"})

	// ExposureRejections counts opens rejected by the exposure limiter.
	ExposureRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contest_engine_exposure_rejections_total",
		Help: "Opens rejected by the exposure limiter",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "contest_engine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contest_engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "contest_engine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveSweep records one sweep run.
func ObserveSweep(name string, start time.Time, failures int) {
	SweepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if failures > 0 {
		SweepFailures.WithLabelValues(name).Add(float64(failures))
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for the path label to avoid high cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
