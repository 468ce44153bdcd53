// Package metrics provides Prometheus instrumentation for the
// transaction engine.
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
	// CommandsTotal counts commands executed, partitioned by command name.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ddjk_commands_total",
		Help: "Total number of commands executed",
	}, []string{"command"})

	// CommandErrors counts handler failures by error kind.
	CommandErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ddjk_command_errors_total",
		Help: "Total number of failed commands by error kind",
	}, []string{"kind"})

	// CommandLatency tracks handler execution latency per command.
	CommandLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ddjk_command_latency_seconds",
		Help:    "Command execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"command"})

	// ReservationExpirations counts reservations reversed by the
	// expiry reconciler.
	ReservationExpirations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ddjk_reservation_expirations_total",
		Help: "Reservations swept and refunded after their deadline",
	})

	// TriggerFires counts standing triggers executed, by side.
	TriggerFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ddjk_trigger_fires_total",
		Help: "Standing triggers fired by the maintainer",
	}, []string{"type"})

	// QuoteFetches counts quote lookups by source (cache or server).
	QuoteFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ddjk_quote_fetches_total",
		Help: "Quote lookups by source",
	}, []string{"source"})

	// ActiveWorkers tracks currently running per-user drain workers.
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ddjk_active_user_workers",
		Help: "Number of per-user queue workers currently draining",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ddjk_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ddjk_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ddjk_http_request_duration_seconds",
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

		// Use the raw path for the label; the API surface is small
		// enough that cardinality stays bounded.
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
