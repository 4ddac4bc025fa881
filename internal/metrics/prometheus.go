package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/satindergrewal/gary/internal/orchestrator"
	"github.com/satindergrewal/gary/internal/session"
)

// Metrics contains all Prometheus metrics for gary. Each instance owns its
// registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	// Operations
	OperationsStarted  *prometheus.CounterVec
	OperationsFinished *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	OperationsInFlight prometheus.Gauge
	Progress           prometheus.Gauge

	// Results
	ResultsStored *prometheus.CounterVec

	// Connection
	ConnectionState   *prometheus.GaugeVec
	ConnectionChanges *prometheus.CounterVec

	// Preview
	PreviewListeners prometheus.Gauge

	// HTTP API
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var connectionStates = []session.State{session.Disconnected, session.Connecting, session.Connected, session.Failed}

// NewMetrics creates and registers all metrics on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		OperationsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gary_operations_started_total",
			Help: "Operations that reserved the operation slot",
		}, []string{"kind"}),
		OperationsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gary_operations_finished_total",
			Help: "Operations that returned to idle, by outcome",
		}, []string{"kind", "outcome"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gary_operation_duration_seconds",
			Help:    "Time from reservation to completion or failure",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4 minutes
		}, []string{"kind"}),
		OperationsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "gary_operations_in_flight",
			Help: "1 while an operation is awaiting its response",
		}),
		Progress: f.NewGauge(prometheus.GaugeOpts{
			Name: "gary_generation_progress_percent",
			Help: "Last progress_update reported by the service",
		}),

		ResultsStored: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gary_results_stored_total",
			Help: "Result clips written to the results store",
		}, []string{"kind"}),

		ConnectionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gary_connection_state",
			Help: "1 for the current connection state, 0 for the others",
		}, []string{"state"}),
		ConnectionChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gary_connection_changes_total",
			Help: "Connection state changes observed",
		}, []string{"state"}),

		PreviewListeners: f.NewGauge(prometheus.GaugeOpts{
			Name: "gary_preview_listeners",
			Help: "Connected preview listeners (HTTP and WebRTC)",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gary_http_requests_total",
			Help: "Total number of HTTP API requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gary_http_request_duration_seconds",
			Help:    "Duration of HTTP API requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// OperationStarted counts a reserved operation.
func (m *Metrics) OperationStarted(kind string) {
	m.OperationsStarted.WithLabelValues(kind).Inc()
	m.OperationsInFlight.Set(1)
	m.Progress.Set(0)
}

// OperationFinished records the outcome and duration of an operation.
func (m *Metrics) OperationFinished(kind string, err error, elapsed time.Duration) {
	m.OperationsFinished.WithLabelValues(kind, Outcome(err)).Inc()
	m.OperationDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	m.OperationsInFlight.Set(0)
}

// ProgressChanged sets the progress gauge.
func (m *Metrics) ProgressChanged(percent int) {
	m.Progress.Set(float64(percent))
}

// ConnectionChanged flips the state gauges.
func (m *Metrics) ConnectionChanged(state string) {
	for _, s := range connectionStates {
		v := 0.0
		if s.String() == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(s.String()).Set(v)
	}
	m.ConnectionChanges.WithLabelValues(state).Inc()
}

// ResultStored counts a stored result.
func (m *Metrics) ResultStored(kind string) {
	m.ResultsStored.WithLabelValues(kind).Inc()
}

// SetPreviewListeners sets the current listener count.
func (m *Metrics) SetPreviewListeners(n int) {
	m.PreviewListeners.Set(float64(n))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// Outcome buckets an operation error into a label value.
func Outcome(err error) string {
	var ce *session.ConnectionError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, orchestrator.ErrTimeout):
		return "timeout"
	case errors.Is(err, orchestrator.ErrDisconnected), errors.Is(err, session.ErrNotConnected), errors.As(err, &ce):
		return "connection"
	case errors.Is(err, orchestrator.ErrClosed):
		return "closed"
	default:
		return "error"
	}
}
