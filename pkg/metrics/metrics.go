// Package metrics exposes Prometheus collectors for executions, validation passes, audit
// traffic and the HTTP endpoints of the serve command.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the flow engine.
type Metrics struct {
	// Execution metrics
	executionsActive   prometheus.Gauge
	executionsTotal    *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	executionMemory    prometheus.Histogram
	executionViolation *prometheus.CounterVec

	// Validation metrics
	validationsTotal *prometheus.CounterVec
	validationScore  *prometheus.HistogramVec

	// Audit metrics
	auditEntries *prometheus.CounterVec

	// Workflow document reloads
	workflowReloads *prometheus.CounterVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance on its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		executionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flow_executions_active",
				Help: "Number of executions currently running",
			},
		),

		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flow_executions_total",
				Help: "Total number of finished executions by terminal status",
			},
			[]string{"status"},
		),

		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flow_execution_duration_seconds",
				Help:    "Execution wall-clock duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"status"},
		),

		executionMemory: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flow_execution_memory_bytes",
				Help:    "Simulated memory held by executions when they finished",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 12),
			},
		),

		executionViolation: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flow_execution_violations_total",
				Help: "Total number of violations recorded on executions",
			},
			[]string{"status"},
		),

		validationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flow_validations_total",
				Help: "Total number of validation passes by kind and result",
			},
			[]string{"kind", "valid"},
		),

		validationScore: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flow_validation_score",
				Help:    "Scores produced by validation passes",
				Buckets: prometheus.LinearBuckets(0, 10, 11),
			},
			[]string{"kind"},
		),

		auditEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flow_audit_entries_total",
				Help: "Total number of audit entries by level",
			},
			[]string{"level"},
		),

		workflowReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flow_workflow_reloads_total",
				Help: "Total number of workflow document reload attempts by status",
			},
			[]string{"status"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flow_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flow_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.executionsActive,
		m.executionsTotal,
		m.executionDuration,
		m.executionMemory,
		m.executionViolation,
		m.validationsTotal,
		m.validationScore,
		m.auditEntries,
		m.workflowReloads,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// ExecutionStarted records a new running execution.
func (m *Metrics) ExecutionStarted(string) {
	m.executionsActive.Inc()
}

// ExecutionFinished records a terminal execution.
func (m *Metrics) ExecutionFinished(exec domain.Execution) {
	m.executionsActive.Dec()
	status := string(exec.Status)
	m.executionsTotal.WithLabelValues(status).Inc()
	if exec.EndTime != nil {
		m.executionDuration.WithLabelValues(status).Observe(exec.EndTime.Sub(exec.StartTime).Seconds())
	}
	m.executionMemory.Observe(float64(exec.MemoryUsage))
	if n := len(exec.SecurityViolations); n > 0 {
		m.executionViolation.WithLabelValues(status).Add(float64(n))
	}
}

// RecordValidation records one validation pass.
func (m *Metrics) RecordValidation(kind string, res domain.ValidationResult) {
	m.validationsTotal.WithLabelValues(kind, strconv.FormatBool(res.Valid)).Inc()
	m.validationScore.WithLabelValues(kind).Observe(float64(res.Score))
}

// Write counts an audit entry. It lets Metrics act as an audit sink.
func (m *Metrics) Write(entry domain.AuditEntry) error {
	m.auditEntries.WithLabelValues(string(entry.Level)).Inc()
	return nil
}

// RecordWorkflowReload records a workflow document reload attempt
func (m *Metrics) RecordWorkflowReload(status string) {
	m.workflowReloads.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware creates HTTP middleware that records request metrics
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, endpointName(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// endpointName keeps label cardinality bounded.
func endpointName(path string) string {
	switch path {
	case "/healthz":
		return "healthz"
	case "/metrics":
		return "metrics"
	case "/executions":
		return "executions"
	case "/audit":
		return "audit"
	case "/workflow":
		return "workflow"
	default:
		return "unknown"
	}
}
