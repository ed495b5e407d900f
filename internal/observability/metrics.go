package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	storeDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the approval service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	WorkflowStartsTotal      *prometheus.CounterVec
	WorkflowTransitionsTotal *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowConflictsTotal   *prometheus.CounterVec
	WorkflowActiveInstances  *prometheus.GaugeVec

	// Pipeline metrics
	PipelineAdvancesTotal  *prometheus.CounterVec
	PipelineSendBacksTotal *prometheus.CounterVec

	// Store metrics
	StoreOperationDuration *prometheus.HistogramVec

	// System metrics
	DefinitionsLoaded      prometheus.Gauge
	FenceAcquisitionsTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signoff_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signoff_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signoff_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signoff_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signoff_workflow_starts_total",
			Help: "Total number of workflow instance starts.",
		}, []string{"definition"}),
		WorkflowTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signoff_workflow_transitions_total",
			Help: "Total number of accepted workflow transitions.",
		}, []string{"definition", "action"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signoff_workflow_completions_total",
			Help: "Total number of workflow completions by final status.",
		}, []string{"definition", "final_status"}),
		WorkflowConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signoff_workflow_conflicts_total",
			Help: "Total number of transitions rejected by the version check.",
		}, []string{"definition", "kind"}),
		WorkflowActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signoff_workflow_active_instances",
			Help: "Number of in-progress workflow instances.",
		}, []string{"definition"}),

		// Pipeline
		PipelineAdvancesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signoff_pipeline_advances_total",
			Help: "Total number of package pipeline advances.",
		}, []string{"from_stage", "to_stage"}),
		PipelineSendBacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signoff_pipeline_send_backs_total",
			Help: "Total number of package pipeline send-backs.",
		}, []string{"from_stage", "target"}),

		// Store
		StoreOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signoff_store_operation_duration_seconds",
			Help:    "Store operation duration in seconds.",
			Buckets: storeDurationBuckets,
		}, []string{"store", "operation"}),

		// System
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signoff_definitions_loaded",
			Help: "Number of loaded workflow definitions.",
		}),
		FenceAcquisitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signoff_fence_acquisitions_total",
			Help: "Total completion fence acquisition attempts by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflows
		m.WorkflowStartsTotal,
		m.WorkflowTransitionsTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowConflictsTotal,
		m.WorkflowActiveInstances,
		// Pipeline
		m.PipelineAdvancesTotal,
		m.PipelineSendBacksTotal,
		// Store
		m.StoreOperationDuration,
		// System
		m.DefinitionsLoaded,
		m.FenceAcquisitionsTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordWorkflowStart records a workflow instance start.
func (m *Metrics) RecordWorkflowStart(definition string) {
	m.WorkflowStartsTotal.WithLabelValues(definition).Inc()
	m.WorkflowActiveInstances.WithLabelValues(definition).Inc()
}

// RecordWorkflowTransition records an accepted transition.
func (m *Metrics) RecordWorkflowTransition(definition, action string) {
	m.WorkflowTransitionsTotal.WithLabelValues(definition, action).Inc()
}

// RecordWorkflowCompletion records a workflow instance reaching a terminal
// status.
func (m *Metrics) RecordWorkflowCompletion(definition, finalStatus string) {
	m.WorkflowCompletionsTotal.WithLabelValues(definition, finalStatus).Inc()
	m.WorkflowActiveInstances.WithLabelValues(definition).Dec()
}

// RecordWorkflowConflict records a transition lost to a concurrent writer.
// Kind distinguishes step-level races from plain version conflicts.
func (m *Metrics) RecordWorkflowConflict(definition, kind string) {
	m.WorkflowConflictsTotal.WithLabelValues(definition, kind).Inc()
}

// RecordPipelineAdvance records a package pipeline stage advance.
func (m *Metrics) RecordPipelineAdvance(fromStage, toStage string) {
	m.PipelineAdvancesTotal.WithLabelValues(fromStage, toStage).Inc()
}

// RecordPipelineSendBack records a package pipeline send-back.
func (m *Metrics) RecordPipelineSendBack(fromStage, target string) {
	m.PipelineSendBacksTotal.WithLabelValues(fromStage, target).Inc()
}

// RecordStoreOperation records the duration of a store operation.
func (m *Metrics) RecordStoreOperation(store, operation string, duration time.Duration) {
	m.StoreOperationDuration.WithLabelValues(store, operation).Observe(duration.Seconds())
}

// SetDefinitionsLoaded sets the number of loaded workflow definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	m.DefinitionsLoaded.Set(count)
}

// RecordFenceAcquisition records a completion fence acquisition attempt.
// Result is "acquired", "duplicate" or "error".
func (m *Metrics) RecordFenceAcquisition(result string) {
	m.FenceAcquisitionsTotal.WithLabelValues(result).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
