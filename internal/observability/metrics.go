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
	taskDurationBuckets  = []float64{0.01, 0.1, 1, 10, 60, 300, 1800, 3600, 86400}
	flushDurationBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the engine. Every
// recording helper is a no-op on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	WorkflowInstancesTotal   *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowActiveInstances  *prometheus.GaugeVec
	TaskTransitionsTotal     *prometheus.CounterVec
	TaskDuration             *prometheus.HistogramVec
	ChainLimitExceededTotal  *prometheus.CounterVec

	// Work item metrics
	WorkItemTransitionsTotal *prometheus.CounterVec
	WorkItemDenialsTotal     *prometheus.CounterVec

	// Authorization metrics
	ScopeCacheHitsTotal   prometheus.Counter
	ScopeCacheMissesTotal prometheus.Counter

	// Audit metrics
	AuditSpansTotal     *prometheus.CounterVec
	AuditFlushDuration  prometheus.Histogram
	AuditSnapshotsTotal *prometheus.CounterVec

	// System metrics
	DefinitionLoadTotal     *prometheus.CounterVec
	DefinitionsLoaded       prometheus.Gauge
	IdempotencyReplaysTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasquencer_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tasquencer_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tasquencer_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tasquencer_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		WorkflowInstancesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasquencer_workflow_instances_total",
			Help: "Total number of workflow instances initialized.",
		}, []string{"workflow"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasquencer_workflow_completions_total",
			Help: "Total number of workflow instances reaching a terminal state.",
		}, []string{"workflow", "final_state"}),
		WorkflowActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tasquencer_workflow_active_instances",
			Help: "Number of non-terminal workflow instances.",
		}, []string{"workflow"}),
		TaskTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasquencer_task_transitions_total",
			Help: "Total number of task state transitions.",
		}, []string{"workflow", "task", "state"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tasquencer_task_duration_seconds",
			Help:    "Time from task start to completion in seconds.",
			Buckets: taskDurationBuckets,
		}, []string{"workflow", "task"}),
		ChainLimitExceededTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasquencer_chain_limit_exceeded_total",
			Help: "Total number of operations aborted by the automatic firing limit.",
		}, []string{"workflow"}),

		// Work items
		WorkItemTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasquencer_work_item_transitions_total",
			Help: "Total number of work item state transitions.",
		}, []string{"task", "state"}),
		WorkItemDenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasquencer_work_item_denials_total",
			Help: "Total number of work item operations rejected for missing scope.",
		}, []string{"operation"}),

		// Authorization
		ScopeCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasquencer_scope_cache_hits_total",
			Help: "Total number of user scope cache hits.",
		}),
		ScopeCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasquencer_scope_cache_misses_total",
			Help: "Total number of user scope cache misses.",
		}),

		// Audit
		AuditSpansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasquencer_audit_spans_total",
			Help: "Total number of audit spans persisted.",
		}, []string{"type"}),
		AuditFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tasquencer_audit_flush_duration_seconds",
			Help:    "Duration of audit span batch flushes in seconds.",
			Buckets: flushDurationBuckets,
		}),
		AuditSnapshotsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasquencer_audit_snapshots_total",
			Help: "Total number of workflow state snapshots taken.",
		}, []string{"status"}),

		// System
		DefinitionLoadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasquencer_definition_load_total",
			Help: "Total number of definition load attempts.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tasquencer_definitions_loaded",
			Help: "Number of registered workflow definitions.",
		}),
		IdempotencyReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasquencer_idempotency_replays_total",
			Help: "Total number of requests answered from the idempotency store.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflows
		m.WorkflowInstancesTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowActiveInstances,
		m.TaskTransitionsTotal,
		m.TaskDuration,
		m.ChainLimitExceededTotal,
		// Work items
		m.WorkItemTransitionsTotal,
		m.WorkItemDenialsTotal,
		// Authorization
		m.ScopeCacheHitsTotal,
		m.ScopeCacheMissesTotal,
		// Audit
		m.AuditSpansTotal,
		m.AuditFlushDuration,
		m.AuditSnapshotsTotal,
		// System
		m.DefinitionLoadTotal,
		m.DefinitionsLoaded,
		m.IdempotencyReplaysTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordWorkflowInitialized records a new workflow instance.
func (m *Metrics) RecordWorkflowInitialized(workflow string) {
	if m == nil {
		return
	}
	m.WorkflowInstancesTotal.WithLabelValues(workflow).Inc()
	m.WorkflowActiveInstances.WithLabelValues(workflow).Inc()
}

// RecordWorkflowFinished records a workflow reaching completed, failed or
// canceled.
func (m *Metrics) RecordWorkflowFinished(workflow, finalState string) {
	if m == nil {
		return
	}
	m.WorkflowCompletionsTotal.WithLabelValues(workflow, finalState).Inc()
	m.WorkflowActiveInstances.WithLabelValues(workflow).Dec()
}

// RecordTaskTransition records a task entering state.
func (m *Metrics) RecordTaskTransition(workflow, task, state string) {
	if m == nil {
		return
	}
	m.TaskTransitionsTotal.WithLabelValues(workflow, task, state).Inc()
}

// RecordTaskDuration records the started-to-completed duration of a task.
func (m *Metrics) RecordTaskDuration(workflow, task string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TaskDuration.WithLabelValues(workflow, task).Observe(duration.Seconds())
}

// RecordChainLimitExceeded records an operation aborted by the firing limit.
func (m *Metrics) RecordChainLimitExceeded(workflow string) {
	if m == nil {
		return
	}
	m.ChainLimitExceededTotal.WithLabelValues(workflow).Inc()
}

// RecordWorkItemTransition records a work item entering state.
func (m *Metrics) RecordWorkItemTransition(task, state string) {
	if m == nil {
		return
	}
	m.WorkItemTransitionsTotal.WithLabelValues(task, state).Inc()
}

// RecordWorkItemDenied records a work item operation refused for scope.
func (m *Metrics) RecordWorkItemDenied(operation string) {
	if m == nil {
		return
	}
	m.WorkItemDenialsTotal.WithLabelValues(operation).Inc()
}

// RecordScopeCacheHit records a scope cache hit.
func (m *Metrics) RecordScopeCacheHit() {
	if m == nil {
		return
	}
	m.ScopeCacheHitsTotal.Inc()
}

// RecordScopeCacheMiss records a scope cache miss.
func (m *Metrics) RecordScopeCacheMiss() {
	if m == nil {
		return
	}
	m.ScopeCacheMissesTotal.Inc()
}

// RecordAuditFlush records a persisted span batch.
func (m *Metrics) RecordAuditFlush(spanTypes []string, duration time.Duration) {
	if m == nil {
		return
	}
	for _, t := range spanTypes {
		m.AuditSpansTotal.WithLabelValues(t).Inc()
	}
	m.AuditFlushDuration.Observe(duration.Seconds())
}

// RecordAuditSnapshot records a snapshot attempt ("success" or "error").
func (m *Metrics) RecordAuditSnapshot(status string) {
	if m == nil {
		return
	}
	m.AuditSnapshotsTotal.WithLabelValues(status).Inc()
}

// RecordDefinitionLoad records a definition load ("success" or "error").
func (m *Metrics) RecordDefinitionLoad(status string) {
	if m == nil {
		return
	}
	m.DefinitionLoadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of registered definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(count)
}

// RecordIdempotencyReplay records a response served from the idempotency
// store.
func (m *Metrics) RecordIdempotencyReplay() {
	if m == nil {
		return
	}
	m.IdempotencyReplaysTotal.Inc()
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
