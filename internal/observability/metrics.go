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
	storeDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Approval metrics
	ApprovalsCreatedTotal       *prometheus.CounterVec
	ApprovalActionsTotal        *prometheus.CounterVec
	ApprovalActionFailuresTotal *prometheus.CounterVec
	ApprovalActionDuration      *prometheus.HistogramVec
	ApprovalCommentsTotal       prometheus.Counter
	ApprovalLogFailuresTotal    *prometheus.CounterVec

	// Identity metrics
	AuthAttemptsTotal *prometheus.CounterVec

	// Idempotency metrics
	IdempotentReplaysTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pxm_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pxm_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pxm_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pxm_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Approvals
		ApprovalsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pxm_approval_requests_created_total",
			Help: "Total number of approval requests created.",
		}, []string{"source"}),
		ApprovalActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pxm_approval_actions_total",
			Help: "Total number of successful approver decisions.",
		}, []string{"action", "outcome"}),
		ApprovalActionFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pxm_approval_action_failures_total",
			Help: "Total number of refused or failed approver decisions.",
		}, []string{"action", "code"}),
		ApprovalActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pxm_approval_action_duration_seconds",
			Help:    "Duration of approver decisions including persistence.",
			Buckets: storeDurationBuckets,
		}, []string{"action"}),
		ApprovalCommentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pxm_approval_comments_total",
			Help: "Total number of comments posted on approval requests.",
		}),
		ApprovalLogFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pxm_approval_log_append_failures_total",
			Help: "Total number of audit log entries that could not be written.",
		}, []string{"action_type"}),

		// Identity
		AuthAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pxm_auth_attempts_total",
			Help: "Total number of register and login attempts.",
		}, []string{"kind", "result"}),

		// Idempotency
		IdempotentReplaysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pxm_idempotent_replays_total",
			Help: "Total number of responses replayed from the idempotency store.",
		}, []string{"action"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Approvals
		m.ApprovalsCreatedTotal,
		m.ApprovalActionsTotal,
		m.ApprovalActionFailuresTotal,
		m.ApprovalActionDuration,
		m.ApprovalCommentsTotal,
		m.ApprovalLogFailuresTotal,
		// Identity
		m.AuthAttemptsTotal,
		// Idempotency
		m.IdempotentReplaysTotal,
	)

	return m
}

// --- Recording helpers ---
//
// All helpers are safe to call on a nil *Metrics so that services can run
// without instrumentation in tests.

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

// RecordApprovalCreated records a new approval request. Source is "direct" or
// "template".
func (m *Metrics) RecordApprovalCreated(source string) {
	if m == nil {
		return
	}
	m.ApprovalsCreatedTotal.WithLabelValues(source).Inc()
}

// RecordApprovalAction records a successful approver decision.
func (m *Metrics) RecordApprovalAction(action, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ApprovalActionsTotal.WithLabelValues(action, outcome).Inc()
	m.ApprovalActionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordApprovalActionFailure records a refused or failed approver decision.
func (m *Metrics) RecordApprovalActionFailure(action, code string) {
	if m == nil {
		return
	}
	m.ApprovalActionFailuresTotal.WithLabelValues(action, code).Inc()
}

// RecordApprovalComment records a posted comment.
func (m *Metrics) RecordApprovalComment() {
	if m == nil {
		return
	}
	m.ApprovalCommentsTotal.Inc()
}

// RecordLogAppendFailure records an audit entry that could not be written.
func (m *Metrics) RecordLogAppendFailure(actionType string) {
	if m == nil {
		return
	}
	m.ApprovalLogFailuresTotal.WithLabelValues(actionType).Inc()
}

// RecordAuthAttempt records a register or login attempt.
func (m *Metrics) RecordAuthAttempt(kind, result string) {
	if m == nil {
		return
	}
	m.AuthAttemptsTotal.WithLabelValues(kind, result).Inc()
}

// RecordIdempotentReplay records a response served from the idempotency store.
func (m *Metrics) RecordIdempotentReplay(action string) {
	if m == nil {
		return
	}
	m.IdempotentReplaysTotal.WithLabelValues(action).Inc()
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

// HandlerFor returns a /metrics handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
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
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
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
