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
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lattice_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EventsApplied counts events folded into conversations, by kind and update hint
	EventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_events_applied_total",
			Help: "Total number of stream events applied, by kind and update hint",
		},
		[]string{"kind", "hint"},
	)

	// BenignRaces counts events that arrived for a stream, tool call or
	// reasoning block with no current state and were dropped as no-ops.
	// A steady rate here usually means transport reordering.
	BenignRaces = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_benign_races_total",
			Help: "Events ignored because their target stream or part was not active",
		},
		[]string{"kind"},
	)

	// ProtocolViolations counts fail-fast protocol errors
	ProtocolViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_protocol_violations_total",
			Help: "Events rejected as protocol violations or malformed input",
		},
		[]string{"kind"},
	)

	// ReportRejections counts reports refused by descendant gating
	ReportRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_report_rejections_total",
			Help: "Task reports rejected because descendants were unresolved",
		},
	)

	// ActiveMinions tracks conversations with live in-memory state
	ActiveMinions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_active_minions",
			Help: "Number of minions with an in-memory aggregator",
		},
	)

	// Tasks tracks tracked agent tasks by status
	Tasks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lattice_tasks",
			Help: "Number of tracked agent tasks by status",
		},
		[]string{"status"},
	)

	// EventBufferDrops tracks dropped events due to buffer overflow
	EventBufferDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_event_buffer_drops_total",
			Help: "Total number of events dropped due to buffer overflow",
		},
	)

	// ScrollbackFlushFailures counts scrollback flushes that failed or timed out
	ScrollbackFlushFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_scrollback_flush_failures_total",
			Help: "Scrollback flushes that failed or were abandoned",
		},
	)

	// ToolCalls tracks MCP tool invocations
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "status"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := normalizePath(r.URL.Path)
		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/health", "/mcp", "/mcp/", "/metrics":
		return path
	default:
		if len(path) > 5 && path[:5] == "/mcp/" {
			return "/mcp"
		}
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordEvent records one applied event
func RecordEvent(kind, hint string) {
	EventsApplied.WithLabelValues(kind, hint).Inc()
}

// RecordBenignRace records an event dropped as a benign race
func RecordBenignRace(kind string) {
	BenignRaces.WithLabelValues(kind).Inc()
}

// RecordProtocolViolation records a fail-fast rejection
func RecordProtocolViolation(kind string) {
	ProtocolViolations.WithLabelValues(kind).Inc()
}

// RecordReportRejection records a gated report
func RecordReportRejection() {
	ReportRejections.Inc()
}

// SetActiveMinions sets the in-memory minion count
func SetActiveMinions(count float64) {
	ActiveMinions.Set(count)
}

// SetTaskCounts replaces the per-status task gauges
func SetTaskCounts(counts map[string]int) {
	Tasks.Reset()
	for status, n := range counts {
		Tasks.WithLabelValues(status).Set(float64(n))
	}
}

// RecordEventDrop records an event buffer drop
func RecordEventDrop() {
	EventBufferDrops.Inc()
}

// RecordScrollbackFlushFailure records a failed or abandoned flush
func RecordScrollbackFlushFailure() {
	ScrollbackFlushFailures.Inc()
}

// RecordToolCall records an MCP tool invocation
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}
