// Package audit records state-changing operations requested through the
// host surface.
package audit

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Operation represents the type of auditable operation
type Operation string

const (
	OpTaskSpawn        Operation = "task.spawn"
	OpTaskStatus       Operation = "task.status"
	OpTaskReport       Operation = "task.report"
	OpCompactionCancel Operation = "compaction.cancel"
	OpMinionDispose    Operation = "minion.dispose"
	OpMinionAttach     Operation = "minion.attach"
	OpEditClear        Operation = "edit.clear"
	OpProcessRegister  Operation = "process.register"
	OpProcessStatus    Operation = "process.status"
	OpScheduleCreate   Operation = "schedule.create"
	OpScheduleUpdate   Operation = "schedule.update"
	OpScheduleDelete   Operation = "schedule.delete"
	OpScheduleTrigger  Operation = "schedule.trigger"
)

// Event represents an audit log entry
type Event struct {
	Timestamp  time.Time              `json:"timestamp"`
	Operation  Operation              `json:"operation"`
	MinionID   string                 `json:"minion_id,omitempty"`
	TaskID     string                 `json:"task_id,omitempty"`
	JobID      string                 `json:"job_id,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	RemoteAddr string                 `json:"remote_addr,omitempty"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// Logger handles audit logging
type Logger struct {
	logger  *slog.Logger
	enabled bool
	mu      sync.RWMutex
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the default audit logger, writing JSON to stdout
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(os.Stdout, true)
	})
	return defaultLogger
}

// New creates an audit logger writing JSON lines to w
func New(w io.Writer, enabled bool) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &Logger{
		logger:  slog.New(handler),
		enabled: enabled,
	}
}

// SetEnabled enables or disables audit logging
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Enabled reports whether events are recorded
func (l *Logger) Enabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.enabled
}

// Log records an audit event
func (l *Logger) Log(event *Event) {
	if l == nil || !l.Enabled() {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.String("audit", "true"),
		slog.String("operation", string(event.Operation)),
		slog.Bool("success", event.Success),
	}

	if event.MinionID != "" {
		attrs = append(attrs, slog.String("minion_id", event.MinionID))
	}
	if event.TaskID != "" {
		attrs = append(attrs, slog.String("task_id", event.TaskID))
	}
	if event.JobID != "" {
		attrs = append(attrs, slog.String("job_id", event.JobID))
	}
	if event.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", event.RequestID))
	}
	if event.RemoteAddr != "" {
		attrs = append(attrs, slog.String("remote_addr", event.RemoteAddr))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	if event.Details != nil {
		detailsJSON, _ := json.Marshal(event.Details)
		attrs = append(attrs, slog.String("details", string(detailsJSON)))
	}

	l.logger.Info("AUDIT", attrs...)
}

// Record logs event as a success when err is nil and a failure otherwise
func (l *Logger) Record(event *Event, err error) {
	event.Success = err == nil
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}
