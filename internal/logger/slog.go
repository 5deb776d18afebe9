package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	slogger *slog.Logger
	logFile *os.File
	slogMu  sync.RWMutex
)

// InitSlog initializes the slog-based logger
// If jsonOutput is true, logs are formatted as JSON for production
func InitSlog(logDir string, jsonOutput bool) error {
	return InitSlogLevel(logDir, jsonOutput, slog.LevelInfo)
}

// InitSlogLevel is InitSlog with an explicit minimum level
func InitSlogLevel(logDir string, jsonOutput bool, level slog.Level) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}

	logFileName := "lattice-" + time.Now().Format("2006-01-02") + ".log"
	f, err := os.OpenFile(filepath.Join(logDir, logFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	slogMu.Lock()
	defer slogMu.Unlock()
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = f
	slogger = slog.New(newHandler(io.MultiWriter(os.Stdout, f), jsonOutput, level))
	slog.SetDefault(slogger)
	return nil
}

// UseWriter points the logger at w without touching the filesystem.
// Used by the CLI when no log directory is configured, and by tests.
func UseWriter(w io.Writer, jsonOutput bool, level slog.Level) {
	slogMu.Lock()
	defer slogMu.Unlock()
	slogger = slog.New(newHandler(w, jsonOutput, level))
}

func newHandler(w io.Writer, jsonOutput bool, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if jsonOutput {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// CloseSlog closes the slog log file
func CloseSlog() error {
	slogMu.Lock()
	defer slogMu.Unlock()
	if logFile != nil {
		err := logFile.Close()
		logFile = nil
		return err
	}
	return nil
}

// Slog returns the slog.Logger instance for structured logging
func Slog() *slog.Logger {
	slogMu.RLock()
	defer slogMu.RUnlock()
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

// WithContext returns a logger with context fields
func WithContext(ctx context.Context) *slog.Logger {
	l := Slog()
	if ctx == nil {
		return l
	}

	if requestID := ctx.Value(ContextKeyRequestID); requestID != nil {
		l = l.With("request_id", requestID)
	}
	if minionID := ctx.Value(ContextKeyMinionID); minionID != nil {
		l = l.With("minion_id", minionID)
	}
	if taskID := ctx.Value(ContextKeyTaskID); taskID != nil {
		l = l.With("task_id", taskID)
	}

	return l
}

// Context keys for structured logging
type contextKey string

const (
	ContextKeyRequestID contextKey = "request_id"
	ContextKeyMinionID  contextKey = "minion_id"
	ContextKeyTaskID    contextKey = "task_id"
)

// WithMinion returns ctx carrying the minion ID for WithContext
func WithMinion(ctx context.Context, minionID string) context.Context {
	return context.WithValue(ctx, ContextKeyMinionID, minionID)
}

// InfoContext logs an info message with context
func InfoContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Info(msg, args...)
}

// ErrorContext logs an error with context
func ErrorContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Error(msg, args...)
}

// WarnContext logs a warning with context
func WarnContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Warn(msg, args...)
}

// DebugContext logs debug info with context
func DebugContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Debug(msg, args...)
}
