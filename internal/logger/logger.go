// Package logger provides process-wide logging for lattice.
//
// Structured call sites use Slog/WithContext. The printf-style helpers below
// exist for prose messages and route through the same slog handler, so
// everything lands in one stream.
package logger

import (
	"fmt"
	"log"
)

// Info logs an informational message
func Info(format string, v ...interface{}) {
	Slog().Info(fmt.Sprintf(format, v...))
}

// Error logs an error message
func Error(format string, v ...interface{}) {
	Slog().Error(fmt.Sprintf(format, v...))
}

// Debug logs a debug message
func Debug(format string, v ...interface{}) {
	Slog().Debug(fmt.Sprintf(format, v...))
}

// Fatalf logs a formatted fatal error and exits
func Fatalf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	Slog().Error(msg)
	_ = CloseSlog()
	log.Fatal(msg)
}
