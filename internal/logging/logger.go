// Package logging provides a global, level-gated logger for the jeeves
// core. All output goes to stderr: stdout is reserved for any future
// machine-readable surface, and the core must never interleave its own
// diagnostics with a child's stdout stream.
package logging

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

var global *log.Logger

// Initialize sets up the global logger. debugMode enables debug-level
// output; quiet suppresses info-level output (errors still surface).
func Initialize(debugMode bool, quiet bool) {
	var out io.Writer = os.Stderr

	lvl := log.InfoLevel
	switch {
	case debugMode:
		lvl = log.DebugLevel
	case quiet:
		lvl = log.ErrorLevel
	}

	global = log.NewWithOptions(out, log.Options{
		ReportTimestamp: true,
		Level:           lvl,
	})
}

func logger() *log.Logger {
	if global == nil {
		Initialize(false, false)
	}
	return global
}

// Info logs an informational message.
func Info(msg string, keyvals ...interface{}) {
	logger().Info(msg, keyvals...)
}

// Debug logs a debug message, visible only when debug mode is enabled.
func Debug(msg string, keyvals ...interface{}) {
	logger().Debug(msg, keyvals...)
}

// Error logs an error message.
func Error(msg string, keyvals ...interface{}) {
	logger().Error(msg, keyvals...)
}

// Warn logs a warning message.
func Warn(msg string, keyvals ...interface{}) {
	logger().Warn(msg, keyvals...)
}

// IsDebugEnabled reports whether debug-level output is currently enabled.
func IsDebugEnabled() bool {
	return logger().GetLevel() <= log.DebugLevel
}

// With returns a child logger carrying the given structured key/value
// pairs on every subsequent call, matching charmbracelet/log's scoping
// idiom for per-run or per-task loggers.
func With(keyvals ...interface{}) *log.Logger {
	return logger().With(keyvals...)
}
