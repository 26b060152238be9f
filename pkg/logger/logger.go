// Package logger provides structured logging for the backtrace client
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Version is stamped into every log line and into report envelopes.
var Version = "1.2.0"

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
	once         sync.Once
)

// LogLevel represents the logging level
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Logger wraps slog.Logger with client-specific helpers
type Logger struct {
	*slog.Logger
	component string
}

// Config holds logger configuration
type Config struct {
	Level     string
	Format    string // "json" or "text"
	Output    string // "stdout", "stderr", "discard", or file path
	Component string
}

// ParseLevel maps a configured level name to a slog level. Unknown names map to info.
func ParseLevel(name string) slog.Level {
	switch LogLevel(name) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidLevel reports whether name is a recognized level
func ValidLevel(name string) bool {
	switch LogLevel(name) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}

// New creates a new logger instance
func New(cfg Config) (*Logger, error) {
	var writer io.Writer
	output := cfg.Output
	if output == "" {
		output = "stderr"
	}

	switch output {
	case "stdout":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	case "discard":
		writer = io.Discard
	default:
		if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writer = file
	}

	return NewWithWriter(cfg, writer), nil
}

// NewWithWriter creates a logger that writes to w, ignoring cfg.Output
func NewWithWriter(cfg Config, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(cfg.Level),
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	component := cfg.Component
	if component == "" {
		component = "backtrace"
	}

	l := slog.New(handler).With(
		"service", "backtrace-go",
		"component", component,
		"version", Version,
	)

	return &Logger{
		Logger:    l,
		component: component,
	}
}

// Nop returns a logger that drops everything
func Nop() *Logger {
	return NewWithWriter(Config{Level: string(LevelError)}, io.Discard)
}

// Initialize sets up the global logger. Only the first call has an effect.
func Initialize(level, format, output string) error {
	var onceErr error
	once.Do(func() {
		if format == "" {
			format = "text"
		}
		if level == "" {
			level = "info"
		}

		l, err := New(Config{
			Level:     level,
			Format:    format,
			Output:    output,
			Component: "backtrace",
		})
		if err != nil {
			onceErr = fmt.Errorf("failed to initialize logger: %w", err)
			return
		}

		globalMu.Lock()
		globalLogger = l
		globalMu.Unlock()

		l.Debug("logger initialized",
			"level", level,
			"format", format,
			"output", output,
		)
	})

	return onceErr
}

// Global returns the global logger instance
func Global() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}
	return NewWithWriter(Config{Level: "info", Format: "text"}, os.Stderr)
}

// WithComponent returns a new logger with the component name set
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger:    l.Logger.With("component", component),
		component: component,
	}
}

// WithReport returns a new logger tagged with a report uuid
func (l *Logger) WithReport(uuid string) *Logger {
	return &Logger{
		Logger:    l.Logger.With("report_uuid", uuid),
		component: l.component,
	}
}

// Component returns the component name
func (l *Logger) Component() string {
	return l.component
}

// ErrorEvent logs an error with its dynamic type
func (l *Logger) ErrorEvent(ctx context.Context, message string, err error, attrs ...slog.Attr) {
	base := []slog.Attr{
		slog.String("error", err.Error()),
		slog.String("error_type", fmt.Sprintf("%T", err)),
	}
	l.LogAttrs(ctx, slog.LevelError, message, append(base, attrs...)...)
}

// Or returns l, or the global logger scoped to component when l is nil
func Or(l *Logger, component string) *Logger {
	if l != nil {
		return l
	}
	return Global().WithComponent(component)
}

// Info logs an info message
func Info(msg string, args ...any) {
	Global().Info(msg, args...)
}

// Warn logs a warning message
func Warn(msg string, args ...any) {
	Global().Warn(msg, args...)
}

// Error logs an error message
func Error(msg string, args ...any) {
	Global().Error(msg, args...)
}

// Debug logs a debug message
func Debug(msg string, args ...any) {
	Global().Debug(msg, args...)
}
