// Package logger provides the structured logger used across the SDK.
// It wraps logrus with a component field and trace id propagation.
package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Logger is a component-scoped logrus logger.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a logger for component with the given level ("debug", "info",
// "warn", "error") and format ("text" or "json").
func New(component, level, format string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(parseLevel(level))
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return &Logger{Logger: l, component: component}
}

// NewDefault creates an info-level text logger for component.
func NewDefault(component string) *Logger {
	return New(component, "info", "text")
}

// NewFromEnv reads LOG_LEVEL and LOG_FORMAT.
func NewFromEnv(component string) *Logger {
	return New(component, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

// NewDiscard returns a logger that drops everything. Used by tests.
func NewDiscard(component string) *Logger {
	l := New(component, "error", "text")
	l.SetOutput(io.Discard)
	return l
}

// Component returns the component name this logger was built with.
func (l *Logger) Component() string {
	return l.component
}

// Named derives a logger for a sub-component sharing output, level and format.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger, component: component}
}

// WithField returns an entry tagged with the component and one field.
func (l *Logger) WithField(key string, value any) *logrus.Entry {
	return l.base().WithField(key, value)
}

// WithFields returns an entry tagged with the component and fields.
func (l *Logger) WithFields(fields map[string]any) *logrus.Entry {
	return l.base().WithFields(logrus.Fields(fields))
}

// WithError returns an entry tagged with the component and err.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.base().WithError(err)
}

// WithContext returns an entry carrying the trace id stored in ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.base().WithContext(ctx)
	if traceID := GetTraceID(ctx); traceID != "" {
		entry = entry.WithField("trace_id", traceID)
	}
	return entry
}

func (l *Logger) base() *logrus.Entry {
	return l.Logger.WithField("component", l.component)
}

func parseLevel(v string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

type traceIDKey struct{}

// NewTraceID generates a new trace id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID stores traceID in ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// GetTraceID returns the trace id stored in ctx, or "".
func GetTraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey{}).(string); ok {
		return id
	}
	return ""
}
