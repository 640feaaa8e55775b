// Package logging provides structured, trace-aware logging for the
// orchestrator core.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carried alongside a request or task.
type ContextKey string

const (
	// TraceIDKey identifies a single end-to-end request/task trace.
	TraceIDKey ContextKey = "trace_id"
	// TaskIDKey identifies the research task a log line concerns.
	TaskIDKey ContextKey = "task_id"
	// ProjectIDKey identifies the project a log line concerns, if any.
	ProjectIDKey ContextKey = "project_id"
	// ComponentKey identifies the emitting component (coordinator, gateway, ...).
	ComponentKey ContextKey = "component"
)

// Logger wraps logrus.Logger with orchestrator-specific field conventions.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a Logger for the given component at the given level/format.
func New(component, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, component: component}
}

// NewFromEnv builds a Logger from LOG_LEVEL / LOG_FORMAT, defaulting to
// "info" and "json" when unset.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithContext returns a logrus.Entry carrying every trace field present in ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)

	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if taskID := ctx.Value(TaskIDKey); taskID != nil {
		entry = entry.WithField("task_id", taskID)
	}
	if projectID := ctx.Value(ProjectIDKey); projectID != nil {
		entry = entry.WithField("project_id", projectID)
	}
	return entry
}

// WithTask returns an entry tagged with the given task ID.
func (l *Logger) WithTask(taskID string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"component": l.component,
		"task_id":   taskID,
	})
}

// WithFields returns an entry with the component field merged into fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

// WithError returns an entry tagged with err.Error() under "error".
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"component": l.component,
		"error":     err.Error(),
	})
}

// NewTraceID returns a fresh random trace identifier.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID attaches a trace ID to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID reads the trace ID from ctx, or "" if absent.
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

// WithTaskID attaches a task ID to ctx.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, TaskIDKey, taskID)
}

// GetTaskID reads the task ID from ctx, or "" if absent.
func GetTaskID(ctx context.Context) string {
	if v, ok := ctx.Value(TaskIDKey).(string); ok {
		return v
	}
	return ""
}

// WithProjectID attaches a project ID to ctx.
func WithProjectID(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, ProjectIDKey, projectID)
}

// GetProjectID reads the project ID from ctx, or "" if absent.
func GetProjectID(ctx context.Context) string {
	if v, ok := ctx.Value(ProjectIDKey).(string); ok {
		return v
	}
	return ""
}
