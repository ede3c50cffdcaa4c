package core

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
)

// Logger is the minimal structured logging interface every component in
// this module depends on. The concrete logger (JSON-to-stdout, OTEL-backed,
// or something else entirely) is an external collaborator — this module
// only ever consumes the interface and defaults to NoOpLogger.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger lets a package tag its log lines with a stable
// component identifier ("framework/orchestration", "framework/resilience", …)
// without needing to know which concrete Logger it was handed.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOpLogger discards everything. It is the default for every component
// that hasn't had SetLogger called on it.
type NoOpLogger struct{}

func (NoOpLogger) Info(string, map[string]interface{})  {}
func (NoOpLogger) Error(string, map[string]interface{}) {}
func (NoOpLogger) Warn(string, map[string]interface{})  {}
func (NoOpLogger) Debug(string, map[string]interface{}) {}

func (NoOpLogger) InfoWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) ErrorWithContext(context.Context, string, map[string]interface{}) {}
func (NoOpLogger) WarnWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) DebugWithContext(context.Context, string, map[string]interface{}) {}

// SimpleLogger is a small line-oriented structured logger used by the
// command-line entry point and by tests that want to see output. It writes
// "level msg key=value ..." lines via the standard log package.
type SimpleLogger struct {
	mu        sync.Mutex
	component string
}

// NewSimpleLogger creates a logger with no component tag set.
func NewSimpleLogger() *SimpleLogger {
	return &SimpleLogger{}
}

func (l *SimpleLogger) WithComponent(component string) Logger {
	return &SimpleLogger{component: component}
}

func (l *SimpleLogger) log(level, msg string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var b strings.Builder
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(msg)
	if l.component != "" {
		fmt.Fprintf(&b, " component=%s", l.component)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	log.Println(b.String())
}

func (l *SimpleLogger) Info(msg string, fields map[string]interface{})  { l.log("INFO", msg, fields) }
func (l *SimpleLogger) Error(msg string, fields map[string]interface{}) { l.log("ERROR", msg, fields) }
func (l *SimpleLogger) Warn(msg string, fields map[string]interface{})  { l.log("WARN", msg, fields) }
func (l *SimpleLogger) Debug(msg string, fields map[string]interface{}) { l.log("DEBUG", msg, fields) }

func (l *SimpleLogger) InfoWithContext(_ context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, fields)
}
func (l *SimpleLogger) ErrorWithContext(_ context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, fields)
}
func (l *SimpleLogger) WarnWithContext(_ context.Context, msg string, fields map[string]interface{}) {
	l.Warn(msg, fields)
}
func (l *SimpleLogger) DebugWithContext(_ context.Context, msg string, fields map[string]interface{}) {
	l.Debug(msg, fields)
}

// WithComponent returns logger wrapped with component if it is component
// aware, otherwise returns it unchanged. Mirrors the teacher's
// SetLogger(logger) convention used throughout resilience/core.
func WithComponent(logger Logger, component string) Logger {
	if logger == nil {
		return NoOpLogger{}
	}
	if cal, ok := logger.(ComponentAwareLogger); ok {
		return cal.WithComponent(component)
	}
	return logger
}
