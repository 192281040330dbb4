// Package observability provides structured logging, prometheus metrics,
// and OpenTelemetry tracing for the runtime.
package observability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger wraps slog with run correlation and sensitive-value redaction.
type Logger struct {
	logger  *slog.Logger
	redacts []*regexp.Regexp
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string

	// Format is "json" or "text".
	Format string

	// Output defaults to os.Stdout.
	Output io.Writer

	// AddSource includes file and line in records.
	AddSource bool

	// RedactPatterns adds regexes on top of the defaults.
	RedactPatterns []string
}

// ContextKey is the type for context keys carried into log records.
type ContextKey string

const (
	// RunIDKey correlates records to an agent run.
	RunIDKey ContextKey = "run_id"

	// ThreadIDKey correlates records to a thread.
	ThreadIDKey ContextKey = "thread_id"
)

// DefaultRedactPatterns covers common secret shapes.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`,
	`sk-ant-[a-zA-Z0-9_-]{95,}`,
	`sk-[a-zA-Z0-9]{48,}`,
}

// NewLogger creates a structured logger. Empty config fields get sensible
// defaults (info level, json format, stdout).
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     LevelFromString(config.Level),
		AddSource: config.AddSource,
	}
	var handler slog.Handler
	if config.Format == "text" {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	var redacts []*regexp.Regexp
	for _, pattern := range append(DefaultRedactPatterns, config.RedactPatterns...) {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{logger: slog.New(handler), redacts: redacts}
}

// NopLogger discards everything. Useful in tests.
func NopLogger() *Logger {
	return &Logger{logger: slog.New(slog.DiscardHandler)}
}

func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

// WithFields returns a logger with fields attached to every record.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...), redacts: l.redacts}
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	msg = l.redactString(msg)

	attrs := make([]any, 0, len(args)+4)
	if runID, ok := ctx.Value(RunIDKey).(string); ok && runID != "" {
		attrs = append(attrs, "run_id", runID)
	}
	if threadID, ok := ctx.Value(ThreadIDKey).(string); ok && threadID != "" {
		attrs = append(attrs, "thread_id", threadID)
	}
	for _, arg := range args {
		attrs = append(attrs, l.redactValue(arg))
	}

	l.logger.Log(ctx, level, msg, attrs...)
}

func (l *Logger) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return l.redactString(val)
	case error:
		return l.redactString(val.Error())
	case []byte:
		return l.redactString(string(val))
	case map[string]any:
		return l.redactMap(val)
	default:
		return v
	}
}

var sensitiveKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"private_key":   true,
	"auth":          true,
	"authorization": true,
	"credentials":   true,
}

func (l *Logger) redactMap(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		if sensitiveKeys[strings.ToLower(strings.ReplaceAll(k, "-", "_"))] {
			result[k] = "[REDACTED]"
			continue
		}
		result[k] = l.redactValue(v)
	}
	return result
}

func (l *Logger) redactString(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// RedactJSON marshals v and redacts the result, for logging raw payloads.
func (l *Logger) RedactJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return l.redactString(string(raw))
}

// WithRunID attaches a run id to the context for log correlation.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithThreadID attaches a thread id to the context for log correlation.
func WithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, ThreadIDKey, threadID)
}

// LevelFromString maps a level name to slog.Level, defaulting to info.
func LevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
