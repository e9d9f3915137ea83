package observability

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// TracedLogger is a structured logger with automatic trace correlation.
// It wraps slog.Logger and adds service context and OpenTelemetry trace
// correlation to every entry.
type TracedLogger struct {
	logger          *slog.Logger
	service         string
	component       string
	redactSensitive bool
}

// NewTracedLogger creates a new TracedLogger with the specified handler and
// context. The logger automatically correlates logs with distributed traces
// and includes service and component identity in every log entry.
//
// Parameters:
//   - handler: The slog.Handler to use for formatting and outputting logs
//   - service: The service name (e.g. "relay")
//   - component: The subsystem producing logs (e.g. "consolidation", "handoff")
//
// Returns:
//   - *TracedLogger: A configured logger ready for use
func NewTracedLogger(handler slog.Handler, service, component string) *TracedLogger {
	return &TracedLogger{
		logger:          slog.New(handler),
		service:         service,
		component:       component,
		redactSensitive: true,
	}
}

// WithComponent returns a copy of the logger scoped to a different component.
func (l *TracedLogger) WithComponent(component string) *TracedLogger {
	return &TracedLogger{
		logger:          l.logger,
		service:         l.service,
		component:       component,
		redactSensitive: l.redactSensitive,
	}
}

// Debug logs a debug-level message with automatic trace correlation.
// Debug logs include all fields without redaction.
func (l *TracedLogger) Debug(ctx context.Context, msg string, args ...any) {
	logger := l.WithContext(ctx)
	logger.Debug(msg, args...)
}

// Info logs an info-level message with automatic trace correlation.
// Sensitive data in args is redacted at info level and above.
func (l *TracedLogger) Info(ctx context.Context, msg string, args ...any) {
	logger := l.WithContext(ctx)
	if l.redactSensitive {
		args = redactSensitiveData(args)
	}
	logger.Info(msg, args...)
}

// Warn logs a warning-level message with automatic trace correlation.
// Sensitive data in args is redacted at warn level and above.
func (l *TracedLogger) Warn(ctx context.Context, msg string, args ...any) {
	logger := l.WithContext(ctx)
	if l.redactSensitive {
		args = redactSensitiveData(args)
	}
	logger.Warn(msg, args...)
}

// Error logs an error-level message with automatic trace correlation.
// Sensitive data in args is redacted at error level.
func (l *TracedLogger) Error(ctx context.Context, msg string, args ...any) {
	logger := l.WithContext(ctx)
	if l.redactSensitive {
		args = redactSensitiveData(args)
	}
	logger.Error(msg, args...)
}

// WithContext creates a new slog.Logger with trace correlation fields added.
// Extracts trace_id and span_id from the OpenTelemetry span in the context
// and adds service and component identity to every log entry.
//
// Parameters:
//   - ctx: Context containing OpenTelemetry span for trace correlation
//
// Returns:
//   - *slog.Logger: A logger with trace correlation fields
func (l *TracedLogger) WithContext(ctx context.Context) *slog.Logger {
	logger := l.logger

	logger = logger.With(
		slog.String("service", l.service),
		slog.String("component", l.component),
	)

	// Extract trace context from OpenTelemetry
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		spanCtx := span.SpanContext()
		logger = logger.With(
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}

	return logger
}

// NewJSONHandler creates a new JSON log handler with the specified output and
// level. JSON format is ideal for structured logging in production.
func NewJSONHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
}

// NewTextHandler creates a new text log handler with the specified output and
// level. Text format is human-readable and useful for development.
func NewTextHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	})
}

// ParseLevel maps a configuration string to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// redactSensitiveData redacts sensitive fields in log arguments. Credentials
// and lead contact details are replaced with "[REDACTED]" to prevent leakage
// into aggregated logs.
//
// Parameters:
//   - args: Key-value pairs from logging call (must be even number)
//
// Returns:
//   - []any: Args with sensitive values redacted
func redactSensitiveData(args []any) []any {
	if len(args)%2 != 0 {
		// Invalid args, return as-is
		return args
	}

	sensitiveFields := map[string]bool{
		"api_key":    true,
		"secret":     true,
		"password":   true,
		"token":      true,
		"credential": true,
		"apikey":     true,
		"secretkey":  true,
		"email":      true,
		"phone":      true,
	}

	redacted := make([]any, len(args))
	copy(redacted, args)

	for i := 0; i < len(args); i += 2 {
		// Check if key is a string and if it's sensitive
		if key, ok := args[i].(string); ok {
			normalizedKey := strings.ToLower(strings.ReplaceAll(key, "_", ""))
			if sensitiveFields[normalizedKey] {
				redacted[i+1] = "[REDACTED]"
			}
		}
	}

	return redacted
}
