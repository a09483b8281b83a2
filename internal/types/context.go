package types

import "context"

type contextKey string

const (
	traceIDKey contextKey = "trace_id"
	loggerKey  contextKey = "logger"
)

// WithTraceID stores a correlation id in the context. Event and delivery
// workers use the SQS message id; the API uses the request id.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// GetTraceID retrieves the correlation id from the context.
func GetTraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// WithLogger stores a Logger in the context.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the Logger from the context, falling back to
// fallback when none was set.
func LoggerFromContext(ctx context.Context, fallback Logger) Logger {
	if l, ok := ctx.Value(loggerKey).(Logger); ok {
		return l
	}
	return fallback
}
