package tracing

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.CorrelationID != "" {
		logger = logger.With().Str("correlation_id", tc.CorrelationID).Logger()
	}
	if tc.UserID != "" {
		logger = logger.With().Str("user_id", tc.UserID).Logger()
	}
	if tc.ToolName != "" {
		logger = logger.With().Str("tool", tc.ToolName).Logger()
	}

	return logger
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// MergeContext copies tracing values missing from target out of source.
func MergeContext(target, source context.Context) context.Context {
	tc := FromContext(source)

	if tc.TraceID != "" && GetTraceID(target) == "" {
		target = WithTraceID(target, tc.TraceID)
	}
	if tc.CorrelationID != "" && GetCorrelationID(target) == "" {
		target = WithCorrelationID(target, tc.CorrelationID)
	}
	if tc.UserID != "" && GetUserID(target) == "" {
		target = WithUserID(target, tc.UserID)
	}
	if tc.ToolName != "" && GetToolName(target) == "" {
		target = WithToolName(target, tc.ToolName)
	}

	return target
}

// Detach returns a context that is never cancelled but keeps ctx's tracing
// values and active span.
func Detach(ctx context.Context) context.Context {
	detached := NewContext(context.Background(), FromContext(ctx))
	return trace.ContextWithSpan(detached, trace.SpanFromContext(ctx))
}
