package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// CorrelationIDKey is the context key for the caller's correlation ID
	CorrelationIDKey ContextKey = "correlation_id"
	// UserIDKey is the context key for the calling user
	UserIDKey ContextKey = "user_id"
	// ToolNameKey is the context key for the tool being invoked
	ToolNameKey ContextKey = "tool_name"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID       string
	CorrelationID string
	UserID        string
	ToolName      string
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

func WithToolName(ctx context.Context, toolName string) context.Context {
	return context.WithValue(ctx, ToolNameKey, toolName)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

// GetCorrelationID retrieves the correlation ID from the context
func GetCorrelationID(ctx context.Context) string {
	return stringValue(ctx, CorrelationIDKey)
}

func GetUserID(ctx context.Context) string {
	return stringValue(ctx, UserIDKey)
}

func GetToolName(ctx context.Context) string {
	return stringValue(ctx, ToolNameKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:       GetTraceID(ctx),
		CorrelationID: GetCorrelationID(ctx),
		UserID:        GetUserID(ctx),
		ToolName:      GetToolName(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.CorrelationID != "" {
		ctx = WithCorrelationID(ctx, tc.CorrelationID)
	}
	if tc.UserID != "" {
		ctx = WithUserID(ctx, tc.UserID)
	}
	if tc.ToolName != "" {
		ctx = WithToolName(ctx, tc.ToolName)
	}
	return ctx
}

// NewInvocationContext tags ctx for one tool invocation. A missing
// correlation ID is generated.
func NewInvocationContext(ctx context.Context, userID, correlationID, toolName string) context.Context {
	if correlationID == "" {
		correlationID = GetCorrelationID(ctx)
	}
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}
	return NewContext(ctx, &TraceContext{
		CorrelationID: correlationID,
		UserID:        userID,
		ToolName:      toolName,
	})
}
