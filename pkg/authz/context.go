package authz

import (
	"context"
	"strings"
)

// ToolContext identifies the caller of a single tool invocation.
// It is built by the identity provider and must not be mutated afterwards.
type ToolContext struct {
	UserID        string
	CorrelationID string
	Roles         []string
	Properties    map[string]interface{}
}

// HasRole reports whether the context holds role, ignoring case.
func (tc *ToolContext) HasRole(role string) bool {
	if tc == nil {
		return false
	}
	for _, held := range tc.Roles {
		if strings.EqualFold(strings.TrimSpace(held), strings.TrimSpace(role)) {
			return true
		}
	}
	return false
}

type toolContextKey struct{}

// WithToolContext attaches tc to ctx.
func WithToolContext(ctx context.Context, tc *ToolContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if tc == nil {
		return ctx
	}
	return context.WithValue(ctx, toolContextKey{}, tc)
}

// FromContext extracts the tool context from ctx.
func FromContext(ctx context.Context) *ToolContext {
	if ctx == nil {
		return nil
	}
	if tc, ok := ctx.Value(toolContextKey{}).(*ToolContext); ok {
		return tc
	}
	return nil
}
