package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvocationContext(t *testing.T) {
	ctx := NewInvocationContext(context.Background(), "alice", "corr-1", "get_customer")
	assert.Equal(t, "corr-1", GetCorrelationID(ctx))
	assert.Equal(t, "alice", GetUserID(ctx))
	assert.Equal(t, "get_customer", GetToolName(ctx))

	generated := NewInvocationContext(context.Background(), "bob", "", "get_item")
	assert.NotEmpty(t, GetCorrelationID(generated))

	inherited := NewInvocationContext(WithCorrelationID(context.Background(), "outer"), "bob", "", "get_item")
	assert.Equal(t, "outer", GetCorrelationID(inherited))
}

func TestMergeAndDetach(t *testing.T) {
	source := NewContext(context.Background(), &TraceContext{TraceID: "t-1", CorrelationID: "c-1", UserID: "u-1"})
	target := WithCorrelationID(context.Background(), "c-2")

	merged := MergeContext(target, source)
	assert.Equal(t, "t-1", GetTraceID(merged))
	assert.Equal(t, "c-2", GetCorrelationID(merged))
	assert.Equal(t, "u-1", GetUserID(merged))

	cancelled, cancel := context.WithCancel(source)
	cancel()
	detached := Detach(cancelled)
	assert.NoError(t, detached.Err())
	assert.Equal(t, "c-1", GetCorrelationID(detached))
}

func TestPropagateToLogger(t *testing.T) {
	var buf bytes.Buffer
	ctx := NewInvocationContext(WithTraceID(context.Background(), "trace-9"), "alice", "corr-9", "post_payment")

	logger := LoggerFromContext(ctx, zerolog.New(&buf))
	logger.Info().Msg("hello")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "trace-9", line["trace_id"])
	assert.Equal(t, "corr-9", line["correlation_id"])
	assert.Equal(t, "alice", line["user_id"])
	assert.Equal(t, "post_payment", line["tool"])
}

func TestStartSpanSetsTraceID(t *testing.T) {
	require.NoError(t, InitOpenTelemetry("aosgate-test", 1))
	ctx, span := StartSpan(context.Background(), "aosgate/test", "op")
	defer span.End()

	assert.True(t, span.SpanContext().IsValid())
	assert.Equal(t, span.SpanContext().TraceID().String(), GetTraceID(ctx))
}
