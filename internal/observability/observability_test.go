package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogSinkWritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(&buf)

	err := sink.Record(context.Background(), AuditRecord{
		UserID:        "alice",
		ToolName:      "create_sales_order",
		CorrelationID: "corr-1",
		Input:         json.RawMessage(`{"company":"usmf"}`),
		Success:       false,
		DurationMs:    42,
		Error:         "forbidden: missing role",
		ErrorKind:     "forbidden",
	})
	require.NoError(t, err)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "tool_invocation", line["type"])
	assert.Equal(t, "alice", line["user_id"])
	assert.Equal(t, "create_sales_order", line["tool_name"])
	assert.Equal(t, false, line["success"])
	assert.Equal(t, float64(42), line["duration_ms"])
	assert.Equal(t, "forbidden", line["error_kind"])
	assert.Equal(t, map[string]interface{}{"company": "usmf"}, line["input"])
}

type recordingSink struct {
	records []AuditRecord
	err     error
}

func (s *recordingSink) Record(_ context.Context, rec AuditRecord) error {
	s.records = append(s.records, rec)
	return s.err
}

func TestMultiSinkContinuesPastFailure(t *testing.T) {
	failing := &recordingSink{err: errors.New("disk full")}
	healthy := &recordingSink{}

	err := MultiSink{failing, nil, healthy}.Record(context.Background(), AuditRecord{ToolName: "get_item"})
	assert.EqualError(t, err, "disk full")
	assert.Len(t, failing.records, 1)
	assert.Len(t, healthy.records, 1)
}

func TestAuditQueryNormalize(t *testing.T) {
	q := AuditQuery{Offset: -3}.Normalize()
	assert.Equal(t, 0, q.Offset)
	assert.Equal(t, DefaultAuditLimit, q.Limit)

	q = AuditQuery{Limit: 10000}.Normalize()
	assert.Equal(t, MaxAuditLimit, q.Limit)
}

func TestMetricsExposed(t *testing.T) {
	RecordToolInvocation("get_customer", 15*time.Millisecond, true, "")
	RecordToolInvocation("post_payment", time.Millisecond, false, "rate_limited")
	RecordRateLimited("post_payment")
	RecordWebhookOutcome("delivered")
	SetBreakerState("aos", 1, "open")

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, name := range []string{
		"aosgate_tool_invocations_total",
		"aosgate_tool_faults_total",
		"aosgate_rate_limited_total",
		"aosgate_webhook_deliveries_total",
		"aosgate_breaker_state",
	} {
		assert.True(t, strings.Contains(body, name), "missing %s", name)
	}
}
