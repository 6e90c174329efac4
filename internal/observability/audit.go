package observability

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditRecord describes one tool invocation.
type AuditRecord struct {
	ID            int64           `json:"id,omitempty"`
	UserID        string          `json:"user_id"`
	ToolName      string          `json:"tool_name"`
	CorrelationID string          `json:"correlation_id"`
	Input         json.RawMessage `json:"input,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	Success       bool            `json:"success"`
	DurationMs    int64           `json:"duration_ms"`
	Error         string          `json:"error,omitempty"`
	ErrorKind     string          `json:"error_kind,omitempty"`
	TraceID       string          `json:"trace_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Sink receives audit records. Implementations must not block callers for long.
type Sink interface {
	Record(ctx context.Context, rec AuditRecord) error
}

// AuditQuery filters stored audit records. Offset/Limit is the only
// pagination contract; Limit defaults to 50 and is capped at 500.
type AuditQuery struct {
	UserID        string
	ToolName      string
	CorrelationID string
	Success       *bool
	From          time.Time
	To            time.Time
	Offset        int
	Limit         int
}

const (
	DefaultAuditLimit = 50
	MaxAuditLimit     = 500
)

// Normalize applies pagination defaults and bounds.
func (q AuditQuery) Normalize() AuditQuery {
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.Limit <= 0 {
		q.Limit = DefaultAuditLimit
	}
	if q.Limit > MaxAuditLimit {
		q.Limit = MaxAuditLimit
	}
	return q
}

// LogSink writes audit records as JSON lines.
type LogSink struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

// NewLogSink writes to w.
func NewLogSink(w io.Writer) *LogSink {
	return &LogSink{logger: zerolog.New(w).With().Timestamp().Logger()}
}

// OpenLogSink appends to the file at path.
func OpenLogSink(path string) (*LogSink, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &LogSink{
		logger: zerolog.New(file).With().Timestamp().Logger(),
		file:   file,
	}, nil
}

// Record emits rec to the log and, when ctx carries a span, as a span event.
func (s *LogSink) Record(ctx context.Context, rec AuditRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		if rec.TraceID == "" {
			rec.TraceID = span.SpanContext().TraceID().String()
		}
		span.AddEvent("audit", trace.WithAttributes(
			attribute.String("audit.tool", rec.ToolName),
			attribute.String("audit.user", rec.UserID),
			attribute.Bool("audit.success", rec.Success),
		))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.logger.Log().
		Str("type", "tool_invocation").
		Str("user_id", rec.UserID).
		Str("tool_name", rec.ToolName).
		Str("correlation_id", rec.CorrelationID).
		Bool("success", rec.Success).
		Int64("duration_ms", rec.DurationMs).
		Str("trace_id", rec.TraceID)

	if len(rec.Input) > 0 {
		entry.RawJSON("input", rec.Input)
	}
	if len(rec.Output) > 0 {
		entry.RawJSON("output", rec.Output)
	}
	if rec.Error != "" {
		entry.Str("error", rec.Error).Str("error_kind", rec.ErrorKind)
	}

	entry.Msg("")
	return nil
}

// Close closes the underlying file, if any.
func (s *LogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// MultiSink fans a record out to every sink. A failing sink does not stop
// the others; the first error is returned.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, rec AuditRecord) error {
	var first error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NopSink discards records.
type NopSink struct{}

func (NopSink) Record(context.Context, AuditRecord) error { return nil }
