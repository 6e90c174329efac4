package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/harun/aosgate/internal/observability"
)

// Record appends one audit record.
func (s *Store) Record(ctx context.Context, rec observability.AuditRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records (user_id, tool_name, correlation_id, input, output, success,
			duration_ms, error, error_kind, trace_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, rec.ToolName, rec.CorrelationID, nullJSON(rec.Input), nullJSON(rec.Output),
		boolInt(rec.Success), rec.DurationMs, rec.Error, rec.ErrorKind, rec.TraceID, rec.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	return nil
}

// QueryAudit returns matching records, newest first.
func (s *Store) QueryAudit(ctx context.Context, q observability.AuditQuery) ([]observability.AuditRecord, error) {
	q = q.Normalize()

	var where []string
	var args []interface{}
	if q.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, q.UserID)
	}
	if q.ToolName != "" {
		where = append(where, "tool_name = ?")
		args = append(args, strings.ToLower(q.ToolName))
	}
	if q.CorrelationID != "" {
		where = append(where, "correlation_id = ?")
		args = append(args, q.CorrelationID)
	}
	if q.Success != nil {
		where = append(where, "success = ?")
		args = append(args, boolInt(*q.Success))
	}
	if !q.From.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, q.From.UnixNano())
	}
	if !q.To.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, q.To.UnixNano())
	}

	query := `SELECT id, user_id, tool_name, correlation_id, input, output, success, duration_ms,
		error, error_kind, trace_id, timestamp FROM audit_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"
	query, args = withPage(query, args, q.Offset, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var out []observability.AuditRecord
	for rows.Next() {
		var (
			rec           observability.AuditRecord
			input, output sql.NullString
			success       int
			ts            int64
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.ToolName, &rec.CorrelationID, &input, &output,
			&success, &rec.DurationMs, &rec.Error, &rec.ErrorKind, &rec.TraceID, &ts); err != nil {
			return nil, err
		}
		if input.Valid {
			rec.Input = []byte(input.String)
		}
		if output.Valid {
			rec.Output = []byte(output.String)
		}
		rec.Success = success == 1
		rec.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneAudit deletes records older than cutoff and returns how many were removed.
func (s *Store) PruneAudit(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_records WHERE timestamp < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit records: %w", err)
	}
	return res.RowsAffected()
}

func nullJSON(raw []byte) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
