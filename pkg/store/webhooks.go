package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/aosgate/pkg/faults"
	"github.com/harun/aosgate/pkg/webhook"
)

const subscriptionColumns = `id, event_type, url, secret, filter, max_retries, base_backoff_ns, exponential,
	max_backoff_ns, active, created_at, last_triggered_at, success_count, failure_count`

const deliveryColumns = `id, subscription_id, event_type, payload, status, attempts, last_status_code,
	last_error, first_attempt_at, completed_at, next_attempt_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) ListActive(ctx context.Context, eventType string) ([]webhook.Subscription, error) {
	return s.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		 WHERE active = 1 AND (event_type = ? OR event_type = ?)
		 ORDER BY created_at, id`, eventType, webhook.AnyEvent)
}

func (s *Store) ListSubscriptions(ctx context.Context) ([]webhook.Subscription, error) {
	return s.querySubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions ORDER BY created_at, id`)
}

func (s *Store) GetSubscription(ctx context.Context, id string) (webhook.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return webhook.Subscription{}, faults.NotFound("subscription %s not found", id)
	}
	return sub, err
}

// SaveSubscription inserts or replaces a subscription. Delivery counters are
// taken from sub.
func (s *Store) SaveSubscription(ctx context.Context, sub webhook.Subscription) error {
	filter, err := json.Marshal(sub.Filter)
	if err != nil {
		return fmt.Errorf("failed to encode filter: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			event_type = excluded.event_type,
			url = excluded.url,
			secret = excluded.secret,
			filter = excluded.filter,
			max_retries = excluded.max_retries,
			base_backoff_ns = excluded.base_backoff_ns,
			exponential = excluded.exponential,
			max_backoff_ns = excluded.max_backoff_ns,
			active = excluded.active,
			last_triggered_at = excluded.last_triggered_at,
			success_count = excluded.success_count,
			failure_count = excluded.failure_count`,
		sub.ID, sub.EventType, sub.URL, sub.Secret, string(filter),
		sub.Retry.MaxRetries, int64(sub.Retry.BaseBackoff), boolInt(sub.Retry.Exponential),
		int64(sub.Retry.MaxBackoff), boolInt(sub.Active), sub.CreatedAt.UnixNano(), nullTime(sub.LastTriggeredAt),
		sub.SuccessCount, sub.FailureCount,
	)
	if err != nil {
		return fmt.Errorf("failed to save subscription %s: %w", sub.ID, err)
	}
	return nil
}

func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.NotFound("subscription %s not found", id)
	}
	return nil
}

func (s *Store) RecordOutcome(ctx context.Context, subscriptionID string, success bool, at time.Time) error {
	var res sql.Result
	var err error
	if success {
		res, err = s.db.ExecContext(ctx,
			`UPDATE webhook_subscriptions SET success_count = success_count + 1, last_triggered_at = ? WHERE id = ?`,
			at.UnixNano(), subscriptionID)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE webhook_subscriptions SET failure_count = failure_count + 1 WHERE id = ?`, subscriptionID)
	}
	if err != nil {
		return fmt.Errorf("failed to record outcome for %s: %w", subscriptionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.NotFound("subscription %s not found", subscriptionID)
	}
	return nil
}

func (s *Store) SaveDelivery(ctx context.Context, d webhook.Delivery) error {
	payload := []byte(d.Payload)
	if len(payload) == 0 {
		payload = []byte("null")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (`+deliveryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			last_status_code = excluded.last_status_code,
			last_error = excluded.last_error,
			completed_at = excluded.completed_at,
			next_attempt_at = excluded.next_attempt_at`,
		d.ID, d.SubscriptionID, d.EventType, payload, string(d.Status), d.Attempts,
		d.LastStatusCode, d.LastError, d.FirstAttemptAt.UnixNano(),
		nullTime(d.CompletedAt), nullTime(d.NextAttemptAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return faults.NotFound("subscription %s not found", d.SubscriptionID)
		}
		return fmt.Errorf("failed to save delivery %s: %w", d.ID, err)
	}
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, id string) (webhook.Delivery, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = ?`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return webhook.Delivery{}, faults.NotFound("delivery %s not found", id)
	}
	return d, err
}

func (s *Store) ListDeliveries(ctx context.Context, q webhook.DeliveryQuery) ([]webhook.Delivery, error) {
	var where []string
	var args []interface{}
	if q.SubscriptionID != "" {
		where = append(where, "subscription_id = ?")
		args = append(args, q.SubscriptionID)
	}
	if q.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, q.EventType)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	if !q.Since.IsZero() {
		where = append(where, "first_attempt_at >= ?")
		args = append(args, q.Since.UnixNano())
	}

	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY first_attempt_at DESC, id"
	query, args = withPage(query, args, q.Offset, q.Limit)

	return s.queryDeliveries(ctx, query, args...)
}

func (s *Store) PendingDeliveries(ctx context.Context) ([]webhook.Delivery, error) {
	return s.queryDeliveries(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
		 WHERE status NOT IN (?, ?) ORDER BY first_attempt_at`,
		string(webhook.StatusDelivered), string(webhook.StatusFailed))
}

func (s *Store) querySubscriptions(ctx context.Context, query string, args ...interface{}) ([]webhook.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []webhook.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) queryDeliveries(ctx context.Context, query string, args ...interface{}) ([]webhook.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	var out []webhook.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanSubscription(row scanner) (webhook.Subscription, error) {
	var (
		sub                 webhook.Subscription
		filter              string
		backoff, maxBackoff int64
		createdAt           int64
		exponential, active int
		lastTriggered       sql.NullInt64
	)
	err := row.Scan(&sub.ID, &sub.EventType, &sub.URL, &sub.Secret, &filter,
		&sub.Retry.MaxRetries, &backoff, &exponential, &maxBackoff, &active, &createdAt,
		&lastTriggered, &sub.SuccessCount, &sub.FailureCount)
	if err != nil {
		return webhook.Subscription{}, err
	}
	if filter != "" && filter != "null" {
		if err := json.Unmarshal([]byte(filter), &sub.Filter); err != nil {
			return webhook.Subscription{}, fmt.Errorf("corrupt filter on subscription %s: %w", sub.ID, err)
		}
	}
	sub.Retry.BaseBackoff = time.Duration(backoff)
	sub.Retry.Exponential = exponential == 1
	sub.Retry.MaxBackoff = time.Duration(maxBackoff)
	sub.Active = active == 1
	sub.CreatedAt = time.Unix(0, createdAt).UTC()
	sub.LastTriggeredAt = fromNullTime(lastTriggered)
	return sub, nil
}

func scanDelivery(row scanner) (webhook.Delivery, error) {
	var (
		d                      webhook.Delivery
		payload                []byte
		status                 string
		firstAttempt           int64
		completed, nextAttempt sql.NullInt64
	)
	err := row.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &payload, &status, &d.Attempts,
		&d.LastStatusCode, &d.LastError, &firstAttempt, &completed, &nextAttempt)
	if err != nil {
		return webhook.Delivery{}, err
	}
	d.Payload = payload
	d.Status = webhook.DeliveryStatus(status)
	d.FirstAttemptAt = time.Unix(0, firstAttempt).UTC()
	d.CompletedAt = fromNullTime(completed)
	d.NextAttemptAt = fromNullTime(nextAttempt)
	return d, nil
}

func withPage(query string, args []interface{}, offset, limit int) (string, []interface{}) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = -1
	}
	return query + " LIMIT ? OFFSET ?", append(args, limit, offset)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
