// Package store persists webhook subscriptions, deliveries and the audit
// trail in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Store is a SQLite-backed webhook.Repository and audit sink.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (creating if needed) the database at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", path).Msg("Store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS webhook_subscriptions (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			url TEXT NOT NULL,
			secret TEXT NOT NULL DEFAULT '',
			filter TEXT NOT NULL DEFAULT '{}',
			max_retries INTEGER NOT NULL,
			base_backoff_ns INTEGER NOT NULL,
			exponential INTEGER NOT NULL,
			max_backoff_ns INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			last_triggered_at INTEGER,
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_subscriptions_event ON webhook_subscriptions(event_type, active);

		CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id TEXT PRIMARY KEY,
			subscription_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload BLOB NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_status_code INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			first_attempt_at INTEGER NOT NULL,
			completed_at INTEGER,
			next_attempt_at INTEGER,
			FOREIGN KEY (subscription_id) REFERENCES webhook_subscriptions(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_deliveries_subscription ON webhook_deliveries(subscription_id);
		CREATE INDEX IF NOT EXISTS idx_deliveries_status ON webhook_deliveries(status);
		CREATE INDEX IF NOT EXISTS idx_deliveries_first_attempt ON webhook_deliveries(first_attempt_at);

		CREATE TABLE IF NOT EXISTS audit_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			input TEXT,
			output TEXT,
			success INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			error_kind TEXT NOT NULL DEFAULT '',
			trace_id TEXT NOT NULL DEFAULT '',
			timestamp INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_records(user_id);
		CREATE INDEX IF NOT EXISTS idx_audit_tool ON audit_records(tool_name);
		CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_records(correlation_id);
		CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_records(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
