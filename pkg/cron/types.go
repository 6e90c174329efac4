// Package cron runs the gateway's periodic housekeeping jobs, such as
// expiring stale approvals and sweeping idempotency records, on standard
// five-field cron schedules.
package cron

import (
	"context"
	"time"
)

// JobFunc performs one run and reports how many items it touched.
type JobFunc func(ctx context.Context) (int, error)

// Common schedules.
const (
	EveryMinute = "@every 1m"
	Hourly      = "@hourly"
	Daily       = "@daily"
)

// JobStatus is a snapshot of one registered job.
type JobStatus struct {
	Name              string    `json:"name"`
	Spec              string    `json:"spec"`
	Runs              int       `json:"runs"`
	LastRunAt         time.Time `json:"lastRunAt,omitempty"`
	LastDurationMs    int64     `json:"lastDurationMs"`
	LastAffected      int       `json:"lastAffected"`
	LastStatus        string    `json:"lastStatus,omitempty"` // "ok" or "error"
	LastError         string    `json:"lastError,omitempty"`
	ConsecutiveErrors int       `json:"consecutiveErrors,omitempty"`
	NextRunAt         time.Time `json:"nextRunAt,omitempty"`
}
