package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/aosgate/pkg/idempotency"
)

// Maintenance job names
const (
	JobIdempotencySweep = "idempotency_sweep"
	JobApprovalExpiry   = "approval_expiry"
	JobAuditPrune       = "audit_prune"
	JobBackendHealth    = "backend_health"
)

const backendHealthSpec = "@every 30s"

// registerJobs schedules the maintenance sweeps. An empty spec disables a job.
func (d *Daemon) registerJobs() error {
	m := d.config.Maintenance

	if mem, ok := d.idem.(*idempotency.MemoryStore); ok && m.IdempotencySweep != "" {
		if err := d.scheduler.Add(JobIdempotencySweep, m.IdempotencySweep, func(context.Context) (int, error) {
			return mem.Sweep(), nil
		}); err != nil {
			return err
		}
	}

	if m.ApprovalExpiry != "" {
		if err := d.scheduler.Add(JobApprovalExpiry, m.ApprovalExpiry, func(context.Context) (int, error) {
			return d.approvals.ExpireStale(), nil
		}); err != nil {
			return err
		}
	}

	if days := d.config.Database.AuditRetention; days > 0 && m.AuditPrune != "" {
		retention := time.Duration(days) * 24 * time.Hour
		if err := d.scheduler.Add(JobAuditPrune, m.AuditPrune, func(ctx context.Context) (int, error) {
			removed, err := d.store.PruneAudit(ctx, time.Now().Add(-retention))
			return int(removed), err
		}); err != nil {
			return err
		}
	}

	return d.scheduler.Add(JobBackendHealth, backendHealthSpec, func(ctx context.Context) (int, error) {
		report := d.probeBackend(ctx)
		if !report.Healthy {
			return 0, fmt.Errorf("backend unhealthy: %s", report.Error)
		}
		return 1, nil
	})
}
