package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/harun/aosgate/pkg/backend"
)

const healthProbeTimeout = 5 * time.Second

// healthCache keeps the last ERP health report for the backend_up gauge.
type healthCache struct {
	mu     sync.RWMutex
	report *backend.HealthReport
}

func (h *healthCache) set(report backend.HealthReport) {
	h.mu.Lock()
	h.report = &report
	h.mu.Unlock()
}

// healthy is optimistic until the first probe has run.
func (h *healthCache) healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.report == nil || h.report.Healthy
}

func (d *Daemon) probeBackend(ctx context.Context) backend.HealthReport {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	report := d.erp.Health(ctx)
	d.health.set(report)
	return report
}

type healthResponse struct {
	Status  string               `json:"status"`
	Version string               `json:"version"`
	Uptime  string               `json:"uptime"`
	Backend backend.HealthReport `json:"backend"`
	Pending int                  `json:"pendingApprovals"`
}

// healthHandler answers 200 when the ERP responds and 503 otherwise.
func (d *Daemon) healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := d.probeBackend(r.Context())
		status := d.Status()

		resp := healthResponse{
			Status:  "ok",
			Version: version,
			Uptime:  status.Uptime.Round(time.Second).String(),
			Backend: report,
			Pending: status.Pending,
		}
		code := http.StatusOK
		if !report.Healthy {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	})
}
