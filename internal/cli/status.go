package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/aosgate/internal/daemon"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show whether the aosgate daemon is running and, when metrics are enabled, its ERP health.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	pid, err := daemon.ReadPID(pidFile)
	if err != nil || !daemon.ProcessAlive(pid) {
		cmd.Println("Status: stopped")
		return nil
	}

	cmd.Println("Status: running")
	cmd.Printf("PID: %d\n", pid)
	if info, err := os.Stat(pidFile); err == nil {
		cmd.Printf("Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}
	if cfg.Gateway.Enabled {
		cmd.Printf("Gateway: %s\n", cfg.Gateway.Addr())
	}

	if cfg.Metrics.Enabled {
		health, err := fetchHealth("http://" + cfg.Metrics.Addr() + "/healthz")
		if err != nil {
			cmd.Printf("Health: unavailable (%v)\n", err)
			return nil
		}
		cmd.Printf("Health: %v\n", health["status"])
		if backend, ok := health["backend"].(map[string]interface{}); ok {
			if cb, ok := backend["breaker"].(map[string]interface{}); ok {
				cmd.Printf("Breaker: %v (failures %v)\n", cb["state"], cb["failures"])
			}
		}
		cmd.Printf("Pending approvals: %v\n", health["pendingApprovals"])
	}

	return nil
}

func fetchHealth(url string) (map[string]interface{}, error) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("invalid health response: %w", err)
	}
	return out, nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
