package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/aosgate/internal/daemon"
	"github.com/harun/aosgate/internal/logger"
)

var startConsole bool

var startCmd = &cobra.Command{
	Use:     "start",
	Aliases: []string{"serve"},
	Short:   "Start the aosgate daemon",
	Long: `Start the aosgate daemon in the foreground.
The daemon serves the JSON-RPC gateway, metrics and health endpoints and
runs webhook delivery and maintenance jobs until SIGINT or SIGTERM.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVar(&startConsole, "console", false, "also log to stderr")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if pid, err := daemon.ReadPID(pidFile); err == nil && daemon.ProcessAlive(pid) {
		return fmt.Errorf("daemon is already running (pid %d, PID file: %s)", pid, pidFile)
	}

	logCfg := logger.FromConfig(
		cfg.Logging.Level,
		cfg.Logging.File,
		cfg.Logging.Console || startConsole,
		cfg.Logging.Redaction,
		cfg.Logging.MaxSize,
		cfg.Logging.MaxAge,
		cfg.Logging.Compress,
	)
	log, err := logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	cmd.Printf("aosgate %s started (gateway %s)\n", version, d.GatewayAddr())
	d.Wait()
	return nil
}
