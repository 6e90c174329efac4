package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/harun/aosgate/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and report every problem",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return err
		}
		cmd.Println("Configuration is valid")
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if cfg.Gateway.SharedSecret != "" {
			cfg.Gateway.SharedSecret = "[REDACTED]"
		}
		if cfg.Notify.Telegram.BotToken != "" {
			cfg.Notify.Telegram.BotToken = "[REDACTED]"
		}
		cmd.Println(cfg.String())
		return nil
	},
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		loader := config.NewLoader(cfgFile)
		path := loader.GetConfigPath()
		if _, err := os.Stat(path); err == nil && !configInitForce {
			cmd.Printf("Config already exists at %s (use --force to overwrite)\n", path)
			return nil
		}

		cfg, err := loader.Load()
		if err != nil {
			return err
		}
		if err := loader.Save(cfg); err != nil {
			return err
		}
		cmd.Printf("Configuration saved to: %s\n", path)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configValidateCmd, configShowCmd, configInitCmd)
	rootCmd.AddCommand(configCmd)
}
