package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. AOSGATE_APPROVAL_THRESHOLD.
const EnvPrefix = "AOSGATE"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file and environment. A missing file
// yields the defaults with environment overrides applied.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to resolve config path")
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		v.SetConfigType(configType(configPath))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".aosgate")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "aosgate.log")
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(cfg.DataDir, "aosgate.db")
	}

	return cfg, nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType(configType(configPath))

	v.Set("logging", cfg.Logging)
	v.Set("data_dir", cfg.DataDir)
	v.Set("database", cfg.Database)
	v.Set("gateway", cfg.Gateway)
	v.Set("metrics", cfg.Metrics)
	v.Set("maintenance", cfg.Maintenance)
	v.Set("rate_limit", cfg.RateLimit)
	v.Set("idempotency", cfg.Idempotency)
	v.Set("breaker", cfg.Breaker)
	v.Set("approval", cfg.Approval)
	v.Set("webhook", cfg.Webhook)
	v.Set("authorization", cfg.Authorization)
	v.Set("redis", cfg.Redis)
	v.Set("tracing", cfg.Tracing)
	v.Set("backend", cfg.Backend)
	v.Set("notify", cfg.Notify)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".aosgate", "aosgate.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// setDefaults registers every scalar key so AutomaticEnv can override it
// even when the file does not mention it.
func setDefaults(v *viper.Viper, cfg *Config) {
	defaults := map[string]interface{}{
		"logging.level":                  cfg.Logging.Level,
		"logging.file":                   cfg.Logging.File,
		"logging.max_size":               cfg.Logging.MaxSize,
		"logging.max_age":                cfg.Logging.MaxAge,
		"logging.compress":               cfg.Logging.Compress,
		"logging.redaction":              cfg.Logging.Redaction,
		"logging.console":                cfg.Logging.Console,
		"logging.audit_file":             cfg.Logging.AuditFile,
		"data_dir":                       cfg.DataDir,
		"database.path":                  cfg.Database.Path,
		"database.audit_retention_days":  cfg.Database.AuditRetention,
		"gateway.enabled":                cfg.Gateway.Enabled,
		"gateway.host":                   cfg.Gateway.Host,
		"gateway.port":                   cfg.Gateway.Port,
		"gateway.shared_secret":          cfg.Gateway.SharedSecret,
		"gateway.max_concurrent":         cfg.Gateway.MaxConcurrent,
		"maintenance.idempotency_sweep":  cfg.Maintenance.IdempotencySweep,
		"maintenance.approval_expiry":    cfg.Maintenance.ApprovalExpiry,
		"maintenance.audit_prune":        cfg.Maintenance.AuditPrune,
		"metrics.enabled":                cfg.Metrics.Enabled,
		"metrics.host":                   cfg.Metrics.Host,
		"metrics.port":                   cfg.Metrics.Port,
		"rate_limit.enabled":             cfg.RateLimit.Enabled,
		"rate_limit.requests_per_minute": cfg.RateLimit.RequestsPerMinute,
		"rate_limit.algorithm":           cfg.RateLimit.Algorithm,
		"rate_limit.backend":             cfg.RateLimit.Backend,
		"idempotency.backend":            cfg.Idempotency.Backend,
		"idempotency.ttl_seconds":        cfg.Idempotency.TTLSeconds,
		"breaker.failure_threshold":      cfg.Breaker.FailureThreshold,
		"breaker.open_seconds":           cfg.Breaker.OpenSeconds,
		"breaker.call_timeout_seconds":   cfg.Breaker.CallTimeoutSeconds,
		"approval.threshold":             cfg.Approval.Threshold,
		"approval.timeout_minutes":       cfg.Approval.TimeoutMinutes,
		"approval.approver_roles":        cfg.Approval.ApproverRoles,
		"webhook.enabled":                cfg.Webhook.Enabled,
		"webhook.workers":                cfg.Webhook.Workers,
		"webhook.timeout":                cfg.Webhook.Timeout,
		"webhook.user_agent":             cfg.Webhook.UserAgent,
		"authorization.role_map_file":    cfg.Authorization.RoleMapFile,
		"authorization.watch":            cfg.Authorization.Watch,
		"redis.url":                      cfg.Redis.URL,
		"tracing.enabled":                cfg.Tracing.Enabled,
		"tracing.service_name":           cfg.Tracing.ServiceName,
		"tracing.sample_ratio":           cfg.Tracing.SampleRatio,
		"backend.kind":                   cfg.Backend.Kind,
		"backend.currency":               cfg.Backend.Currency,
		"backend.seed":                   cfg.Backend.Seed,
		"notify.telegram.enabled":        cfg.Notify.Telegram.Enabled,
		"notify.telegram.bot_token":      cfg.Notify.Telegram.BotToken,
		"notify.telegram.chat_ids":       cfg.Notify.Telegram.ChatIDs,
		"notify.telegram.api_endpoint":   cfg.Notify.Telegram.APIEndpoint,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}
