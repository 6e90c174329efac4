package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/harun/aosgate/pkg/cron"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

func oneOf(value string, valid []string) bool {
	for _, v := range valid {
		if value == v {
			return true
		}
	}
	return false
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"trace", "debug", "info", "warn", "error"}
	if level == "" || oneOf(strings.ToLower(level), validLevels) {
		return nil
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateAlgorithm validates the rate limiting algorithm
func (v *Validator) ValidateAlgorithm(algorithm string) error {
	validAlgorithms := []string{"sliding_window", "token_bucket"}
	if algorithm == "" || oneOf(algorithm, validAlgorithms) {
		return nil
	}
	return fmt.Errorf("invalid rate limit algorithm: %s (must be one of: %s)", algorithm, strings.Join(validAlgorithms, ", "))
}

// ValidateStoreBackend validates a memory/redis backend selector
func (v *Validator) ValidateStoreBackend(section, backend, redisURL string) error {
	switch backend {
	case "", "memory":
		return nil
	case "redis":
		if redisURL == "" {
			return fmt.Errorf("%s.backend is redis but redis.url is empty", section)
		}
		return nil
	default:
		return fmt.Errorf("invalid %s.backend: %s (must be one of: memory, redis)", section, backend)
	}
}

// ValidateRedisURL validates a redis:// or rediss:// URL
func (v *Validator) ValidateRedisURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") || u.Host == "" {
		return fmt.Errorf("invalid redis url: %q", raw)
	}
	return nil
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}

// ValidateSchedule validates a cron spec; empty disables the job
func (v *Validator) ValidateSchedule(name, spec string) error {
	if spec == "" {
		return nil
	}
	if err := cron.ValidateSpec(spec); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// ValidatePositive validates a strictly positive setting
func (v *Validator) ValidatePositive(name string, value int) error {
	if value <= 0 {
		return fmt.Errorf("%s must be positive, got %d", name, value)
	}
	return nil
}

// ValidateToolRoles validates inline tool -> roles overrides
func (v *Validator) ValidateToolRoles(tools map[string][]string) error {
	for tool, roles := range tools {
		if strings.TrimSpace(tool) == "" {
			return fmt.Errorf("authorization.tools has an empty tool name")
		}
		if len(roles) == 0 {
			return fmt.Errorf("authorization.tools.%s has no roles", tool)
		}
		for _, role := range roles {
			if strings.TrimSpace(role) == "" {
				return fmt.Errorf("authorization.tools.%s has an empty role", tool)
			}
		}
	}
	return nil
}

// ValidateConfig performs comprehensive validation and returns every problem found
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(v.ValidateLogLevel(cfg.Logging.Level))

	if cfg.RateLimit.Enabled {
		add(v.ValidatePositive("rate_limit.requests_per_minute", cfg.RateLimit.RequestsPerMinute))
	}
	add(v.ValidateAlgorithm(cfg.RateLimit.Algorithm))
	add(v.ValidateStoreBackend("rate_limit", cfg.RateLimit.Backend, cfg.Redis.URL))
	add(v.ValidateStoreBackend("idempotency", cfg.Idempotency.Backend, cfg.Redis.URL))
	add(v.ValidateRedisURL(cfg.Redis.URL))
	add(v.ValidatePositive("idempotency.ttl_seconds", cfg.Idempotency.TTLSeconds))

	add(v.ValidatePositive("breaker.failure_threshold", cfg.Breaker.FailureThreshold))
	add(v.ValidatePositive("breaker.open_seconds", cfg.Breaker.OpenSeconds))
	if cfg.Breaker.CallTimeoutSeconds < 0 {
		add(fmt.Errorf("breaker.call_timeout_seconds must be >= 0"))
	}

	if cfg.Approval.Threshold < 0 {
		add(fmt.Errorf("approval.threshold must be >= 0"))
	}
	add(v.ValidatePositive("approval.timeout_minutes", cfg.Approval.TimeoutMinutes))

	if cfg.Webhook.Enabled {
		add(v.ValidatePositive("webhook.workers", cfg.Webhook.Workers))
		add(v.ValidatePositive("webhook.timeout", cfg.Webhook.Timeout))
	}
	if cfg.Gateway.Enabled {
		add(v.ValidatePort("gateway.port", cfg.Gateway.Port))
		if cfg.Gateway.MaxConcurrent < 0 {
			add(fmt.Errorf("gateway.max_concurrent must be >= 0"))
		}
	}
	if cfg.Metrics.Enabled {
		add(v.ValidatePort("metrics.port", cfg.Metrics.Port))
	}
	if cfg.Gateway.Enabled && cfg.Metrics.Enabled && cfg.Gateway.Addr() == cfg.Metrics.Addr() {
		add(fmt.Errorf("gateway and metrics cannot share %s", cfg.Gateway.Addr()))
	}
	add(v.ValidateSchedule("maintenance.idempotency_sweep", cfg.Maintenance.IdempotencySweep))
	add(v.ValidateSchedule("maintenance.approval_expiry", cfg.Maintenance.ApprovalExpiry))
	add(v.ValidateSchedule("maintenance.audit_prune", cfg.Maintenance.AuditPrune))
	if cfg.Tracing.Enabled && (cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1) {
		add(fmt.Errorf("tracing.sample_ratio must be between 0 and 1"))
	}
	if cfg.Database.AuditRetention < 0 {
		add(fmt.Errorf("database.audit_retention_days must be >= 0"))
	}

	add(v.ValidateToolRoles(cfg.Authorization.Tools))

	if tg := cfg.Notify.Telegram; tg.Enabled {
		if tg.BotToken == "" {
			add(fmt.Errorf("notify.telegram.bot_token is required when telegram is enabled"))
		}
		if len(tg.ChatIDs) == 0 {
			add(fmt.Errorf("notify.telegram.chat_ids must list at least one chat"))
		}
	}

	if cfg.Backend.Kind != "memory" {
		add(fmt.Errorf("unsupported backend.kind %q (available: memory)", cfg.Backend.Kind))
	}

	return errs
}
