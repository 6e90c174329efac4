package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Config represents the main aosgate configuration
type Config struct {
	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Database (SQLite) for webhooks and the audit trail
	Database DatabaseConfig `json:"database" mapstructure:"database"`

	// JSON-RPC gateway for MCP clients
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Metrics and health HTTP endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Maintenance job schedules
	Maintenance MaintenanceConfig `json:"maintenance" mapstructure:"maintenance"`

	RateLimit   RateLimitConfig   `json:"rate_limit" mapstructure:"rate_limit"`
	Idempotency IdempotencyConfig `json:"idempotency" mapstructure:"idempotency"`
	Breaker     BreakerConfig     `json:"breaker" mapstructure:"breaker"`
	Approval    ApprovalConfig    `json:"approval" mapstructure:"approval"`

	// Outbound webhook delivery
	Webhook WebhookConfig `json:"webhook" mapstructure:"webhook"`

	Authorization AuthorizationConfig `json:"authorization" mapstructure:"authorization"`

	// Redis, shared by the redis rate limiter and idempotency backends
	Redis RedisConfig `json:"redis" mapstructure:"redis"`

	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Backend selects the ERP connector; "memory" is the in-process demo ERP
	Backend BackendConfig `json:"backend" mapstructure:"backend"`

	// Approver notifications
	Notify NotifyConfig `json:"notify" mapstructure:"notify"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	Console   bool   `json:"console" mapstructure:"console"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// DatabaseConfig holds SQLite settings
type DatabaseConfig struct {
	Path           string `json:"path" mapstructure:"path"`
	AuditRetention int    `json:"audit_retention_days" mapstructure:"audit_retention_days"` // 0 keeps everything
}

// GatewayConfig holds the JSON-RPC gateway configuration
type GatewayConfig struct {
	Enabled       bool   `json:"enabled" mapstructure:"enabled"`
	Host          string `json:"host" mapstructure:"host"`
	Port          int    `json:"port" mapstructure:"port"`
	SharedSecret  string `json:"shared_secret" mapstructure:"shared_secret"`
	MaxConcurrent int    `json:"max_concurrent" mapstructure:"max_concurrent"` // per WebSocket client
}

// Addr returns host:port
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// MaintenanceConfig holds cron specs for background sweeps
type MaintenanceConfig struct {
	IdempotencySweep string `json:"idempotency_sweep" mapstructure:"idempotency_sweep"`
	ApprovalExpiry   string `json:"approval_expiry" mapstructure:"approval_expiry"`
	AuditPrune       string `json:"audit_prune" mapstructure:"audit_prune"`
}

// MetricsConfig holds the metrics/health server configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Host    string `json:"host" mapstructure:"host"`
	Port    int    `json:"port" mapstructure:"port"`
}

// Addr returns host:port
func (m MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// RateLimitConfig configures per-caller rate limiting
type RateLimitConfig struct {
	Enabled           bool   `json:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	Algorithm         string `json:"algorithm" mapstructure:"algorithm"` // sliding_window, token_bucket
	Backend           string `json:"backend" mapstructure:"backend"`     // memory, redis
}

// IdempotencyConfig configures the idempotency store
type IdempotencyConfig struct {
	Backend    string `json:"backend" mapstructure:"backend"` // memory, redis
	TTLSeconds int    `json:"ttl_seconds" mapstructure:"ttl_seconds"`
}

// TTL returns the record lifetime
func (c IdempotencyConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// BreakerConfig configures the ERP circuit breaker
type BreakerConfig struct {
	FailureThreshold   int `json:"failure_threshold" mapstructure:"failure_threshold"`
	OpenSeconds        int `json:"open_seconds" mapstructure:"open_seconds"`
	CallTimeoutSeconds int `json:"call_timeout_seconds" mapstructure:"call_timeout_seconds"`
}

// ApprovalConfig configures the approval gate
type ApprovalConfig struct {
	Threshold      float64  `json:"threshold" mapstructure:"threshold"`
	TimeoutMinutes int      `json:"timeout_minutes" mapstructure:"timeout_minutes"`
	ApproverRoles  []string `json:"approver_roles" mapstructure:"approver_roles"`
}

// WebhookConfig holds outbound webhook delivery configuration
type WebhookConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	Workers   int    `json:"workers" mapstructure:"workers"`
	Timeout   int    `json:"timeout" mapstructure:"timeout"` // seconds
	UserAgent string `json:"user_agent" mapstructure:"user_agent"`
}

// AuthorizationConfig holds the tool -> roles mapping
type AuthorizationConfig struct {
	RoleMapFile string              `json:"role_map_file" mapstructure:"role_map_file"`
	Watch       bool                `json:"watch" mapstructure:"watch"`
	Tools       map[string][]string `json:"tools" mapstructure:"tools"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	URL string `json:"url" mapstructure:"url"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// BackendConfig selects and configures the ERP connector
type BackendConfig struct {
	Kind     string `json:"kind" mapstructure:"kind"` // memory
	Currency string `json:"currency" mapstructure:"currency"`
	Seed     bool   `json:"seed" mapstructure:"seed"`
}

// NotifyConfig holds approver notification channels
type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`
}

// TelegramConfig holds Telegram Bot API settings
type TelegramConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	BotToken    string  `json:"bot_token" mapstructure:"bot_token"`
	ChatIDs     []int64 `json:"chat_ids" mapstructure:"chat_ids"`
	APIEndpoint string  `json:"api_endpoint" mapstructure:"api_endpoint"` // format string with token and method, empty for api.telegram.org
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Enabled:       true,
			Host:          "127.0.0.1",
			Port:          8765,
			MaxConcurrent: 16,
		},
		Maintenance: MaintenanceConfig{
			IdempotencySweep: "@every 5m",
			ApprovalExpiry:   "@every 1m",
			AuditPrune:       "@daily",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    9464,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
			Algorithm:         "sliding_window",
			Backend:           "memory",
		},
		Idempotency: IdempotencyConfig{
			Backend:    "memory",
			TTLSeconds: 86400,
		},
		Breaker: BreakerConfig{
			FailureThreshold:   5,
			OpenSeconds:        60,
			CallTimeoutSeconds: 30,
		},
		Approval: ApprovalConfig{
			Threshold:      10000,
			TimeoutMinutes: 24 * 60,
			ApproverRoles:  []string{"MCP_Approver"},
		},
		Webhook: WebhookConfig{
			Enabled:   true,
			Workers:   8,
			Timeout:   10,
			UserAgent: "aosgate-webhook/1.0",
		},
		Tracing: TracingConfig{
			ServiceName: "aosgate",
			SampleRatio: 1,
		},
		Backend: BackendConfig{
			Kind:     "memory",
			Currency: "USD",
			Seed:     true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}
