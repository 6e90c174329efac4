package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 60, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, "sliding_window", cfg.RateLimit.Algorithm)
	assert.Equal(t, 86400, cfg.Idempotency.TTLSeconds)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 10000.0, cfg.Approval.Threshold)
	assert.Equal(t, []string{"MCP_Approver"}, cfg.Approval.ApproverRoles)
	assert.Equal(t, 8, cfg.Webhook.Workers)
	assert.Equal(t, "127.0.0.1:9464", cfg.Metrics.Addr())
	assert.Equal(t, "127.0.0.1:8765", cfg.Gateway.Addr())
	assert.Equal(t, "@every 1m", cfg.Maintenance.ApprovalExpiry)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero rate", func(c *Config) { c.RateLimit.RequestsPerMinute = 0 }, "rate_limit.requests_per_minute"},
		{"disabled limiter ignores rate", func(c *Config) { c.RateLimit.Enabled = false; c.RateLimit.RequestsPerMinute = 0 }, ""},
		{"unknown algorithm", func(c *Config) { c.RateLimit.Algorithm = "leaky" }, "rate limit algorithm"},
		{"redis without url", func(c *Config) { c.Idempotency.Backend = "redis" }, "redis.url is empty"},
		{"redis with url", func(c *Config) { c.Idempotency.Backend = "redis"; c.Redis.URL = "redis://localhost:6379/0" }, ""},
		{"bad redis url", func(c *Config) { c.Redis.URL = "http://localhost" }, "invalid redis url"},
		{"negative threshold", func(c *Config) { c.Approval.Threshold = -1 }, "approval.threshold"},
		{"bad port", func(c *Config) { c.Metrics.Port = 70000 }, "metrics.port"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "invalid log level"},
		{"empty role", func(c *Config) { c.Authorization.Tools = map[string][]string{"get_item": {""}} }, "empty role"},
		{"unknown backend", func(c *Config) { c.Backend.Kind = "odata" }, "backend.kind"},
		{"shared listener", func(c *Config) { c.Gateway.Port = c.Metrics.Port }, "cannot share"},
		{"disabled gateway ignores port", func(c *Config) { c.Gateway.Enabled = false; c.Gateway.Port = 0 }, ""},
		{"bad schedule", func(c *Config) { c.Maintenance.AuditPrune = "every day" }, "maintenance.audit_prune"},
		{"empty schedule disables job", func(c *Config) { c.Maintenance.ApprovalExpiry = "" }, ""},
		{"telegram without token", func(c *Config) { c.Notify.Telegram = TelegramConfig{Enabled: true, ChatIDs: []int64{1}} }, "bot_token"},
		{"telegram without chats", func(c *Config) { c.Notify.Telegram = TelegramConfig{Enabled: true, BotToken: "t"} }, "chat_ids"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateConfigCollectsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Breaker.FailureThreshold = 0
	cfg.Webhook.Workers = 0
	cfg.Logging.Level = "loud"

	errs := NewValidator().ValidateConfig(cfg)
	assert.Len(t, errs, 3)
}

func TestLoaderMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := NewLoader(filepath.Join(dir, "missing.json")).Load()
	require.NoError(t, err)

	assert.Equal(t, 60, cfg.RateLimit.RequestsPerMinute)
	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "aosgate.db"), cfg.Database.Path)
	assert.Equal(t, filepath.Join(cfg.DataDir, "aosgate.log"), cfg.Logging.File)
}

func TestLoaderReadsJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aosgate.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"data_dir": "`+filepath.ToSlash(dir)+`",
		"approval": {"threshold": 2500},
		"rate_limit": {"algorithm": "token_bucket"},
		"authorization": {"tools": {"get_price": ["MCP_Sales"]}}
	}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2500.0, cfg.Approval.Threshold)
	assert.Equal(t, "token_bucket", cfg.RateLimit.Algorithm)
	assert.Equal(t, 60, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, []string{"MCP_Sales"}, cfg.Authorization.Tools["get_price"])
	assert.Equal(t, filepath.Join(dir, "aosgate.db"), cfg.Database.Path)
}

func TestLoaderReadsYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aosgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("breaker:\n  failure_threshold: 3\nwebhook:\n  workers: 2\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 2, cfg.Webhook.Workers)
}

func TestLoaderEnvOverrides(t *testing.T) {
	t.Setenv("AOSGATE_APPROVAL_THRESHOLD", "500")
	t.Setenv("AOSGATE_RATE_LIMIT_REQUESTS_PER_MINUTE", "5")
	t.Setenv("AOSGATE_REDIS_URL", "redis://cache:6379/1")
	t.Setenv("AOSGATE_GATEWAY_SHARED_SECRET", "hunter2")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, 500.0, cfg.Approval.Threshold)
	assert.Equal(t, 5, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, "redis://cache:6379/1", cfg.Redis.URL)
	assert.Equal(t, "hunter2", cfg.Gateway.SharedSecret)
}

func TestLoaderSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "aosgate.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.Approval.Threshold = 750
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 750.0, loaded.Approval.Threshold)
	assert.Equal(t, dir, loaded.DataDir)
}
