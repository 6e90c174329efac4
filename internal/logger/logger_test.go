package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("console only", func(t *testing.T) {
		l, err := New(Config{Level: "info", Console: true})
		require.NoError(t, err)
		assert.Nil(t, l.file)
		assert.NoError(t, l.Close())
	})

	t.Run("file output with redaction", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "aosgate.log")

		l, err := New(Config{Level: "debug", File: logFile, Redaction: true})
		require.NoError(t, err)
		require.NotNil(t, l.redactor)

		webhookLog := l.Component("webhook")
		webhookLog.Info().Str("secret", "whsec_live_1").Msg("subscription added")
		require.NoError(t, l.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), `"component":"webhook"`)
		assert.Contains(t, string(content), "subscription added")
		assert.NotContains(t, string(content), "whsec_live_1")
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "aosgate.log")
		l, err := New(Config{Level: "loud", File: logFile})
		require.NoError(t, err)

		l.Debug().Msg("hidden")
		l.Warn().Msg("shown")
		require.NoError(t, l.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.NotContains(t, string(content), "hidden")
		assert.Contains(t, string(content), "shown")
	})
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig("warn", "/var/log/aosgate.log", true, true, 50, 3, false)
	assert.Equal(t, "warn", cfg.Level)
	assert.True(t, cfg.Pretty)
	assert.Equal(t, 50, cfg.MaxSize)
	assert.False(t, cfg.Compress)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 100, cfg.MaxSize)
	assert.Equal(t, 7, cfg.MaxAge)
}
