package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("PILOTHOUSE_CONFIG_FILE", path)
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PILOTHOUSE_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.API.ListenAddress)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Queue.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.Queue.BackoffCap)
	assert.Equal(t, 20, cfg.Queue.JitterPercent)
	assert.Equal(t, 2.0, cfg.Insights.AnomalySensitivity)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadFromFileWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_STORE_DSN", "postgres://pilot:secret@db:5432/pilothouse")
	writeConfig(t, `
environment: production
store:
  driver: postgres
  dsn: ${TEST_STORE_DSN}
auth:
  token_secret: ${MISSING_SECRET:-fallback-secret}
unknown_section:
  ignored: true
`)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://pilot:secret@db:5432/pilothouse", cfg.Store.DSN)
	assert.Equal(t, "fallback-secret", cfg.Auth.TokenSecret)
	assert.False(t, cfg.IsDevelopment())
	require.NoError(t, cfg.Validate())
}

func TestEnvOverridesFile(t *testing.T) {
	writeConfig(t, "api:\n  listen_address: ':9000'\n")
	t.Setenv("PILOTHOUSE_API_LISTEN_ADDRESS", ":7777")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.API.ListenAddress)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Auth:  AuthConfig{TokenSecret: "s"},
			Store: StoreConfig{Driver: "memory"},
		}
	}

	t.Run("ok", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("missing token secret", func(t *testing.T) {
		cfg := base()
		cfg.Auth.TokenSecret = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("postgres needs dsn", func(t *testing.T) {
		cfg := base()
		cfg.Store.Driver = "postgres"
		assert.Error(t, cfg.Validate())

		cfg.Store.DSN = "postgres://localhost/x"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("unknown driver", func(t *testing.T) {
		cfg := base()
		cfg.Store.Driver = "dynamo"
		assert.Error(t, cfg.Validate())
	})

	t.Run("shards must be power of two", func(t *testing.T) {
		cfg := base()
		cfg.Cache.Shards = 12
		assert.Error(t, cfg.Validate())

		cfg.Cache.Shards = 16
		assert.NoError(t, cfg.Validate())
	})

	t.Run("jitter bounds", func(t *testing.T) {
		cfg := base()
		cfg.Queue.JitterPercent = 120
		assert.Error(t, cfg.Validate())
	})
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("EXPAND_A", "alpha")

	assert.Equal(t, "alpha", expandEnvVars("${EXPAND_A}"))
	assert.Equal(t, "alpha/beta", expandEnvVars("${EXPAND_A}/${EXPAND_B:-beta}"))
	assert.Equal(t, "plain", expandEnvVars("plain"))
}
