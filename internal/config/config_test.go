package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.False(t, cfg.Migrate)
	assert.Equal(t, 1024, cfg.QueueSize)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, time.Minute, cfg.StaleAfter)
	assert.Equal(t, 15*time.Minute, cfg.AbandonAfter)
	assert.Equal(t, 15*time.Minute, cfg.RateCacheTTL)
	assert.Equal(t, 2, cfg.RateRefreshes)
	assert.GreaterOrEqual(t, cfg.MaxConns, 4)
	assert.LessOrEqual(t, cfg.MaxConns, 50)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("LEDGER_HTTP_ADDR", ":9090")
	t.Setenv("LEDGER_DB_MIGRATE", "1")
	t.Setenv("LEDGER_WORKERS", "5")
	t.Setenv("LEDGER_QUEUE_SIZE", "-3")
	t.Setenv("LEDGER_RATE_REFRESHES", "0")
	t.Setenv("LEDGER_SAGA_STALE_AFTER", "2m")

	cfg, err := Load(nil, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.True(t, cfg.Migrate)
	assert.Equal(t, 5, cfg.Workers)
	assert.Equal(t, 1024, cfg.QueueSize, "non-positive falls back")
	assert.Equal(t, 0, cfg.RateRefreshes)
	assert.Equal(t, 2*time.Minute, cfg.StaleAfter)
}

func TestLoad_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("LEDGER_REDIS_ADDR=cache:6379\nLEDGER_AMQP_EXCHANGE=audit\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("LEDGER_REDIS_ADDR")
		os.Unsetenv("LEDGER_AMQP_EXCHANGE")
	})
	t.Setenv("LEDGER_AMQP_EXCHANGE", "from-env")

	cfg, err := Load(nil, path)
	require.NoError(t, err)
	assert.Equal(t, "cache:6379", cfg.RedisAddr)
	assert.Equal(t, "from-env", cfg.AMQPExchange)
}

func TestLoad_RejectsBadDurations(t *testing.T) {
	t.Setenv("LEDGER_SWEEP_INTERVAL", "soon")
	t.Setenv("LEDGER_SAGA_STALE_AFTER", "20m")
	t.Setenv("LEDGER_SAGA_ABANDON_AFTER", "10m")

	_, err := Load(nil, filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LEDGER_SWEEP_INTERVAL")
	assert.Contains(t, err.Error(), "must exceed")
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 4, clamp(1, 4, 50))
	assert.Equal(t, 50, clamp(99, 4, 50))
	assert.Equal(t, 16, clamp(16, 4, 50))
}

func TestNewLogger(t *testing.T) {
	logger, err := Config{LogLevel: "debug", Dev: true}.NewLogger()
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = Config{LogLevel: "chatty"}.NewLogger()
	assert.Error(t, err)
}
