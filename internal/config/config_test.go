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
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PORT", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Price.LockedMaxAge)
	assert.Equal(t, 0.002, cfg.Price.LockedMaxSlippage)
	assert.True(t, cfg.Risk.CountLiquidationsInStats)
	assert.Equal(t, 8, cfg.Sweep.Concurrency)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PORT", "9090")
	t.Setenv("ENGINE_SWEEP_CONCURRENCY", "3")
	t.Setenv("ENGINE_RISK_COUNT_LIQUIDATIONS_IN_STATS", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 3, cfg.Sweep.Concurrency)
	assert.False(t, cfg.Risk.CountLiquidationsInStats)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	body := []byte(`
price:
  stale_after: 30s
sweep:
  risk_interval: 1s
kafka:
  brokers: ["kafka-1:9092", "kafka-2:9092"]
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Price.StaleAfter)
	assert.Equal(t, time.Second, cfg.Sweep.RiskInterval)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
}

func TestValidate(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Sweep.Concurrency = 0
	cfg.Price.LockedMaxAge = 0
	cfg.Price.LockedMaxSlippage = 0.5
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sweep.concurrency")
	assert.Contains(t, err.Error(), "locked_max_age")
	assert.Contains(t, err.Error(), "locked_max_slippage")
}
