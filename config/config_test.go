package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "registry:\n  type: file\n  path: devices.yaml\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.NATS.Telemetry.Concurrency)
	assert.Equal(t, 2*time.Minute, cfg.NATS.Telemetry.LockLease)
	assert.True(t, cfg.NATS.Telemetry.Retryable)
	assert.Equal(t, 1, cfg.NATS.Status.MaxDeliver)
	assert.False(t, cfg.NATS.Status.Retryable)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 3*time.Minute, cfg.Presence.OnlineTTL)
	assert.Equal(t, 24*time.Hour, cfg.Presence.LastSeenTTL)
	assert.Equal(t, []string{"2af0"}, cfg.Dispatch.LegacyClimateIDs)
	assert.Equal(t, "info", cfg.Logger.Level)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
nats:
  telemetry:
    concurrency: 12
    lock_lease: 90s
cache:
  ttl: 12h
  max_readings: 10
transformers:
  climate:
    script_code: "function enrich(f) { return {}; }"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.NATS.Telemetry.Concurrency)
	assert.Equal(t, 90*time.Second, cfg.NATS.Telemetry.LockLease)
	assert.Equal(t, 12*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 10, cfg.Cache.MaxReadings)
	require.Contains(t, cfg.Transformers, "climate")
	assert.Contains(t, cfg.Transformers["climate"].ScriptCode, "enrich")
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeConfig(t, "logger:\n  level: info\n")
	t.Setenv("TELEMETRY_LOGGER_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logger.Level)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"registry type":  "registry:\n  type: mongo\n",
		"missing dsn":    "registry:\n  type: mysql\n",
		"presence order": "presence:\n  online_ttl: 1h\n  last_seen_ttl: 1m\n",
		"concurrency":    "nats:\n  status:\n    concurrency: 0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
