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
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 120, cfg.Server.RateLimitPerMinute)
	assert.Equal(t, "mq135", cfg.AQI.Profile)
	assert.Equal(t, 5*time.Second, cfg.Ingestion.StoreTimeout)
	assert.Equal(t, 1000, cfg.Ingestion.MaxPageSize)
	assert.Equal(t, 100, cfg.Ingestion.DefaultPageSize)
	assert.Equal(t, 30*time.Second, cfg.Liveness.CheckInterval)
	assert.Equal(t, 60*time.Second, cfg.Liveness.OfflineThreshold)
	assert.Equal(t, 64, cfg.Broadcast.BufferSize)
	assert.Equal(t, 5*time.Minute, cfg.Redis.DeviceTTL)
	assert.Equal(t, []string{"airsense/devices/+/readings"}, cfg.MQTT.Topics)
	assert.Empty(t, cfg.MQTT.BrokerURL)
	assert.False(t, cfg.IsProduction())
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8080
  environment: Production
aqi:
  profile: particulate
liveness:
  check_interval: 5s
  offline_threshold: 2m
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 5*time.Second, cfg.Liveness.CheckInterval)
	assert.Equal(t, 2*time.Minute, cfg.Liveness.OfflineThreshold)

	profile, err := cfg.Profile()
	require.NoError(t, err)
	assert.Equal(t, "particulate", profile.Name)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8080\n")
	t.Setenv("AIRSENSE_SERVER_PORT", "9090")
	t.Setenv("AIRSENSE_AQI_PROFILE", "particulate")
	t.Setenv("AIRSENSE_INGESTION_STORE_TIMEOUT", "750ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "particulate", cfg.AQI.Profile)
	assert.Equal(t, 750*time.Millisecond, cfg.Ingestion.StoreTimeout)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := writeConfig(t, "server: [not, a, map")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	cfg.AQI.Profile = "ozone"
	cfg.Liveness.CheckInterval = 0
	cfg.Ingestion.DefaultPageSize = 5000
	cfg.Broadcast.BufferSize = -1

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `aqi.profile "ozone"`)
	assert.Contains(t, err.Error(), "liveness.check_interval must be positive")
	assert.Contains(t, err.Error(), "ingestion.default_page_size")
	assert.Contains(t, err.Error(), "broadcast.buffer_size")
}
