package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))
	return path
}

func TestKoanfLoadsFileOverDefaults(t *testing.T) {
	path := writeYAML(t, "uplink:\n  batch_size: 123\n  poll_interval_s: 7\n")

	kc, err := NewKoanfConfig(WithYAMLFile(path))
	require.NoError(t, err)

	cfg, err := kc.Load()
	require.NoError(t, err)

	assert.Equal(t, 123, cfg.Uplink.BatchSize)
	assert.Equal(t, 7, cfg.Uplink.PollIntervalS)
	assert.Equal(t, DefaultConfig().Sampler.PeriodMS, cfg.Sampler.PeriodMS)
}

func TestKoanfEnvOverridesFile(t *testing.T) {
	path := writeYAML(t, "uplink:\n  batch_size: 123\n")

	t.Setenv("TELEMETRYD_UPLINK_BATCH_SIZE", "999")

	kc, err := NewKoanfConfig(WithYAMLFile(path), WithEnvPrefix("TELEMETRYD"))
	require.NoError(t, err)

	cfg, err := kc.Load()
	require.NoError(t, err)

	assert.Equal(t, 999, cfg.Uplink.BatchSize)
}

func TestKoanfReloadPicksUpFileChanges(t *testing.T) {
	path := writeYAML(t, "supervisor:\n  thermal_warn_c: 70\n")

	kc, err := NewKoanfConfig(WithYAMLFile(path))
	require.NoError(t, err)

	cfg, err := kc.Load()
	require.NoError(t, err)
	assert.Equal(t, 70.0, cfg.Supervisor.ThermalWarnC)

	require.NoError(t, os.WriteFile(path, []byte("supervisor:\n  thermal_warn_c: 65\n"), 0600))
	require.NoError(t, kc.Reload())

	cfg, err = kc.Load()
	require.NoError(t, err)
	assert.Equal(t, 65.0, cfg.Supervisor.ThermalWarnC)
}

func TestKoanfGetters(t *testing.T) {
	path := writeYAML(t, "store:\n  path: /tmp/telemetry.db\n")

	kc, err := NewKoanfConfig(WithYAMLFile(path))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/telemetry.db", kc.GetString("store.path"))
	assert.True(t, kc.Exists("store.path"))
	assert.False(t, kc.Exists("store.nonexistent"))
}

func TestKoanfWatchRequiresFilePath(t *testing.T) {
	kc, err := NewKoanfConfig()
	require.NoError(t, err)

	err = kc.Watch(nil, func(string, error) {}) //nolint:staticcheck // nil ctx is fine, Watch returns before using it
	assert.Error(t, err)
}
