package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/nvmehint/core/hint_engine/dispatcher"
	sectorcache "github.com/sushant-115/nvmehint/core/hint_engine/sector_cache"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nvmehint.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, dispatcher.DefaultWorkers, cfg.Hints.Workers)
	require.True(t, cfg.Hints.Enabled)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
logger:
  level: debug
hints:
  enabled: false
  workers: 2
  device_path: /dev/nvme1n1
  extent_policy: all
  partition_by_page: true
  max_hints_per_second: 500
buffer_pool:
  pool_size: 8
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.Logger.Level)
	require.Equal(t, "json", cfg.Logger.Format, "untouched keys keep defaults")
	require.False(t, cfg.Hints.Enabled)
	require.Equal(t, 2, cfg.Hints.Workers)
	require.Equal(t, "/dev/nvme1n1", cfg.Hints.DevicePath)
	require.Equal(t, sectorcache.ExtentPolicyAll, cfg.Hints.ExtentPolicy)
	require.True(t, cfg.Hints.PartitionByPage)
	require.Equal(t, 500.0, cfg.Hints.MaxHintsPerSecond)
	require.EqualValues(t, 512, cfg.Hints.SectorSize)
	require.Equal(t, 8, cfg.BufferPool.PoolSize)
	require.Equal(t, 16*1024, cfg.BufferPool.PageSize)
}

func TestLoadEmptyFileGivesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "\n"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadRejectsBadInput(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "hints:\n  wokers: 3\n"))
	require.Error(t, err, "unknown keys are rejected")

	_, err = Load(writeConfig(t, "hints:\n  workers: 0\n"))
	require.ErrorIs(t, err, dispatcher.ErrInvalidConfig)

	_, err = Load(writeConfig(t, "buffer_pool:\n  page_size: 1000\n"))
	require.Error(t, err)
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Hints.Workers = 3
	data, err := cfg.Marshal()
	require.NoError(t, err)

	loaded, err := Load(writeConfig(t, string(data)))
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}
