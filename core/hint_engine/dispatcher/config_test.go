package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/require"
	nvmedevice "github.com/sushant-115/nvmehint/core/hint_engine/nvme_device"
	sectorcache "github.com/sushant-115/nvmehint/core/hint_engine/sector_cache"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.True(t, cfg.Enabled)
	require.Equal(t, 8, cfg.Workers)
	require.Equal(t, "/dev/nvme0n1", cfg.DevicePath)
	require.Equal(t, sectorcache.ExtentPolicyFirst, cfg.ExtentPolicy)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"odd sector size", func(c *Config) { c.SectorSize = 520 }},
		{"zero sector size", func(c *Config) { c.SectorSize = 0 }},
		{"bad policy", func(c *Config) { c.ExtentPolicy = "some" }},
		{"negative rate", func(c *Config) { c.MaxHintsPerSecond = -1 }},
		{"no device", func(c *Config) { c.DevicePath = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestConfigOpener(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DevicePath = "/dev/nvme1n1"
	cfg.NamespaceID = 2
	opener, ok := cfg.Opener().(*nvmedevice.PassthroughOpener)
	require.True(t, ok)
	require.Equal(t, "/dev/nvme1n1", opener.Path)
	require.EqualValues(t, 2, opener.NamespaceID)
	require.Equal(t, nvmedevice.DSMAttrBufferHint, opener.Attributes)
}
