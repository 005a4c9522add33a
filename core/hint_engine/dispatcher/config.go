package dispatcher

import (
	"errors"
	"fmt"

	nvmedevice "github.com/sushant-115/nvmehint/core/hint_engine/nvme_device"
	sectorcache "github.com/sushant-115/nvmehint/core/hint_engine/sector_cache"
)

// DefaultWorkers is the size of the hint worker pool.
const DefaultWorkers = 8

// ErrInvalidConfig wraps every config validation failure.
var ErrInvalidConfig = errors.New("invalid hint dispatcher config")

// Config holds all the configuration for the hint dispatcher.
type Config struct {
	// Enabled gates every Notify* entry point.
	Enabled bool `yaml:"enabled"`
	// Workers is the size of the hint worker pool.
	Workers int `yaml:"workers"`
	// DevicePath is the NVMe namespace block device each worker opens.
	DevicePath string `yaml:"device_path"`
	// NamespaceID is placed in every passthrough command.
	NamespaceID uint32 `yaml:"namespace_id"`
	// SectorSize is the namespace logical block size in bytes.
	SectorSize uint64 `yaml:"sector_size"`
	// ExtentPolicy is "first" (one command per page) or "all" (one command
	// per physical extent covering the page).
	ExtentPolicy sectorcache.ExtentPolicy `yaml:"extent_policy"`
	// PartitionByPage gives every worker its own queue and routes a page to a
	// fixed worker, preserving per-page submission order.
	PartitionByPage bool `yaml:"partition_by_page"`
	// MaxHintsPerSecond caps device commands across all workers. Zero means
	// unlimited.
	MaxHintsPerSecond float64 `yaml:"max_hints_per_second"`
	// BufferHintAttr is the DSM attribute word (cdw11) sent with each hint.
	BufferHintAttr uint32 `yaml:"buffer_hint_attr"`
}

// DefaultConfig returns an enabled dispatcher with 8 workers on
// /dev/nvme0n1, namespace 1, 512-byte sectors and the first-extent policy.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		Workers:        DefaultWorkers,
		DevicePath:     nvmedevice.DefaultDevicePath,
		NamespaceID:    nvmedevice.DefaultNamespaceID,
		SectorSize:     512,
		ExtentPolicy:   sectorcache.ExtentPolicyFirst,
		BufferHintAttr: nvmedevice.DSMAttrBufferHint,
	}
}

// Validate checks the worker count, sector size, extent policy, rate and
// device path.
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive, got %d", ErrInvalidConfig, c.Workers)
	}
	if c.SectorSize == 0 || c.SectorSize&(c.SectorSize-1) != 0 {
		return fmt.Errorf("%w: sector_size must be a power of two, got %d", ErrInvalidConfig, c.SectorSize)
	}
	if err := c.ExtentPolicy.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.MaxHintsPerSecond < 0 {
		return fmt.Errorf("%w: max_hints_per_second must not be negative", ErrInvalidConfig)
	}
	if c.DevicePath == "" {
		return fmt.Errorf("%w: device_path is required", ErrInvalidConfig)
	}
	return nil
}

// Opener builds the passthrough opener described by the config.
func (c Config) Opener() nvmedevice.Opener {
	return nvmedevice.NewPassthroughOpener(c.DevicePath, c.NamespaceID, c.BufferHintAttr)
}
