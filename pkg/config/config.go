// Package config loads the nvmehint YAML configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/sushant-115/nvmehint/core/hint_engine/dispatcher"
	"github.com/sushant-115/nvmehint/pkg/logger"
	"github.com/sushant-115/nvmehint/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// BufferPoolConfig sizes the buffer pool used by the shell.
type BufferPoolConfig struct {
	// PoolSize is the number of page frames.
	PoolSize int `yaml:"pool_size"`
	// PageSize is the page size in bytes; a power of two, at least 512.
	PageSize int `yaml:"page_size"`
}

// Config is the root of the configuration file.
type Config struct {
	Logger     logger.Config     `yaml:"logger"`
	Telemetry  telemetry.Config  `yaml:"telemetry"`
	Hints      dispatcher.Config `yaml:"hints"`
	BufferPool BufferPoolConfig  `yaml:"buffer_pool"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Logger:    logger.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
		Hints:     dispatcher.DefaultConfig(),
		BufferPool: BufferPoolConfig{
			PoolSize: 64,
			PageSize: 16 * 1024,
		},
	}
}

// Load reads path over the defaults. Keys absent from the file keep their
// default values. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every section and reports all problems at once.
func (c Config) Validate() error {
	var errs []error
	if err := c.Logger.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Hints.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Telemetry.TraceSampleRatio < 0 || c.Telemetry.TraceSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("trace_sample_ratio must be within [0, 1], got %v", c.Telemetry.TraceSampleRatio))
	}
	if c.BufferPool.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("buffer_pool.pool_size must be positive, got %d", c.BufferPool.PoolSize))
	}
	ps := c.BufferPool.PageSize
	if ps < 512 || ps&(ps-1) != 0 {
		errs = append(errs, fmt.Errorf("buffer_pool.page_size must be a power of two of at least 512, got %d", ps))
	} else if uint64(ps)%c.Hints.SectorSize != 0 && c.Hints.SectorSize != 0 {
		errs = append(errs, fmt.Errorf("buffer_pool.page_size %d is not a multiple of hints.sector_size %d", ps, c.Hints.SectorSize))
	}
	return errors.Join(errs...)
}

// Marshal renders c as YAML, e.g. for "nvmehint config".
func (c Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
