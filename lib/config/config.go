// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the conveyor daemon configuration.
//
// Configuration comes from a single YAML file named by the
// CONVEYOR_CONFIG environment variable or a --config flag. There are
// no search paths or fallback files; a missing path means defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/conveyor-fs/conveyor/lib/chunk"
)

// EnvVar names the environment variable holding the config path.
const EnvVar = "CONVEYOR_CONFIG"

// Config is the daemon configuration.
type Config struct {
	// Store configures the content-addressed store.
	Store StoreConfig `yaml:"store"`

	// Ports configures the reservation range.
	Ports PortsConfig `yaml:"ports"`

	// Chunking overrides the chunker parameters.
	Chunking ChunkingConfig `yaml:"chunking"`

	// Sessions configures session lifecycle timeouts.
	Sessions SessionsConfig `yaml:"sessions"`

	// ManagementAddress is the loopback address the management RPC
	// listens on.
	ManagementAddress string `yaml:"management_address"`

	// Verbose enables debug logging.
	Verbose bool `yaml:"verbose"`
}

// StoreConfig locates and bounds the CAS.
type StoreConfig struct {
	// Dir is the store root. Defaults to the platform cache
	// directory.
	Dir string `yaml:"dir"`

	// Codec is the blob compression: zstd (default), lz4, or none.
	Codec string `yaml:"codec"`

	// HighWaterMB and LowWaterMB bound disk usage; when usage
	// crosses the high mark, refcount-zero blobs are swept until
	// usage falls to the low mark. Zero disables the sweep.
	HighWaterMB int64 `yaml:"high_water_mb"`
	LowWaterMB  int64 `yaml:"low_water_mb"`

	// SweepIntervalSec is how often usage is checked.
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
}

// PortsConfig bounds the reservable port range.
type PortsConfig struct {
	RangeStart int `yaml:"range_start"`
	RangeEnd   int `yaml:"range_end"`

	// SegmentPath is the cross-process reservation segment.
	SegmentPath string `yaml:"segment_path"`
}

// ChunkingConfig overrides chunker parameters. Zero fields keep the
// defaults.
type ChunkingConfig struct {
	MinKB int `yaml:"min_kb"`
	AvgKB int `yaml:"avg_kb"`
	MaxKB int `yaml:"max_kb"`
}

// SessionsConfig holds session lifecycle tuning.
type SessionsConfig struct {
	StartTimeoutSec      int `yaml:"start_timeout_sec"`
	StopTimeoutSec       int `yaml:"stop_timeout_sec"`
	HeartbeatIntervalSec int `yaml:"heartbeat_interval_sec"`
	HeartbeatTimeoutSec  int `yaml:"heartbeat_timeout_sec"`
	RestartCooldownSec   int `yaml:"restart_cooldown_sec"`

	// FuseBinary is the local conveyor-fuse binary deployed to
	// remote instances.
	FuseBinary string `yaml:"fuse_binary"`

	// FuseRemotePath is where the binary lands on remotes.
	FuseRemotePath string `yaml:"fuse_remote_path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = os.TempDir()
	}
	return &Config{
		Store: StoreConfig{
			Dir:              filepath.Join(cacheDir, "conveyor", "store"),
			Codec:            "zstd",
			HighWaterMB:      4096,
			LowWaterMB:       3072,
			SweepIntervalSec: 60,
		},
		Ports: PortsConfig{
			RangeStart:  44450,
			RangeEnd:    44550,
			SegmentPath: "/dev/shm/conveyor-ports",
		},
		Sessions: SessionsConfig{
			StartTimeoutSec:      30,
			StopTimeoutSec:       10,
			HeartbeatIntervalSec: 5,
			HeartbeatTimeoutSec:  30,
			RestartCooldownSec:   60,
			FuseRemotePath:       "~/.conveyor/conveyor-fuse",
		},
		ManagementAddress: "127.0.0.1:44449",
	}
}

// Load reads the config file at path, or the path named by
// CONVEYOR_CONFIG when path is empty, over the defaults. An empty
// path with no environment variable returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return config, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Ports.RangeStart <= 0 || c.Ports.RangeEnd < c.Ports.RangeStart {
		return fmt.Errorf("invalid port range %d-%d", c.Ports.RangeStart, c.Ports.RangeEnd)
	}
	if c.Store.HighWaterMB < 0 || c.Store.LowWaterMB < 0 || c.Store.LowWaterMB > c.Store.HighWaterMB {
		return fmt.Errorf("invalid store watermarks: low %d MB, high %d MB",
			c.Store.LowWaterMB, c.Store.HighWaterMB)
	}
	if err := c.ChunkParams().Validate(); err != nil {
		return err
	}
	return nil
}

// ChunkParams resolves the chunking overrides against the defaults.
func (c *Config) ChunkParams() chunk.Params {
	params := chunk.DefaultParams()
	if c.Chunking.MinKB > 0 {
		params.MinSize = c.Chunking.MinKB * 1024
	}
	if c.Chunking.AvgKB > 0 {
		params.AvgSize = c.Chunking.AvgKB * 1024
	}
	if c.Chunking.MaxKB > 0 {
		params.MaxSize = c.Chunking.MaxKB * 1024
	}
	return params
}

// StartTimeout returns the session start deadline.
func (c *Config) StartTimeout() time.Duration {
	return time.Duration(c.Sessions.StartTimeoutSec) * time.Second
}

// StopTimeout returns the graceful stop deadline.
func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.Sessions.StopTimeoutSec) * time.Second
}

// HeartbeatInterval returns the expected FUSE heartbeat period.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Sessions.HeartbeatIntervalSec) * time.Second
}

// HeartbeatTimeout returns the liveness deadline.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Sessions.HeartbeatTimeoutSec) * time.Second
}

// RestartCooldown returns the automatic-restart budget window.
func (c *Config) RestartCooldown() time.Duration {
	return time.Duration(c.Sessions.RestartCooldownSec) * time.Second
}

// SweepInterval returns the store maintenance period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Store.SweepIntervalSec) * time.Second
}
