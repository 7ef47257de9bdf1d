// Package config provides the configuration system for Quasar.
// A single ServerConfig structure covers the handle manager, the storage
// tiers and the HTTP surface. Configuration can be loaded from a YAML file
// (with ${VAR} environment substitution) or assembled purely from
// environment variables for container deployments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// HandleStoreMode selects where created handles live.
type HandleStoreMode string

const (
	// HandleStoreMemory keeps handles in the local in-memory manager.
	HandleStoreMemory HandleStoreMode = "memory"
	// HandleStoreExternal persists handles to a shared state directory so
	// any server instance can resolve them.
	HandleStoreExternal HandleStoreMode = "external"
)

// ServerConfig is the root configuration for a Quasar server instance.
type ServerConfig struct {
	// BindAddress is the host:port the HTTP API listens on
	BindAddress string `yaml:"bind_address" json:"bind_address"`

	// Handles configures the handle lifecycle manager
	Handles HandleConfig `yaml:"handles" json:"handles"`

	// Storage configures the tiered storage layer
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// LogLevel sets the zap log level (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Development enables console logging and verbose stacktraces
	Development bool `yaml:"development" json:"development"`
}

// HandleConfig configures handle lifecycle behavior.
type HandleConfig struct {
	// Store selects memory or external handle storage
	Store HandleStoreMode `yaml:"store" json:"store"`
	// StateDir is the shared directory for external handle artifacts.
	// Required when Store is external; must be identical across instances.
	StateDir string `yaml:"state_dir" json:"state_dir"`
	// TTL is the default handle time-to-live
	TTL time.Duration `yaml:"ttl" json:"ttl"`
	// SweepInterval is the background expiry sweep period
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// StorageConfig configures the tiered storage layer.
type StorageConfig struct {
	// ArtifactDir is the directory holding compressed artifacts
	ArtifactDir string `yaml:"artifact_dir" json:"artifact_dir"`
	// CacheSizeGB is the hot cache byte budget in gigabytes
	CacheSizeGB float64 `yaml:"cache_size_gb" json:"cache_size_gb"`
	// Compression selects the artifact codec (zstd, lz4, s2, snappy, none)
	Compression string `yaml:"compression" json:"compression"`
	// PersistQueueSize bounds the async persistence queue
	PersistQueueSize int `yaml:"persist_queue_size" json:"persist_queue_size"`
	// PersistRetries is the number of attempts for a failed artifact write
	PersistRetries int `yaml:"persist_retries" json:"persist_retries"`
	// AnalyticURL is the HTTP endpoint of the external analytical engine.
	// Empty disables the SQL query path.
	AnalyticURL string `yaml:"analytic_url" json:"analytic_url"`
}

// Default returns a ServerConfig with production defaults.
func Default() *ServerConfig {
	return &ServerConfig{
		BindAddress: "0.0.0.0:9000",
		LogLevel:    "info",
		Handles: HandleConfig{
			Store:         HandleStoreMemory,
			StateDir:      "",
			TTL:           time.Hour,
			SweepInterval: 5 * time.Minute,
		},
		Storage: StorageConfig{
			ArtifactDir:      "data/artifacts",
			CacheSizeGB:      2.0,
			Compression:      "zstd",
			PersistQueueSize: 256,
			PersistRetries:   3,
		},
	}
}

// FromEnv assembles a ServerConfig from the environment, starting from
// defaults. Recognized variables (QUASAR_ prefix optional):
//
//	HANDLE_STORE   memory | external
//	STATE_DIR      shared state directory for external handles
//	CACHE_SIZE_GB  hot cache budget in GB (float)
//	BIND_ADDRESS   host:port for the HTTP API
//	ARTIFACT_DIR   compressed artifact directory
//	HANDLE_TTL     Go duration, e.g. 1h
//	SWEEP_INTERVAL Go duration, e.g. 5m
//	ANALYTIC_URL   external SQL engine endpoint
func FromEnv() (*ServerConfig, error) {
	cfg := Default()

	if v := envLookup("HANDLE_STORE"); v != "" {
		switch HandleStoreMode(v) {
		case HandleStoreMemory, HandleStoreExternal:
			cfg.Handles.Store = HandleStoreMode(v)
		default:
			return nil, fmt.Errorf("invalid HANDLE_STORE %q: want memory or external", v)
		}
	}
	if v := envLookup("STATE_DIR"); v != "" {
		cfg.Handles.StateDir = v
	}
	if v := envLookup("CACHE_SIZE_GB"); v != "" {
		gb, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid CACHE_SIZE_GB %q: %w", v, err)
		}
		cfg.Storage.CacheSizeGB = gb
	}
	if v := envLookup("BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := envLookup("ARTIFACT_DIR"); v != "" {
		cfg.Storage.ArtifactDir = v
	}
	if v := envLookup("HANDLE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid HANDLE_TTL %q: %w", v, err)
		}
		cfg.Handles.TTL = d
	}
	if v := envLookup("SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SWEEP_INTERVAL %q: %w", v, err)
		}
		cfg.Handles.SweepInterval = d
	}
	if v := envLookup("ANALYTIC_URL"); v != "" {
		cfg.Storage.AnalyticURL = v
	}
	if v := envLookup("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envLookup checks the prefixed form first, then the bare form.
func envLookup(name string) string {
	if v := os.Getenv("QUASAR_" + name); v != "" {
		return v
	}
	return os.Getenv(name)
}

// Validate checks configuration invariants.
func (c *ServerConfig) Validate() error {
	if c.BindAddress == "" {
		return fmt.Errorf("bind_address is required")
	}
	if c.Handles.Store == HandleStoreExternal && c.Handles.StateDir == "" {
		return fmt.Errorf("state_dir is required when handle store is external")
	}
	if c.Handles.TTL <= 0 {
		return fmt.Errorf("handle ttl must be positive, got %s", c.Handles.TTL)
	}
	if c.Handles.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %s", c.Handles.SweepInterval)
	}
	if c.Storage.CacheSizeGB <= 0 {
		return fmt.Errorf("cache_size_gb must be positive, got %f", c.Storage.CacheSizeGB)
	}
	if c.Storage.ArtifactDir == "" {
		return fmt.Errorf("artifact_dir is required")
	}
	if c.Storage.PersistQueueSize <= 0 {
		return fmt.Errorf("persist_queue_size must be positive, got %d", c.Storage.PersistQueueSize)
	}
	return nil
}

// CacheBudgetBytes converts the configured GB budget to bytes.
func (c *StorageConfig) CacheBudgetBytes() int64 {
	return int64(c.CacheSizeGB * 1024 * 1024 * 1024)
}
