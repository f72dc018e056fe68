package config

import (
	"strings"

	"github.com/marmos91/cacheinspect/pkg/dcache"
	"github.com/marmos91/cacheinspect/pkg/kernel"
	"github.com/marmos91/cacheinspect/pkg/snapshot/blockcache"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Source-specific defaults are handled by the factories
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applySnapshotDefaults(&cfg.Snapshot)
	applyInspectDefaults(&cfg.Inspect)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	// stdout carries file content and reports
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

// applySnapshotDefaults sets snapshot source defaults.
func applySnapshotDefaults(cfg *SnapshotConfig) {
	if cfg.Type == "" {
		cfg.Type = "elf"
	}

	// Initialize maps if nil
	if cfg.ELF == nil {
		cfg.ELF = make(map[string]any)
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}

	applyCacheDefaults(&cfg.Cache)
}

// applyCacheDefaults sets block cache defaults.
func applyCacheDefaults(cfg *CacheConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = blockcache.DefaultBlockSize
	}

	if cfg.Memory == nil {
		cfg.Memory = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
}

// applyInspectDefaults sets the walk limits.
func applyInspectDefaults(cfg *InspectConfig) {
	def := kernel.DefaultLimits()
	if cfg.MaxChildren == 0 {
		cfg.MaxChildren = def.MaxChildren
	}
	if cfg.MaxMounts == 0 {
		cfg.MaxMounts = def.MaxMounts
	}
	if cfg.MaxTasks == 0 {
		cfg.MaxTasks = def.MaxTasks
	}
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = dcache.DefaultMaxDepth
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Snapshot: SnapshotConfig{
			ELF: map[string]any{
				"path": "/var/crash/vmcore",
				"mmap": true,
			},
			Cache: CacheConfig{
				Memory: map[string]any{
					"max_size_bytes": int64(256 << 20),
				},
			},
		},
		Layout: LayoutConfig{
			Path: "/etc/cacheinspect/layout.yaml",
		},
	}

	ApplyDefaults(cfg)

	return cfg
}
