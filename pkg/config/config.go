package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the complete cacheinspect configuration.
//
// This structure captures all configurable aspects of an inspection run:
//   - Logging configuration
//   - Snapshot source selection and configuration (source-specific)
//   - Kernel record layout location
//   - Inspection limits
//   - Metrics output
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (CACHEINSPECT_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
//
// Source Configuration Pattern:
// Each snapshot source and block cache store defines its own option map
// (e.g., snapshot.elf, snapshot.s3, snapshot.cache.badger); only the section
// matching the selected type is decoded by the factories.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Snapshot selects the memory snapshot to inspect
	Snapshot SnapshotConfig `mapstructure:"snapshot"`

	// Layout locates the kernel record layout file
	Layout LayoutConfig `mapstructure:"layout"`

	// Inspect bounds the walks over snapshot structures
	Inspect InspectConfig `mapstructure:"inspect"`

	// Metrics controls Prometheus metrics collection
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// SnapshotConfig specifies the memory snapshot source.
//
// The Type field determines which source implementation is used.
// Only the corresponding type-specific configuration section is used.
type SnapshotConfig struct {
	// Type specifies which snapshot source to use
	// Valid values: elf, s3
	Type string `mapstructure:"type" validate:"required,oneof=elf s3"`

	// ELF contains options for a local ELF vmcore
	// Only used when Type = "elf"
	ELF map[string]any `mapstructure:"elf"`

	// S3 contains options for a vmcore stored in S3
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3"`

	// Cache configures the block cache in front of remote sources
	Cache CacheConfig `mapstructure:"cache"`
}

// CacheConfig specifies the snapshot block cache.
type CacheConfig struct {
	// Type specifies the block store
	// Valid values: none, memory, badger
	Type string `mapstructure:"type" validate:"required,oneof=none memory badger"`

	// BlockSize is the fetch granularity in bytes (power of two)
	BlockSize int64 `mapstructure:"block_size" validate:"gte=0"`

	// Memory contains memory-specific configuration
	// Only used when Type = "memory"
	Memory map[string]any `mapstructure:"memory"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger"`
}

// LayoutConfig locates the record layout description.
type LayoutConfig struct {
	// Path is the YAML layout file describing the kernel's record offsets
	Path string `mapstructure:"path"`
}

// InspectConfig bounds walks over possibly corrupt snapshot structures.
type InspectConfig struct {
	// MaxChildren caps the entries read from one children list
	MaxChildren int `mapstructure:"max_children" validate:"gte=0"`

	// MaxDepth caps the directory nesting of subtree walks
	MaxDepth int `mapstructure:"max_depth" validate:"gte=0"`

	// MaxMounts caps the mount list of a namespace
	MaxMounts int `mapstructure:"max_mounts" validate:"gte=0"`

	// MaxTasks caps the task list scanned for namespace selection
	MaxTasks int `mapstructure:"max_tasks" validate:"gte=0"`

	// Namespace is the default task selector (pid or task address)
	Namespace string `mapstructure:"namespace"`
}

// MetricsConfig controls metrics collection.
type MetricsConfig struct {
	// Enabled turns on Prometheus metrics collection
	Enabled bool `mapstructure:"enabled"`

	// Textfile is the node-exporter textfile written at exit
	Textfile string `mapstructure:"textfile"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (CACHEINSPECT_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Configure viper
	setupViper(v, configPath)

	// Read configuration file if it exists
	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	// Unmarshal into config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults for any missing values
	ApplyDefaults(&cfg)

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use CACHEINSPECT_ prefix and underscores
	// Example: CACHEINSPECT_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("CACHEINSPECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Scalars that are commonly overridden from the environment must be
	// known to viper to be picked up by Unmarshal.
	for _, key := range []string{
		"logging.level", "logging.format", "logging.output",
		"snapshot.type", "snapshot.cache.type", "layout.path",
		"inspect.namespace", "metrics.enabled", "metrics.textfile",
	} {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		// Use explicitly specified config file
		v.SetConfigFile(configPath)
	} else {
		// Use default location: $XDG_CONFIG_HOME/cacheinspect/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml") // Primary format
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		// A missing config file is acceptable - use defaults
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "cacheinspect")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "cacheinspect")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
