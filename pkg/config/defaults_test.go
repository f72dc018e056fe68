package config

import (
	"testing"

	"github.com/marmos91/cacheinspect/pkg/kernel"
	"github.com/marmos91/cacheinspect/pkg/snapshot/blockcache"
)

func TestApplyDefaults_Logging(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stderr" {
		t.Errorf("Expected default output 'stderr', got %q", cfg.Logging.Output)
	}
}

func TestApplyDefaults_NormalizesLogLevel(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "warn"}}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "WARN" {
		t.Errorf("Expected normalized level 'WARN', got %q", cfg.Logging.Level)
	}
}

func TestApplyDefaults_Snapshot(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Snapshot.Type != "elf" {
		t.Errorf("Expected default snapshot type 'elf', got %q", cfg.Snapshot.Type)
	}
	if cfg.Snapshot.ELF == nil || cfg.Snapshot.S3 == nil {
		t.Error("Expected snapshot option maps to be initialized")
	}
	if cfg.Snapshot.Cache.Type != "memory" {
		t.Errorf("Expected default cache type 'memory', got %q", cfg.Snapshot.Cache.Type)
	}
	if cfg.Snapshot.Cache.BlockSize != blockcache.DefaultBlockSize {
		t.Errorf("Expected default block size %d, got %d", blockcache.DefaultBlockSize, cfg.Snapshot.Cache.BlockSize)
	}
	if cfg.Snapshot.Cache.Memory == nil || cfg.Snapshot.Cache.Badger == nil {
		t.Error("Expected cache option maps to be initialized")
	}
}

func TestApplyDefaults_Inspect(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	def := kernel.DefaultLimits()
	if cfg.Inspect.MaxChildren != def.MaxChildren {
		t.Errorf("Expected default max_children %d, got %d", def.MaxChildren, cfg.Inspect.MaxChildren)
	}
	if cfg.Inspect.MaxMounts != def.MaxMounts {
		t.Errorf("Expected default max_mounts %d, got %d", def.MaxMounts, cfg.Inspect.MaxMounts)
	}
	if cfg.Inspect.MaxTasks != def.MaxTasks {
		t.Errorf("Expected default max_tasks %d, got %d", def.MaxTasks, cfg.Inspect.MaxTasks)
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{Format: "json", Output: "/var/log/cacheinspect.log"},
		Snapshot: SnapshotConfig{
			Type:  "s3",
			Cache: CacheConfig{Type: "badger", BlockSize: 4096},
		},
		Inspect: InspectConfig{MaxChildren: 7, MaxDepth: 3},
	}
	ApplyDefaults(cfg)

	if cfg.Logging.Format != "json" {
		t.Errorf("Expected format 'json' to be preserved, got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "/var/log/cacheinspect.log" {
		t.Errorf("Expected output to be preserved, got %q", cfg.Logging.Output)
	}
	if cfg.Snapshot.Type != "s3" || cfg.Snapshot.Cache.Type != "badger" {
		t.Errorf("Expected snapshot types to be preserved, got %q/%q", cfg.Snapshot.Type, cfg.Snapshot.Cache.Type)
	}
	if cfg.Snapshot.Cache.BlockSize != 4096 {
		t.Errorf("Expected block size 4096, got %d", cfg.Snapshot.Cache.BlockSize)
	}
	if cfg.Inspect.MaxChildren != 7 || cfg.Inspect.MaxDepth != 3 {
		t.Errorf("Expected inspect limits to be preserved, got %+v", cfg.Inspect)
	}
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Snapshot.ELF["path"] != "/var/crash/vmcore" {
		t.Errorf("Expected default vmcore path, got %v", cfg.Snapshot.ELF["path"])
	}
	if cfg.Layout.Path == "" {
		t.Error("Expected default layout path")
	}
	if cfg.Metrics.Enabled {
		t.Error("Expected metrics to be disabled by default")
	}
}
