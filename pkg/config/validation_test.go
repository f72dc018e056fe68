package config

import (
	"strings"
	"testing"
)

func TestValidate_ValidConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	err := Validate(cfg)
	if err != nil {
		t.Errorf("Expected valid config to pass validation, got error: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "INVALID"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid log level")
	}
	if !strings.Contains(err.Error(), "oneof") {
		t.Errorf("Expected 'oneof' validation error, got: %v", err)
	}
}

func TestValidate_LowercaseLogLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "debug"

	if err := Validate(cfg); err != nil {
		t.Errorf("Expected lowercase level to be accepted, got: %v", err)
	}
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Format = "xml"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid log format")
	}
}

func TestValidate_InvalidSnapshotType(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Snapshot.Type = "kcore"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid snapshot type")
	}
	if !strings.Contains(err.Error(), "Config.Snapshot.Type") {
		t.Errorf("Expected error to name the field, got: %v", err)
	}
}

func TestValidate_InvalidCacheType(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Snapshot.Cache.Type = "redis"

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for invalid cache type")
	}
}

func TestValidate_NegativeLimits(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Inspect.MaxDepth = -1

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for negative max_depth")
	}
	if !strings.Contains(err.Error(), "gte") {
		t.Errorf("Expected 'gte' validation error, got: %v", err)
	}
}

func TestValidate_BlockSizeNotPowerOfTwo(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Snapshot.Cache.BlockSize = 3000

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for block size")
	}
	if !strings.Contains(err.Error(), "power of two") {
		t.Errorf("Expected 'power of two' error, got: %v", err)
	}
}

func TestValidate_S3URLInELFPath(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Snapshot.ELF["path"] = "s3://dumps/vmcore"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for S3 URL in elf path")
	}
	if !strings.Contains(err.Error(), "snapshot.type") {
		t.Errorf("Expected hint about snapshot.type, got: %v", err)
	}
}

func TestValidate_MetricsTextfile(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Metrics.Textfile = "/var/lib/node_exporter/cacheinspect.prom"

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for textfile without metrics enabled")
	}

	cfg.Metrics.Enabled = true
	if err := Validate(cfg); err != nil {
		t.Errorf("Expected valid metrics config, got: %v", err)
	}

	cfg.Metrics.Textfile = "s3://bucket/metrics.prom"
	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for remote textfile")
	}
}
