package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// InitConfig writes a commented default configuration to the default
// location and returns its path.
//
// An existing file is only replaced when force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a commented default configuration to path,
// creating parent directories as needed.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use force to overwrite)", path)
		}
	}

	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// configSection is one top-level key of the generated file.
type configSection struct {
	key     string
	comment string
	value   any
}

// generateYAMLWithComments renders cfg as YAML, one commented block per
// top-level section.
func generateYAMLWithComments(cfg *Config) (string, error) {
	sections := []configSection{
		{
			key:     "logging",
			comment: "Log level: DEBUG, INFO, WARN, ERROR. Format: text, json.\nOutput: stdout, stderr or a file path (stdout also carries command output).",
			value: map[string]any{
				"level":  cfg.Logging.Level,
				"format": cfg.Logging.Format,
				"output": cfg.Logging.Output,
			},
		},
		{
			key:     "snapshot",
			comment: "Memory snapshot to inspect. type: elf (local vmcore) or s3.\nThe block cache (none, memory, badger) sits in front of S3 reads.",
			value: map[string]any{
				"type": cfg.Snapshot.Type,
				"elf":  cfg.Snapshot.ELF,
				"s3": map[string]any{
					"region":              "us-east-1",
					"bucket":              "",
					"key":                 "",
					"endpoint":            "",
					"max_retries":         10,
					"requests_per_second": 0,
					"burst":               0,
				},
				"cache": map[string]any{
					"type":       cfg.Snapshot.Cache.Type,
					"block_size": cfg.Snapshot.Cache.BlockSize,
					"memory":     cfg.Snapshot.Cache.Memory,
					"badger": map[string]any{
						"db_path":        filepath.Join(getConfigDir(), "blockcache"),
						"block_cache_mb": 64,
					},
				},
			},
		},
		{
			key:     "layout",
			comment: "Record layout of the kernel that produced the snapshot.",
			value: map[string]any{
				"path": cfg.Layout.Path,
			},
		},
		{
			key:     "inspect",
			comment: "Bounds on walks over possibly corrupt structures.\nnamespace selects the mount namespace by pid or task address (empty: init).",
			value: map[string]any{
				"max_children": cfg.Inspect.MaxChildren,
				"max_depth":    cfg.Inspect.MaxDepth,
				"max_mounts":   cfg.Inspect.MaxMounts,
				"max_tasks":    cfg.Inspect.MaxTasks,
				"namespace":    cfg.Inspect.Namespace,
			},
		},
		{
			key:     "metrics",
			comment: "Prometheus metrics, written to textfile at exit when set.",
			value: map[string]any{
				"enabled":  cfg.Metrics.Enabled,
				"textfile": cfg.Metrics.Textfile,
			},
		},
	}

	var b strings.Builder
	b.WriteString("# cacheinspect Configuration File\n")
	b.WriteString("#\n")
	b.WriteString("# Environment variables override these values (CACHEINSPECT_LOGGING_LEVEL=DEBUG).\n")

	for _, s := range sections {
		out, err := yaml.Marshal(map[string]any{s.key: s.value})
		if err != nil {
			return "", fmt.Errorf("failed to marshal %s section: %w", s.key, err)
		}
		b.WriteString("\n")
		for _, line := range strings.Split(s.comment, "\n") {
			b.WriteString("# " + line + "\n")
		}
		b.Write(out)
	}

	return b.String(), nil
}
