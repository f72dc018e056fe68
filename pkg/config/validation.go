package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/marmos91/cacheinspect/pkg/pagecache"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	// Run struct tag validation
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	// Custom validation rules that can't be expressed in tags
	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	// Block reads are aligned, so the size must be a power of two
	if bs := cfg.Snapshot.Cache.BlockSize; bs != 0 && bs&(bs-1) != 0 {
		return fmt.Errorf("snapshot.cache.block_size: %d is not a power of two", bs)
	}

	// An S3 URL in elf.path is a misconfiguration of the source type
	if cfg.Snapshot.Type == "elf" {
		if path, ok := cfg.Snapshot.ELF["path"].(string); ok && strings.HasPrefix(path, "s3://") {
			return fmt.Errorf("snapshot.elf.path: %q is an S3 URL, set snapshot.type to s3", path)
		}
	}

	if cfg.Metrics.Textfile != "" && !cfg.Metrics.Enabled {
		return fmt.Errorf("metrics.textfile: requires metrics.enabled")
	}
	if _, _, ok := pagecache.ParseS3URL(cfg.Metrics.Textfile); ok {
		return fmt.Errorf("metrics.textfile: must be a local path")
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
