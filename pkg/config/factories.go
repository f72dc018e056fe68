package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/marmos91/cacheinspect/internal/logger"
	"github.com/marmos91/cacheinspect/internal/ratelimiter"
	"github.com/marmos91/cacheinspect/pkg/kernel"
	"github.com/marmos91/cacheinspect/pkg/layout"
	"github.com/marmos91/cacheinspect/pkg/snapshot"
	"github.com/marmos91/cacheinspect/pkg/snapshot/blockcache"
	"github.com/marmos91/cacheinspect/pkg/snapshot/elfcore"
	"github.com/marmos91/cacheinspect/pkg/snapshot/s3"
	"github.com/mitchellh/mapstructure"
)

// Snapshot is an opened memory snapshot with everything that must be
// released when the inspection ends.
type Snapshot struct {
	// Accessor reads the snapshot (instrumented when metrics are enabled)
	Accessor snapshot.Accessor

	// Name identifies the source in log messages
	Name string

	closers []io.Closer
}

// Close releases the source and its cache, most recently opened first.
func (s *Snapshot) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// decodeOptions decodes a type-specific option map into out.
//
// Weak typing is enabled so values coming from environment variables
// ("true", "64") decode into typed fields.
func decodeOptions(options map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(options)
}

// OpenSnapshot opens the snapshot source selected by cfg.
//
// This factory function uses the Type field to determine which source
// implementation to open, then decodes the type-specific configuration from
// the corresponding map.
//
// Supported types:
//   - "elf": a local ELF vmcore (pkg/snapshot/elfcore)
//   - "s3": an ELF vmcore stored in S3, read through the block cache
//
// Parameters:
//   - ctx: Context for S3 requests, kept for the lifetime of the snapshot
//   - cfg: Snapshot configuration
//   - pageOffset: Virtual base of the kernel direct map, from the layout
//   - m: Metrics sinks (may be nil)
//
// Returns:
//   - *Snapshot: Opened snapshot; Close it when done
//   - error: Configuration or open error
func OpenSnapshot(ctx context.Context, cfg *SnapshotConfig, pageOffset snapshot.Address, m *MetricsResult) (*Snapshot, error) {
	if m == nil {
		m = noopMetricsResult()
	}

	var (
		snap *Snapshot
		err  error
	)
	switch cfg.Type {
	case "elf":
		snap, err = openELFSnapshot(cfg.ELF, pageOffset)
	case "s3":
		snap, err = openS3Snapshot(ctx, cfg, pageOffset, m)
	default:
		return nil, fmt.Errorf("unknown snapshot type: %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	snap.Accessor = snapshot.Instrument(snap.Accessor, m.Reads)
	return snap, nil
}

// openELFSnapshot opens a vmcore from the local filesystem.
func openELFSnapshot(options map[string]any, pageOffset snapshot.Address) (*Snapshot, error) {
	type ELFSnapshotConfig struct {
		Path string `mapstructure:"path"`
		Mmap bool   `mapstructure:"mmap"`
	}

	var elfCfg ELFSnapshotConfig
	if err := decodeOptions(options, &elfCfg); err != nil {
		return nil, fmt.Errorf("failed to decode elf snapshot config: %w", err)
	}

	if elfCfg.Path == "" {
		return nil, fmt.Errorf("elf snapshot: path is required")
	}

	core, err := elfcore.Open(elfCfg.Path, elfcore.Options{PageOffset: pageOffset, Mmap: elfCfg.Mmap})
	if err != nil {
		return nil, fmt.Errorf("failed to open vmcore: %w", err)
	}

	logger.Debug("ELF snapshot opened: path=%s, machine=%s, segments=%d, mmap=%t",
		elfCfg.Path, core.Machine(), core.Segments(), elfCfg.Mmap)

	return &Snapshot{
		Accessor: core,
		Name:     elfCfg.Path,
		closers:  []io.Closer{core},
	}, nil
}

// S3SnapshotConfig holds the options of an S3-hosted vmcore.
type S3SnapshotConfig struct {
	Region            string `mapstructure:"region"`
	Bucket            string `mapstructure:"bucket"`
	Key               string `mapstructure:"key"`
	Endpoint          string `mapstructure:"endpoint"`
	AccessKeyID       string `mapstructure:"access_key_id"`
	SecretAccessKey   string `mapstructure:"secret_access_key"`
	MaxRetries        int    `mapstructure:"max_retries"`
	RequestsPerSecond uint   `mapstructure:"requests_per_second"`
	Burst             uint   `mapstructure:"burst"`
}

// DecodeS3Options decodes and checks the S3 option map.
func DecodeS3Options(options map[string]any) (S3SnapshotConfig, error) {
	var s3Cfg S3SnapshotConfig
	if err := decodeOptions(options, &s3Cfg); err != nil {
		return s3Cfg, fmt.Errorf("failed to decode S3 snapshot config: %w", err)
	}
	if s3Cfg.Region == "" {
		return s3Cfg, fmt.Errorf("S3 snapshot: region is required")
	}
	return s3Cfg, nil
}

// CreateS3Client builds an S3 client from the snapshot.s3 options. The
// bucket and key are not required here, so the client can also serve
// s3:// output files.
func CreateS3Client(ctx context.Context, options map[string]any) (*awss3.Client, error) {
	s3Cfg, err := DecodeS3Options(options)
	if err != nil {
		return nil, err
	}
	return s3.NewClient(ctx, s3.ClientConfig{
		Region:          s3Cfg.Region,
		Endpoint:        s3Cfg.Endpoint,
		AccessKeyID:     s3Cfg.AccessKeyID,
		SecretAccessKey: s3Cfg.SecretAccessKey,
		MaxRetries:      s3Cfg.MaxRetries,
	})
}

// openS3Snapshot opens a vmcore stored in S3.
func openS3Snapshot(ctx context.Context, cfg *SnapshotConfig, pageOffset snapshot.Address, m *MetricsResult) (*Snapshot, error) {
	s3Cfg, err := DecodeS3Options(cfg.S3)
	if err != nil {
		return nil, err
	}
	if s3Cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 snapshot: bucket is required")
	}
	if s3Cfg.Key == "" {
		return nil, fmt.Errorf("S3 snapshot: key is required")
	}

	// ========================================================================
	// Step 1: Create S3 Client
	// ========================================================================

	client, err := CreateS3Client(ctx, cfg.S3)
	if err != nil {
		return nil, err
	}

	var limiter *ratelimiter.RateLimiter
	if s3Cfg.RequestsPerSecond > 0 {
		limiter = ratelimiter.New(s3Cfg.RequestsPerSecond, s3Cfg.Burst)
	}

	object, err := s3.NewObjectReader(ctx, s3.ObjectReaderConfig{
		Client:  client,
		Bucket:  s3Cfg.Bucket,
		Key:     s3Cfg.Key,
		Limiter: limiter,
		Metrics: m.S3,
	})
	if err != nil {
		return nil, err
	}

	// ========================================================================
	// Step 2: Wrap the object with the block cache
	// ========================================================================

	snap := &Snapshot{Name: object.Name()}
	var src io.ReaderAt = object

	store, storeName, err := CreateBlockStore(&cfg.Cache)
	if err != nil {
		return nil, err
	}
	if store != nil {
		snap.closers = append(snap.closers, store)
		cached, err := blockcache.New(object, object.Size(), store, blockcache.Config{
			SourceID:  fmt.Sprintf("%s@%d", object.Name(), object.Size()),
			BlockSize: cfg.Cache.BlockSize,
			StoreName: storeName,
			Metrics:   m.Cache,
		})
		if err != nil {
			_ = snap.Close()
			return nil, err
		}
		src = cached
	}

	// ========================================================================
	// Step 3: Parse the ELF headers
	// ========================================================================

	core, err := elfcore.New(src, elfcore.Options{PageOffset: pageOffset})
	if err != nil {
		_ = snap.Close()
		return nil, fmt.Errorf("%s: %w", object.Name(), err)
	}
	snap.Accessor = core

	logger.Info("S3 snapshot opened: %s (%d bytes), region=%s, cache=%s",
		object.Name(), object.Size(), s3Cfg.Region, cfg.Cache.Type)

	return snap, nil
}

// CreateBlockStore creates the block cache store selected by cfg.
//
// Supported types:
//   - "none": no cache; returns a nil store
//   - "memory": in-process LRU bounded by max_size_bytes
//   - "badger": persistent BadgerDB store at db_path
func CreateBlockStore(cfg *CacheConfig) (blockcache.Store, string, error) {
	switch cfg.Type {
	case "none":
		return nil, "", nil
	case "memory":
		type MemoryStoreConfig struct {
			MaxSizeBytes int64 `mapstructure:"max_size_bytes"`
		}
		var memCfg MemoryStoreConfig
		if err := decodeOptions(cfg.Memory, &memCfg); err != nil {
			return nil, "", fmt.Errorf("failed to decode memory cache config: %w", err)
		}
		return blockcache.NewMemoryStore(memCfg.MaxSizeBytes), "memory", nil
	case "badger":
		type BadgerStoreConfig struct {
			DBPath       string `mapstructure:"db_path"`
			BlockCacheMB int64  `mapstructure:"block_cache_mb"`
		}
		var badgerCfg BadgerStoreConfig
		if err := decodeOptions(cfg.Badger, &badgerCfg); err != nil {
			return nil, "", fmt.Errorf("failed to decode badger cache config: %w", err)
		}
		if badgerCfg.DBPath == "" {
			return nil, "", fmt.Errorf("badger cache: db_path is required")
		}
		store, err := blockcache.NewBadgerStore(blockcache.BadgerStoreConfig{
			DBPath:           badgerCfg.DBPath,
			BlockCacheSizeMB: badgerCfg.BlockCacheMB,
		})
		if err != nil {
			return nil, "", fmt.Errorf("failed to open badger cache: %w", err)
		}
		return store, "badger", nil
	default:
		return nil, "", fmt.Errorf("unknown cache type: %q", cfg.Type)
	}
}

// LoadLayout reads and resolves the record layout file.
func LoadLayout(cfg *LayoutConfig) (*layout.Layout, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("layout.path is required")
	}

	start := time.Now()
	spec, err := layout.Load(cfg.Path)
	if err != nil {
		return nil, err
	}
	l, err := layout.Resolve(spec)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Path, err)
	}

	logger.Debug("Layout %s loaded in %s", cfg.Path, time.Since(start))
	for _, line := range l.Describe() {
		logger.Debug("  %s", line)
	}
	return l, nil
}

// Limits converts the inspect section to kernel walk limits.
func (c InspectConfig) Limits() kernel.Limits {
	return kernel.Limits{
		MaxChildren: c.MaxChildren,
		MaxMounts:   c.MaxMounts,
		MaxTasks:    c.MaxTasks,
	}
}

// LoggerConfig converts the logging section to the logger's configuration.
func (c LoggingConfig) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Level,
		Format: c.Format,
		Output: c.Output,
	}
}
