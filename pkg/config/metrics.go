package config

import (
	"github.com/marmos91/cacheinspect/internal/logger"
	"github.com/marmos91/cacheinspect/pkg/dcache"
	"github.com/marmos91/cacheinspect/pkg/metrics"
	promMetrics "github.com/marmos91/cacheinspect/pkg/metrics/prometheus"
	"github.com/marmos91/cacheinspect/pkg/pagecache"
	"github.com/marmos91/cacheinspect/pkg/snapshot"
	"github.com/marmos91/cacheinspect/pkg/snapshot/blockcache"
	"github.com/marmos91/cacheinspect/pkg/snapshot/s3"
)

// MetricsResult contains all metrics-related components created from configuration.
//
// Every field is nil when metrics are disabled; each consumer falls back to
// its own no-op implementation.
type MetricsResult struct {
	// Reads instruments the snapshot accessor
	Reads snapshot.ReadMetrics

	// S3 observes S3 requests of remote snapshots
	S3 s3.S3Metrics

	// Cache observes block cache hits and misses
	Cache blockcache.CacheMetrics

	// Dcache counts dentry cache operations
	Dcache dcache.Metrics

	// Pagecache observes file reconstructions
	Pagecache pagecache.Metrics

	textfile string
}

func noopMetricsResult() *MetricsResult {
	return &MetricsResult{}
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates Prometheus-backed metrics instances for all components
//
// If metrics are disabled:
//   - Returns nil metrics (zero overhead)
//
// Parameters:
//   - cfg: The complete cacheinspect configuration
//
// Returns:
//   - MetricsResult containing all metrics components
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return noopMetricsResult()
	}

	// Initialize global Prometheus registry
	metrics.InitRegistry()

	return &MetricsResult{
		Reads:     metrics.NewReadMetrics(),
		S3:        metrics.NewS3Metrics(),
		Cache:     metrics.NewCacheMetrics(),
		Dcache:    promMetrics.NewDcacheMetrics(),
		Pagecache: promMetrics.NewPagecacheMetrics(),
		textfile:  cfg.Metrics.Textfile,
	}
}

// Flush writes the collected metrics to the configured textfile, if any.
func (m *MetricsResult) Flush() error {
	if m == nil || m.textfile == "" {
		return nil
	}
	if err := metrics.WriteTextfile(m.textfile); err != nil {
		return err
	}
	logger.Debug("Metrics written to %s", m.textfile)
	return nil
}
