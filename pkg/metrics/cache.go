package metrics

import (
	"github.com/marmos91/cacheinspect/pkg/snapshot/blockcache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// cacheMetrics is the Prometheus implementation of blockcache.CacheMetrics
// interface.
//
// This implementation collects metrics about the snapshot block cache:
//   - Hits and misses per store
//   - Bytes fetched from the source on misses
type cacheMetrics struct {
	lookups      *prometheus.CounterVec
	fetchedBytes *prometheus.CounterVec
}

// NewCacheMetrics creates a new Prometheus-backed CacheMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called), which
// causes the block cache to use the built-in no-op implementation.
func NewCacheMetrics() blockcache.CacheMetrics {
	if !IsEnabled() {
		return nil // Block cache will use noopMetrics
	}
	return newCacheMetrics(GetRegistry())
}

func newCacheMetrics(reg prometheus.Registerer) *cacheMetrics {
	return &cacheMetrics{
		lookups: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cacheinspect_blockcache_lookups_total",
				Help: "Total number of block cache lookups by store and result",
			},
			[]string{"store", "result"},
		),
		fetchedBytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cacheinspect_blockcache_fetched_bytes_total",
				Help: "Total bytes fetched from the snapshot source on cache misses",
			},
			[]string{"store"},
		),
	}
}

// RecordHit implements blockcache.CacheMetrics.RecordHit
func (m *cacheMetrics) RecordHit(store string) {
	m.lookups.WithLabelValues(store, "hit").Inc()
}

// RecordMiss implements blockcache.CacheMetrics.RecordMiss
func (m *cacheMetrics) RecordMiss(store string, bytes int) {
	m.lookups.WithLabelValues(store, "miss").Inc()
	m.fetchedBytes.WithLabelValues(store).Add(float64(bytes))
}
