package prometheus

import (
	"time"

	"github.com/marmos91/cacheinspect/pkg/metrics"
	"github.com/marmos91/cacheinspect/pkg/pagecache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// pagecacheMetrics is the Prometheus implementation of pagecache.Metrics.
type pagecacheMetrics struct {
	pages               *prometheus.CounterVec
	reconstructions     *prometheus.CounterVec
	reconstructDuration prometheus.Histogram
	reconstructedBytes  prometheus.Counter
}

// NewPagecacheMetrics creates a new Prometheus-backed pagecache.Metrics
// instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewPagecacheMetrics() pagecache.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}
	return newPagecacheMetrics(metrics.GetRegistry())
}

func newPagecacheMetrics(reg prometheus.Registerer) *pagecacheMetrics {
	return &pagecacheMetrics{
		pages: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cacheinspect_pagecache_pages_total",
				Help: "Total number of page cache pages by outcome",
			},
			[]string{"outcome"},
		),
		reconstructions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cacheinspect_pagecache_reconstructions_total",
				Help: "Total number of file reconstructions by status",
			},
			[]string{"status"},
		),
		reconstructDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "cacheinspect_pagecache_reconstruct_duration_seconds",
				Help: "Duration of file reconstructions in seconds",
				Buckets: []float64{
					0.001, // 1ms
					0.01,  // 10ms
					0.1,   // 100ms
					1.0,   // 1s
					10.0,  // 10s
					60.0,  // 1min
				},
			},
		),
		reconstructedBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "cacheinspect_pagecache_reconstructed_bytes_total",
				Help: "Total content bytes written by reconstructions",
			},
		),
	}
}

// RecordPages implements pagecache.Metrics.RecordPages
func (m *pagecacheMetrics) RecordPages(outcome string, n uint64) {
	m.pages.WithLabelValues(outcome).Add(float64(n))
}

// ObserveReconstruct implements pagecache.Metrics.ObserveReconstruct
func (m *pagecacheMetrics) ObserveReconstruct(duration time.Duration, bytes uint64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.reconstructions.WithLabelValues(status).Inc()
	m.reconstructDuration.Observe(duration.Seconds())
	m.reconstructedBytes.Add(float64(bytes))
}
