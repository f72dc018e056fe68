// Package prometheus holds the Prometheus implementations of the metrics
// interfaces declared by the inspection packages (dcache, pagecache).
package prometheus

import (
	"github.com/marmos91/cacheinspect/pkg/dcache"
	"github.com/marmos91/cacheinspect/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// dcacheMetrics is the Prometheus implementation of dcache.Metrics.
type dcacheMetrics struct {
	dentriesVisited *prometheus.CounterVec
	mountTables     *prometheus.CounterVec
	mountEntries    prometheus.Gauge
}

// NewDcacheMetrics creates a new Prometheus-backed dcache.Metrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called); sessions
// then use their no-op implementation.
func NewDcacheMetrics() dcache.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}
	return newDcacheMetrics(metrics.GetRegistry())
}

func newDcacheMetrics(reg prometheus.Registerer) *dcacheMetrics {
	return &dcacheMetrics{
		dentriesVisited: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cacheinspect_dentries_visited_total",
				Help: "Total number of dentries read by operation",
			},
			[]string{"operation"},
		),
		mountTables: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cacheinspect_mount_table_builds_total",
				Help: "Total number of mount table builds by completeness",
			},
			[]string{"complete"},
		),
		mountEntries: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "cacheinspect_mount_table_entries",
				Help: "Number of entries in the last mount table built",
			},
		),
	}
}

// RecordDentries implements dcache.Metrics.RecordDentries
func (m *dcacheMetrics) RecordDentries(op string, n int) {
	m.dentriesVisited.WithLabelValues(op).Add(float64(n))
}

// RecordMountTable implements dcache.Metrics.RecordMountTable
func (m *dcacheMetrics) RecordMountTable(entries int, complete bool) {
	label := "true"
	if !complete {
		label = "false"
	}
	m.mountTables.WithLabelValues(label).Inc()
	m.mountEntries.Set(float64(entries))
}
