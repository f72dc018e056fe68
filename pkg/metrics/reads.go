package metrics

import (
	"time"

	"github.com/marmos91/cacheinspect/pkg/snapshot"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// readMetrics is the Prometheus implementation of snapshot.ReadMetrics.
type readMetrics struct {
	reads        *prometheus.CounterVec
	bytes        *prometheus.CounterVec
	readDuration *prometheus.HistogramVec
}

// NewReadMetrics creates a new Prometheus-backed snapshot.ReadMetrics.
//
// Returns nil if metrics are not enabled, in which case snapshot.Instrument
// leaves the accessor unwrapped.
func NewReadMetrics() snapshot.ReadMetrics {
	if !IsEnabled() {
		return nil
	}
	return newReadMetrics(GetRegistry())
}

func newReadMetrics(reg prometheus.Registerer) *readMetrics {
	return &readMetrics{
		reads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cacheinspect_snapshot_reads_total",
				Help: "Total number of snapshot reads by address space and outcome",
			},
			[]string{"space", "outcome"},
		),
		bytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cacheinspect_snapshot_read_bytes_total",
				Help: "Total bytes successfully read from the snapshot",
			},
			[]string{"space"},
		),
		readDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "cacheinspect_snapshot_read_duration_seconds",
				Help: "Duration of snapshot reads in seconds",
				Buckets: []float64{
					0.000001, // 1µs
					0.00001,  // 10µs
					0.0001,   // 100µs
					0.001,    // 1ms
					0.01,     // 10ms
					0.1,      // 100ms
					1.0,      // 1s
				},
			},
			[]string{"space"},
		),
	}
}

// ObserveRead implements snapshot.ReadMetrics.ObserveRead
func (m *readMetrics) ObserveRead(space snapshot.Space, bytes int, outcome string, duration time.Duration) {
	s := space.String()
	m.reads.WithLabelValues(s, outcome).Inc()
	if outcome == "ok" {
		m.bytes.WithLabelValues(s).Add(float64(bytes))
	}
	m.readDuration.WithLabelValues(s).Observe(duration.Seconds())
}
