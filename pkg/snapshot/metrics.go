package snapshot

import (
	"errors"
	"time"
)

// ReadMetrics provides observability for snapshot reads.
//
// This is optional - accessors built without metrics use a no-op
// implementation. pkg/metrics provides a Prometheus-backed one.
type ReadMetrics interface {
	// ObserveRead records one accessor call and its outcome.
	// outcome is one of "ok", "unreadable", "excluded", "error".
	ObserveRead(space Space, bytes int, outcome string, duration time.Duration)
}

type noopReadMetrics struct{}

func (noopReadMetrics) ObserveRead(Space, int, string, time.Duration) {}

// instrumented wraps an Accessor and reports every read to ReadMetrics.
type instrumented struct {
	acc     Accessor
	metrics ReadMetrics
}

// Instrument returns acc wrapped so each read is reported to m.
// A nil m returns acc unchanged.
func Instrument(acc Accessor, m ReadMetrics) Accessor {
	if m == nil {
		return acc
	}
	return &instrumented{acc: acc, metrics: m}
}

func (i *instrumented) ReadVirtual(addr Address, buf []byte) error {
	start := time.Now()
	err := i.acc.ReadVirtual(addr, buf)
	i.metrics.ObserveRead(Virtual, len(buf), outcome(err), time.Since(start))
	return err
}

func (i *instrumented) ReadPhysical(addr Address, buf []byte) error {
	start := time.Now()
	err := i.acc.ReadPhysical(addr, buf)
	i.metrics.ObserveRead(Physical, len(buf), outcome(err), time.Since(start))
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrExcluded):
		return "excluded"
	case errors.Is(err, ErrUnreadable):
		return "unreadable"
	default:
		return "error"
	}
}

// NoopReadMetrics returns a ReadMetrics that discards everything.
func NoopReadMetrics() ReadMetrics {
	return noopReadMetrics{}
}
