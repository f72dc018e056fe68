// Package pagecache rebuilds the cached content of a file from the page
// cache index captured in a kernel memory snapshot.
//
// The index of a file's address_space is walked in ascending page order and
// every page that is still present in the snapshot is written to a Sink at
// index × page size. Pages that are not cached stay holes, so the output has
// the file's logical length with its cached bytes at their original offsets.
package pagecache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/cacheinspect/internal/logger"
	"github.com/marmos91/cacheinspect/pkg/kernel"
	"github.com/marmos91/cacheinspect/pkg/snapshot"
)

var (
	// ErrNotRegular is returned when the inode is not a regular file
	ErrNotRegular = errors.New("not regular file")

	// ErrNoPageCache is returned when the inode has no cached pages
	ErrNoPageCache = errors.New("no page caches")
)

// Metrics provides observability for page cache reconstruction.
//
// This is optional - if not provided, metrics collection is skipped.
// pkg/metrics provides a Prometheus implementation.
type Metrics interface {
	// RecordPages counts pages by outcome ("written", "excluded",
	// "skipped", "beyond_eof")
	RecordPages(outcome string, n uint64)

	// ObserveReconstruct records one reconstruction
	ObserveReconstruct(duration time.Duration, bytes uint64, err error)
}

type noopMetrics struct{}

func (noopMetrics) RecordPages(string, uint64)                      {}
func (noopMetrics) ObserveReconstruct(time.Duration, uint64, error) {}

// Options configures a reconstruction.
type Options struct {
	// NoTruncate leaves the sink at the end of the last written page
	// instead of setting its length to the file size.
	NoTruncate bool
}

// Stats summarizes a reconstruction.
type Stats struct {
	// Total is the number of pages the index delivered
	Total uint64

	// Written pages were copied to the sink
	Written uint64

	// Excluded pages are referenced by the index but their content is
	// missing from the snapshot, wherever they lie relative to the file size
	Excluded uint64

	// Skipped entries do not point into the struct page array
	Skipped uint64

	// BeyondEOF pages were read but start at or past the file size
	BeyondEOF uint64

	// Holes counts value (shadow) entries
	Holes uint64

	// Bytes is the number of content bytes written
	Bytes uint64
}

// Reconstructor copies page cache content out of a snapshot.
type Reconstructor struct {
	r       *kernel.Reader
	metrics Metrics
	buf     []byte
}

// New creates a Reconstructor. metrics may be nil.
func New(r *kernel.Reader, metrics Metrics) *Reconstructor {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Reconstructor{
		r:       r,
		metrics: metrics,
		buf:     make([]byte, r.Layout().PageSize),
	}
}

// Check reports whether inode has page cache content to reconstruct.
func Check(inode kernel.Inode) error {
	if !inode.Mode.IsRegular() {
		return ErrNotRegular
	}
	if inode.NrPages == 0 {
		return ErrNoPageCache
	}
	return nil
}

// Reconstruct writes the cached pages of inode to sink.
//
// Each page lands at index × page size; the last page is cut at the file
// size. Pages whose content cannot be read from the snapshot are counted as
// excluded and left as holes. Unless opts.NoTruncate is set the sink is
// finally truncated to the file size.
//
// The only failures are an unreadable or malformed index, a sink error and
// cancellation of ctx.
func (rc *Reconstructor) Reconstruct(ctx context.Context, inode kernel.Inode, sink Sink, opts Options) (stats Stats, err error) {
	start := time.Now()
	defer func() {
		rc.metrics.RecordPages("written", stats.Written)
		rc.metrics.RecordPages("excluded", stats.Excluded)
		rc.metrics.RecordPages("skipped", stats.Skipped)
		rc.metrics.RecordPages("beyond_eof", stats.BeyondEOF)
		rc.metrics.ObserveReconstruct(time.Since(start), stats.Bytes, err)
	}()

	if inode.Mapping.IsNull() {
		return stats, fmt.Errorf("inode %s: no address space", inode.Addr)
	}

	pageSize := rc.r.Layout().PageSize
	lastPage := rc.r.PagesFor(inode.Size)
	acc := rc.r.Accessor()

	idx, err := rc.r.WalkPageCache(ctx, inode.Mapping, func(index uint64, page snapshot.Address) error {
		stats.Total++

		phys, ok := rc.r.PagePhys(page)
		if !ok {
			logger.Debug("inode %s: index %d holds non-page entry %s", inode.Addr, index, page)
			stats.Skipped++
			return nil
		}

		if err := acc.ReadPhysical(phys, rc.buf); err != nil {
			if !errors.Is(err, snapshot.ErrExcluded) {
				logger.Debug("inode %s: page %d at %s unreadable: %v", inode.Addr, index, phys, err)
			}
			stats.Excluded++
			return nil
		}

		if index >= lastPage {
			stats.BeyondEOF++
			return nil
		}

		pos := index * pageSize
		size := min(pageSize, inode.Size-pos)
		if _, err := sink.WriteAt(rc.buf[:size], int64(pos)); err != nil {
			return fmt.Errorf("%s: write error: %w", page, err)
		}
		stats.Written++
		stats.Bytes += size
		return nil
	})
	stats.Holes = uint64(idx.Values)
	if err != nil {
		return stats, err
	}

	if !opts.NoTruncate {
		if err := sink.Truncate(int64(inode.Size)); err != nil {
			return stats, fmt.Errorf("truncate to %d: %w", inode.Size, err)
		}
	}
	return stats, nil
}
