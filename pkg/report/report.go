// Package report renders dcache and pagecache results as the fixed-width
// text columns printed by the cacheinspect commands.
package report

import (
	"fmt"
	"io"

	"github.com/marmos91/cacheinspect/pkg/dcache"
	"github.com/marmos91/cacheinspect/pkg/kernel"
	"github.com/marmos91/cacheinspect/pkg/pagecache"
)

const (
	headerFmt      = "%-16s %-16s %-16s %7s %3s %s\n"
	dentryFmt      = "%-16x %-16x %-16x %7d %3d %s%s\n"
	negdentFmt     = "%-16x %-16s %-16s %7s %3s %s\n"
	countHeaderFmt = "%7s %6s %6s %s\n"
	countFmt       = "%7d %6d %6d %s\n"
	findFmt        = "%16x %s\n"
	mountHeaderFmt = "%-16s %-16s %s\n"
	mountFmt       = "%-16x %-16x %s\n"
	verboseFmt     = "  i_mode:%6o i_size:%d (%d)\n"
)

// TypeIndicator returns the ls -F style suffix for a mode: "*" for
// executable regular files, "/" for directories, "@" for symlinks, "|" for
// FIFOs, "=" for sockets and nothing otherwise.
func TypeIndicator(m kernel.Mode) string {
	switch {
	case m.IsRegular():
		if m.Executable() {
			return "*"
		}
		return ""
	case m.IsDir():
		return "/"
	case m.IsSymlink():
		return "@"
	case m.IsFIFO():
		return "|"
	case m.IsSocket():
		return "="
	default:
		return ""
	}
}

// Writer formats report lines. The first write error is kept and every
// later call becomes a no-op; check it with Err.
type Writer struct {
	w   io.Writer
	err error

	// Verbose adds a mode/size line below every listing row.
	Verbose bool

	// PageSize is used by verbose lines to show the size in pages.
	PageSize uint64
}

// New creates a Writer over w.
func New(w io.Writer) *Writer {
	return &Writer{w: w, PageSize: 4096}
}

// Err returns the first write error.
func (w *Writer) Err() error {
	return w.err
}

func (w *Writer) printf(format string, args ...any) {
	if w.err != nil {
		return
	}
	_, w.err = fmt.Fprintf(w.w, format, args...)
}

// Blank writes the empty line separating the listings of several paths.
func (w *Writer) Blank() {
	w.printf("\n")
}

// ============================================================================
// cls
// ============================================================================

// ListingHeader writes the column header of a listing.
func (w *Writer) ListingHeader() {
	w.printf(headerFmt, "DENTRY", "INODE", "I_MAPPING", "NRPAGES", "%", "PATH")
}

// ListEntry writes one listing row. Negative entries show dashes in place
// of the inode columns.
func (w *Writer) ListEntry(e dcache.ListEntry) {
	if e.Negative {
		w.printf(negdentFmt, uint64(e.Dentry), "-", "-", "-", "-", e.Name)
		return
	}
	w.printf(dentryFmt, uint64(e.Dentry), uint64(e.Inode), uint64(e.Mapping), e.NrPages, e.Percent, e.Name, TypeIndicator(e.Mode))
	if w.Verbose {
		pages := uint64(0)
		if w.PageSize > 0 {
			pages = (e.Size + w.PageSize - 1) / w.PageSize
		}
		w.printf(verboseFmt, uint32(e.Mode), e.Size, pages)
	}
}

// Listing writes a header, the self row and every child row.
func (w *Writer) Listing(l dcache.Listing) {
	w.ListingHeader()
	w.ListEntry(l.Self)
	for _, c := range l.Children {
		w.ListEntry(c)
	}
}

// ============================================================================
// cfind
// ============================================================================

// Record writes one subtree walk entry as "<dentry> <path>".
func (w *Writer) Record(r dcache.Record) {
	w.printf(findFmt, uint64(r.Dentry), r.Path)
}

// CountHeader writes the column header of a counting walk.
func (w *Writer) CountHeader() {
	w.printf(countHeaderFmt, "TOTAL", "DENTRY", "N_DENT", "PATH")
}

// Count writes one per-directory tally, or the TOTAL line.
func (w *Writer) Count(c dcache.Count) {
	w.printf(countFmt, c.Total, c.Positive, c.Negative, c.Path)
}

// ============================================================================
// mounts
// ============================================================================

// Mounts writes the mount table in resolution order.
func (w *Writer) Mounts(table []dcache.MountEntry) {
	w.printf(mountHeaderFmt, "MOUNT", "ROOT", "PATH")
	for _, m := range table {
		w.printf(mountFmt, uint64(m.Mount), uint64(m.Root), m.Path)
	}
}

// ============================================================================
// ccat
// ============================================================================

// ExcludedSummary returns the "N/M pages excluded" notice, or "" when no
// page was excluded.
func ExcludedSummary(s pagecache.Stats) string {
	if s.Excluded == 0 {
		return ""
	}
	return fmt.Sprintf("%d/%d pages excluded", s.Excluded, s.Total)
}

// WrittenSummary returns the "N/M pages written" debug notice.
func WrittenSummary(s pagecache.Stats) string {
	return fmt.Sprintf("%d/%d pages written", s.Written, s.Total)
}
