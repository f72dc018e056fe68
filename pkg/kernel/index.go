package kernel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/marmos91/cacheinspect/pkg/layout"
	"github.com/marmos91/cacheinspect/pkg/snapshot"
)

// ErrIndexMalformed indicates a page cache index whose node shifts or links
// are inconsistent.
var ErrIndexMalformed = errors.New("malformed page cache index")

// IndexError reports a page cache index that could not be walked.
type IndexError struct {
	Mapping snapshot.Address
	Node    snapshot.Address
	Err     error
}

func (e *IndexError) Error() string {
	if e.Node.IsNull() {
		return fmt.Sprintf("page cache index of mapping %s: %v", e.Mapping, e.Err)
	}
	return fmt.Sprintf("page cache index of mapping %s, node %s: %v", e.Mapping, e.Node, e.Err)
}

func (e *IndexError) Unwrap() error {
	return e.Err
}

// PageFunc receives one page cache entry. page is the raw slot value; it is
// normally a struct page pointer but may be anything the kernel stored.
type PageFunc func(index uint64, page snapshot.Address) error

// IndexStats counts what a page cache walk saw besides pages.
type IndexStats struct {
	Nodes  int
	Values int
}

// xarray entry encodings (include/linux/xarray.h)
const (
	xaInternalMask = 3
	xaInternalTag  = 2
	xaValueTag     = 1
	xaNodeMin      = 4096
)

// radix tree entry encodings (pre-4.20 include/linux/radix-tree.h)
const (
	radixInternalNode = 1
	radixExceptional  = 2
)

// WalkPageCache visits every page of the index rooted at mapping's i_pages
// in ascending index order. Value (shadow) entries are holes and only
// counted. Large entries (multi-order slots and sibling runs) are expanded to
// one call per page, assuming the folio's struct pages are contiguous.
//
// The walk fails only when the index itself cannot be read or is malformed;
// fn decides what an unreadable page means. An error returned by fn stops the walk.
func (r *Reader) WalkPageCache(ctx context.Context, mapping snapshot.Address, fn PageFunc) (IndexStats, error) {
	l := r.layout
	w := &indexWalk{
		r:       r,
		ctx:     ctx,
		mapping: mapping,
		fn:      fn,
		visited: make(map[snapshot.Address]struct{}),
	}

	head, err := snapshot.ReadPointer(r.acc, mapping.Add(l.AddressSpace.Pages+l.Node.Head))
	if err != nil {
		return w.stats, &IndexError{Mapping: mapping, Err: err}
	}

	switch kind, target := w.classify(head, 0, nil); kind {
	case entryNone, entrySibling:
	case entryValue:
		w.stats.Values++
	case entryNode:
		err = w.node(target, 0, -1, 0)
	case entryPage:
		err = fn(0, head)
	}
	return w.stats, err
}

type entryKind int

const (
	entryNone entryKind = iota
	entryPage
	entryValue
	entryNode
	entrySibling
)

type indexWalk struct {
	r       *Reader
	ctx     context.Context
	mapping snapshot.Address
	fn      PageFunc
	visited map[snapshot.Address]struct{}
	stats   IndexStats
}

// classify decodes one slot value. For nodes target is the node address;
// for siblings it is the slot number of the canonical entry. slotsAddr is the
// address of the containing node's slot array, used by radix siblings.
func (w *indexWalk) classify(e snapshot.Address, slotsAddr snapshot.Address, slots []byte) (entryKind, snapshot.Address) {
	if e.IsNull() {
		return entryNone, 0
	}
	if w.r.layout.Format == layout.FormatRadix {
		switch {
		case e&radixInternalNode != 0:
			ptr := e &^ radixInternalNode
			if slots != nil && ptr >= slotsAddr && ptr < slotsAddr.Add(uint64(len(slots))) {
				return entrySibling, (ptr - slotsAddr) / 8
			}
			return entryNode, ptr
		case e&radixExceptional != 0:
			return entryValue, 0
		}
		return entryPage, 0
	}

	switch {
	case e&xaInternalMask == xaInternalTag:
		if e > xaNodeMin {
			return entryNode, e - xaInternalTag
		}
		// xa_mk_sibling(offset) sits below xa_mk_internal(XA_CHUNK_SIZE - 1)
		if uint64(e>>2) < uint64(1)<<w.r.layout.ChunkShift-1 {
			return entrySibling, e >> 2
		}
		// retry and zero entries
		return entryNone, 0
	case e&xaValueTag != 0:
		return entryValue, 0
	}
	return entryPage, 0
}

func (w *indexWalk) slotBuffer(depth int) []byte {
	r := w.r
	for len(r.slots) <= depth {
		r.slots = append(r.slots, make([]byte, 8<<r.layout.ChunkShift))
	}
	return r.slots[depth]
}

// node walks the node at addr covering indices starting at base. want is the
// shift its parent implies, or -1 for the top node. Each depth owns its own
// slot buffer so a parent's slots survive the walk of its children.
func (w *indexWalk) node(addr snapshot.Address, base uint64, want int, depth int) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	r := w.r
	l := r.layout

	if _, seen := w.visited[addr]; seen {
		return &IndexError{Mapping: w.mapping, Node: addr, Err: fmt.Errorf("%w: node visited twice", ErrIndexMalformed)}
	}
	w.visited[addr] = struct{}{}
	w.stats.Nodes++

	var sb [1]byte
	if err := r.acc.ReadVirtual(addr.Add(l.Node.Shift), sb[:]); err != nil {
		return &IndexError{Mapping: w.mapping, Node: addr, Err: err}
	}
	shift := uint(sb[0])
	if shift >= 64 || shift%l.ChunkShift != 0 || (want >= 0 && int(shift) != want) {
		return &IndexError{Mapping: w.mapping, Node: addr, Err: fmt.Errorf("%w: unexpected shift %d", ErrIndexMalformed, shift)}
	}

	slots := w.slotBuffer(depth)
	slotsAddr := addr.Add(l.Node.Slots)
	if err := r.acc.ReadVirtual(slotsAddr, slots); err != nil {
		return &IndexError{Mapping: w.mapping, Node: addr, Err: err}
	}

	count := uint64(1) << l.ChunkShift
	for i := uint64(0); i < count; i++ {
		e := snapshot.Address(binary.LittleEndian.Uint64(slots[i*8:]))
		index := base + i<<shift

		kind, target := w.classify(e, slotsAddr, slots)
		if kind != entryNone && shift > 0 && i > uint64(math.MaxUint64)>>shift {
			return &IndexError{Mapping: w.mapping, Node: addr, Err: fmt.Errorf("%w: slot %d overflows the index space at shift %d", ErrIndexMalformed, i, shift)}
		}
		switch kind {
		case entryNone:
		case entryValue:
			w.stats.Values++
		case entryNode:
			if shift == 0 {
				return &IndexError{Mapping: w.mapping, Node: addr, Err: fmt.Errorf("%w: node below a leaf", ErrIndexMalformed)}
			}
			if err := w.node(target, index, int(shift-l.ChunkShift), depth+1); err != nil {
				return err
			}
		case entryPage:
			if err := w.emit(index, e, 0, shift); err != nil {
				return err
			}
		case entrySibling:
			canon := uint64(target)
			if canon >= i {
				continue
			}
			head := snapshot.Address(binary.LittleEndian.Uint64(slots[canon*8:]))
			if k, _ := w.classify(head, slotsAddr, slots); k != entryPage {
				continue
			}
			if err := w.emit(index, head, (i-canon)<<shift, shift); err != nil {
				return err
			}
		}
	}
	return nil
}

// emit reports the 1<<shift pages of an entry starting at index, whose first
// page is skip pages into the folio headed by page. Entries larger than
// 1<<(2*ChunkShift) pages are rejected as malformed.
func (w *indexWalk) emit(index uint64, page snapshot.Address, skip uint64, shift uint) error {
	if shift > 2*w.r.layout.ChunkShift {
		return &IndexError{Mapping: w.mapping, Err: fmt.Errorf("%w: page entry at index %d spans 2^%d pages", ErrIndexMalformed, index, shift)}
	}
	step := w.r.layout.PageStructSize
	for k := uint64(0); k < uint64(1)<<shift; k++ {
		if k%64 == 0 {
			if err := w.ctx.Err(); err != nil {
				return err
			}
		}
		if err := w.fn(index+k, page.Add((skip+k)*step)); err != nil {
			return err
		}
	}
	return nil
}

// PagePhys converts a struct page pointer into the physical address of the
// page it describes. It reports false for pointers outside the vmemmap
// array.
func (r *Reader) PagePhys(page snapshot.Address) (snapshot.Address, bool) {
	l := r.layout
	if page < l.VmemmapBase {
		return 0, false
	}
	off := uint64(page - l.VmemmapBase)
	if off%l.PageStructSize != 0 {
		return 0, false
	}
	pfn := off / l.PageStructSize
	if pfn >= maxPhys/l.PageSize {
		return 0, false
	}
	return snapshot.Address(pfn * l.PageSize), true
}

// maxPhys is the x86-64 MAX_PHYSMEM_BITS limit with 5-level paging.
const maxPhys = uint64(1) << 52
