package elfcore

import (
	"fmt"
	"sort"
)

// segment is one PT_LOAD program header of a vmcore.
//
// Bytes in [filesz, memsz) are not stored in the file and read as zeros.
type segment struct {
	addr   uint64 // vaddr or paddr, depending on the table
	off    uint64 // file offset of the first byte
	filesz uint64
	memsz  uint64
}

func (s segment) String() string {
	return fmt.Sprintf("segment{addr:0x%x, off:0x%x, filesz:0x%x, memsz:0x%x}", s.addr, s.off, s.filesz, s.memsz)
}

func (s segment) contains(addr uint64) bool {
	return s.addr <= addr && addr < s.addr+s.memsz
}

// segments is sorted by addr and holds non-overlapping ranges.
type segments []segment

func (ss segments) Len() int           { return len(ss) }
func (ss segments) Swap(i, k int)      { ss[i], ss[k] = ss[k], ss[i] }
func (ss segments) Less(i, k int) bool { return ss[i].addr < ss[k].addr }

// find returns the segment containing addr.
func (ss segments) find(addr uint64) (segment, bool) {
	// Binary search for an upper-bound segment, then check
	// if the previous segment contains addr.
	k := sort.Search(len(ss), func(k int) bool {
		return addr < ss[k].addr
	})
	k--
	if k >= 0 && ss[k].contains(addr) {
		return ss[k], true
	}
	return segment{}, false
}

// span returns the lowest and highest (exclusive) address covered.
func (ss segments) span() (lo, hi uint64) {
	if len(ss) == 0 {
		return 0, 0
	}
	last := ss[len(ss)-1]
	return ss[0].addr, last.addr + last.memsz
}

// dedupe removes overlaps from a sorted table. Kdump cores describe the
// kernel image twice (text mapping and direct map), so the physical table
// sees the same frames in two segments. The earlier segment wins.
func (ss segments) dedupe() segments {
	out := ss[:0]
	for _, s := range ss {
		if len(out) == 0 {
			out = append(out, s)
			continue
		}
		prev := out[len(out)-1]
		prevEnd := prev.addr + prev.memsz
		if s.addr >= prevEnd {
			out = append(out, s)
			continue
		}
		if s.addr+s.memsz <= prevEnd {
			continue
		}
		delta := prevEnd - s.addr
		s.addr += delta
		s.off += delta
		s.memsz -= delta
		if s.filesz > delta {
			s.filesz -= delta
		} else {
			s.filesz = 0
		}
		out = append(out, s)
	}
	return out
}

// merge collapses adjacent segments that are contiguous both in the address
// space and in the file. Segments with a zero tail cannot be extended.
func (ss segments) merge() segments {
	for k := 1; k < len(ss); {
		prev := &ss[k-1]
		curr := ss[k]
		if prev.memsz == prev.filesz && prev.addr+prev.memsz == curr.addr && prev.off+prev.filesz == curr.off {
			prev.memsz += curr.memsz
			prev.filesz += curr.filesz
			ss = append(ss[:k], ss[k+1:]...)
			continue
		}
		k++
	}
	return ss
}
