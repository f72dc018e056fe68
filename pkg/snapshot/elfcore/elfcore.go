// Package elfcore reads kernel memory from ELF vmcore files.
//
// A vmcore (as written by kdump, makedumpfile -E or /proc/vmcore) is an
// ELF64 core whose PT_LOAD program headers map file ranges to both a kernel
// virtual address and a physical address. Core indexes every segment twice
// and serves snapshot.Accessor reads from whichever table applies.
//
// Pages stripped by a dump filter show up as holes between segments inside
// the captured RAM span; reads there fail with snapshot.ErrExcluded. Reads
// outside the RAM span fail with snapshot.ErrUnreadable.
package elfcore

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/marmos91/cacheinspect/pkg/snapshot"
)

// Options configures how a vmcore is interpreted.
type Options struct {
	// PageOffset is the virtual base of the kernel direct map. Virtual
	// addresses not covered by a segment are translated to physical as
	// vaddr - PageOffset. Zero disables the translation.
	PageOffset snapshot.Address

	// Mmap maps the file into memory instead of issuing pread calls.
	// Only used by Open.
	Mmap bool
}

// Core is a snapshot.Accessor over an ELF vmcore.
//
// Core is safe for concurrent reads if the underlying io.ReaderAt is.
type Core struct {
	r      io.ReaderAt
	closer io.Closer

	machine    elf.Machine
	pageOffset snapshot.Address

	virt segments
	phys segments

	// physLo/physHi bound the captured RAM.
	physLo, physHi uint64
}

// Open opens a vmcore file from the local filesystem.
func Open(path string, opts Options) (*Core, error) {
	var (
		r      io.ReaderAt
		closer io.Closer
	)
	if opts.Mmap {
		m, err := mmapOpen(path)
		if err != nil {
			return nil, err
		}
		r, closer = m, m
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		r, closer = f, f
	}

	core, err := New(r, opts)
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	core.closer = closer
	return core, nil
}

// New parses the ELF headers available through r.
//
// The caller keeps ownership of r; Close on the returned Core is a no-op
// unless the Core was created by Open.
func New(r io.ReaderAt, opts Options) (*Core, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("parse ELF: %w", err)
	}

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("unsupported ELF class %s", f.Class)
	}
	if f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("unsupported ELF byte order %s", f.Data)
	}
	if f.Type != elf.ET_CORE {
		return nil, fmt.Errorf("not a core file (type %s)", f.Type)
	}

	core := &Core{
		r:          r,
		machine:    f.Machine,
		pageOffset: opts.PageOffset,
	}

	for _, p := range f.Progs {
		ph := p.ProgHeader
		if ph.Type != elf.PT_LOAD || ph.Memsz == 0 {
			continue
		}
		if ph.Memsz < ph.Filesz {
			return nil, fmt.Errorf("unexpected Memsz < Filesz at %#v", ph)
		}
		core.virt = append(core.virt, segment{addr: ph.Vaddr, off: ph.Off, filesz: ph.Filesz, memsz: ph.Memsz})
		core.phys = append(core.phys, segment{addr: ph.Paddr, off: ph.Off, filesz: ph.Filesz, memsz: ph.Memsz})
	}
	if len(core.phys) == 0 {
		return nil, errors.New("no PT_LOAD segments")
	}

	// Sort loadable memory segments by address.
	// They are sorted in kdump cores, but that's not guaranteed.
	sort.Sort(core.virt)
	sort.Sort(core.phys)
	core.virt = core.virt.dedupe().merge()
	core.phys = core.phys.dedupe().merge()
	core.physLo, core.physHi = core.phys.span()

	return core, nil
}

// Machine returns the ELF machine type of the vmcore.
func (c *Core) Machine() elf.Machine {
	return c.machine
}

// Segments returns the number of physical segments after merging.
func (c *Core) Segments() int {
	return len(c.phys)
}

// Close releases the underlying file when the Core owns it.
func (c *Core) Close() error {
	if c.closer == nil {
		return nil
	}
	err := c.closer.Close()
	c.closer = nil
	return err
}

// ReadPhysical implements snapshot.Accessor.
func (c *Core) ReadPhysical(addr snapshot.Address, buf []byte) error {
	return c.readPhys(snapshot.Physical, addr, uint64(addr), buf)
}

// ReadVirtual implements snapshot.Accessor.
//
// Addresses covered by a segment's Vaddr are served directly; everything else
// at or above PageOffset goes through the direct map.
func (c *Core) ReadVirtual(addr snapshot.Address, buf []byte) error {
	if _, ok := c.virt.find(uint64(addr)); ok {
		if err := c.readTable(c.virt, false, snapshot.Virtual, addr, uint64(addr), buf); err == nil {
			return nil
		}
	}
	if c.pageOffset == 0 || addr < c.pageOffset {
		return snapshot.Unreadable(snapshot.Virtual, addr, len(buf))
	}
	return c.readPhys(snapshot.Virtual, addr, uint64(addr-c.pageOffset), buf)
}

func (c *Core) readPhys(space snapshot.Space, orig snapshot.Address, phys uint64, buf []byte) error {
	return c.readTable(c.phys, true, space, orig, phys, buf)
}

// readTable fills buf from consecutive segments of ss starting at addr.
// When ram is set, gaps inside the captured RAM span are excluded pages.
func (c *Core) readTable(ss segments, ram bool, space snapshot.Space, orig snapshot.Address, addr uint64, buf []byte) error {
	total := len(buf)
	for len(buf) > 0 {
		s, ok := ss.find(addr)
		if !ok {
			if ram && addr >= c.physLo && addr < c.physHi {
				return snapshot.Excluded(space, orig, total)
			}
			return snapshot.Unreadable(space, orig, total)
		}

		rel := addr - s.addr
		n := s.memsz - rel
		if n > uint64(len(buf)) {
			n = uint64(len(buf))
		}
		chunk := buf[:n]

		if rel < s.filesz {
			fileN := s.filesz - rel
			if fileN > n {
				fileN = n
			}
			read, err := c.r.ReadAt(chunk[:fileN], int64(s.off+rel))
			if uint64(read) < fileN {
				if err == nil || errors.Is(err, io.EOF) {
					return snapshot.Unreadable(space, orig, total)
				}
				return &snapshot.ReadError{Space: space, Addr: orig, Length: total, Err: err}
			}
			clear(chunk[fileN:])
		} else {
			clear(chunk)
		}

		buf = buf[n:]
		addr += n
	}
	return nil
}
