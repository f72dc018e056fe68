// Package memory implements a sparse, in-memory snapshot image.
//
// The image stores physical memory as page frames and exposes kernel virtual
// memory through a linear direct map (virtual = pageOffset + physical), the
// same way x86-64 maps RAM at PAGE_OFFSET. Frames can be marked excluded to
// emulate a dump filter that stripped their contents.
//
// It is used by tests and by tooling that synthesizes images; it is not safe
// for concurrent mutation, but concurrent reads of a fully built image are
// fine.
package memory

import (
	"fmt"

	"github.com/marmos91/cacheinspect/pkg/snapshot"
)

// Image is a sparse physical memory image with a direct map.
type Image struct {
	pageSize   uint64
	pageOffset snapshot.Address

	// frames maps page frame numbers to their contents (pageSize bytes each).
	frames map[uint64][]byte

	// excluded holds frames whose content was stripped. An excluded frame
	// has no entry in frames.
	excluded map[uint64]struct{}
}

// New creates an empty image.
//
// pageSize must be a power of two. pageOffset is the virtual base of the
// direct map.
func New(pageSize uint64, pageOffset snapshot.Address) *Image {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		panic(fmt.Sprintf("memory: page size %d is not a power of two", pageSize))
	}
	return &Image{
		pageSize:   pageSize,
		pageOffset: pageOffset,
		frames:     make(map[uint64][]byte),
		excluded:   make(map[uint64]struct{}),
	}
}

// PageSize returns the frame size of the image.
func (m *Image) PageSize() uint64 {
	return m.pageSize
}

// DirectMap returns the kernel virtual address of a physical address.
func (m *Image) DirectMap(phys snapshot.Address) snapshot.Address {
	return m.pageOffset + phys
}

// Physical translates a direct-map virtual address back to physical.
func (m *Image) Physical(virt snapshot.Address) (snapshot.Address, bool) {
	if virt < m.pageOffset {
		return 0, false
	}
	return virt - m.pageOffset, true
}

// WritePhysical stores data at a physical address, allocating frames as
// needed. Writing into an excluded frame brings it back.
func (m *Image) WritePhysical(addr snapshot.Address, data []byte) {
	for len(data) > 0 {
		pfn := uint64(addr) / m.pageSize
		off := uint64(addr) % m.pageSize
		frame, ok := m.frames[pfn]
		if !ok {
			frame = make([]byte, m.pageSize)
			m.frames[pfn] = frame
			delete(m.excluded, pfn)
		}
		n := copy(frame[off:], data)
		data = data[n:]
		addr += snapshot.Address(n)
	}
}

// WriteVirtual stores data at a direct-map virtual address.
func (m *Image) WriteVirtual(addr snapshot.Address, data []byte) {
	phys, ok := m.Physical(addr)
	if !ok {
		panic(fmt.Sprintf("memory: %s is below the direct map", addr))
	}
	m.WritePhysical(phys, data)
}

// Exclude drops the frame containing addr and marks it as excluded.
func (m *Image) Exclude(phys snapshot.Address) {
	pfn := uint64(phys) / m.pageSize
	delete(m.frames, pfn)
	m.excluded[pfn] = struct{}{}
}

// Unmap drops the frame containing addr without marking it excluded, so
// reads fail with ErrUnreadable.
func (m *Image) Unmap(phys snapshot.Address) {
	pfn := uint64(phys) / m.pageSize
	delete(m.frames, pfn)
	delete(m.excluded, pfn)
}

// ReadPhysical implements snapshot.Accessor.
func (m *Image) ReadPhysical(addr snapshot.Address, buf []byte) error {
	return m.read(snapshot.Physical, addr, addr, buf)
}

// ReadVirtual implements snapshot.Accessor.
func (m *Image) ReadVirtual(addr snapshot.Address, buf []byte) error {
	phys, ok := m.Physical(addr)
	if !ok {
		return snapshot.Unreadable(snapshot.Virtual, addr, len(buf))
	}
	return m.read(snapshot.Virtual, addr, phys, buf)
}

func (m *Image) read(space snapshot.Space, orig, phys snapshot.Address, buf []byte) error {
	total := len(buf)
	for len(buf) > 0 {
		pfn := uint64(phys) / m.pageSize
		off := uint64(phys) % m.pageSize
		frame, ok := m.frames[pfn]
		if !ok {
			if _, gone := m.excluded[pfn]; gone {
				return snapshot.Excluded(space, orig, total)
			}
			return snapshot.Unreadable(space, orig, total)
		}
		n := copy(buf, frame[off:])
		buf = buf[n:]
		phys += snapshot.Address(n)
	}
	return nil
}
