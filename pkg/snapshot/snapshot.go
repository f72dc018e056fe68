// Package snapshot defines the read-only view of a kernel memory image.
//
// Everything above this package (layout resolution, typed record readers,
// path resolution, page cache reconstruction) reaches the image only through
// the Accessor interface. Implementations live in sub-packages:
//
//   - memory: sparse in-memory image, used by tests and synthetic images
//   - elfcore: ELF vmcore files (local file, mmap, or any io.ReaderAt)
//   - s3: io.ReaderAt over an object stored in S3
//   - blockcache: block-aligned caching layer for slow io.ReaderAt sources
//
// A snapshot is immutable for its whole lifetime. Accessors therefore never
// need locking for correctness, but individual implementations may still
// document their own concurrency rules.
package snapshot

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

// Address identifies an object inside the snapshot.
//
// It is an opaque handle: it is compared, hashed and printed, but never
// dereferenced by Go code. All relationships between objects (parent/child,
// mount root, page owner) are expressed as Address-to-Address lookups through
// an Accessor.
type Address uint64

// String renders the address the way crash(8) prints kernel pointers.
func (a Address) String() string {
	return fmt.Sprintf("%x", uint64(a))
}

// Add returns a + off.
func (a Address) Add(off uint64) Address {
	return a + Address(off)
}

// IsNull reports whether a is the NULL pointer.
func (a Address) IsNull() bool {
	return a == 0
}

// ParseAddress parses a hexadecimal address with or without a 0x prefix.
func ParseAddress(s string) (Address, error) {
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	if s == "" {
		return 0, fmt.Errorf("empty address")
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return Address(v), nil
}

// Space names the address space a read is performed in.
type Space int

const (
	// Virtual is the kernel virtual address space (dentries, inodes, mounts).
	Virtual Space = iota

	// Physical is the physical address space (page cache contents).
	Physical
)

func (s Space) String() string {
	switch s {
	case Virtual:
		return "virtual"
	case Physical:
		return "physical"
	default:
		return "unknown"
	}
}

// Accessor reads raw bytes from a memory snapshot.
//
// Both methods fill buf completely or fail. A failing read returns a
// *ReadError wrapping ErrUnreadable or ErrExcluded so callers can tell a
// broken pointer from content that a dump filter deliberately stripped.
type Accessor interface {
	// ReadVirtual reads len(buf) bytes at kernel virtual address addr.
	ReadVirtual(addr Address, buf []byte) error

	// ReadPhysical reads len(buf) bytes at physical address addr.
	ReadPhysical(addr Address, buf []byte) error
}

// Read is a convenience that dispatches to the right Accessor method.
func Read(acc Accessor, space Space, addr Address, buf []byte) error {
	if space == Physical {
		return acc.ReadPhysical(addr, buf)
	}
	return acc.ReadVirtual(addr, buf)
}

// ReadPointer reads a little-endian 64-bit pointer at a virtual address.
func ReadPointer(acc Accessor, addr Address) (Address, error) {
	var buf [8]byte
	if err := acc.ReadVirtual(addr, buf[:]); err != nil {
		return 0, err
	}
	return Address(binary.LittleEndian.Uint64(buf[:])), nil
}

// ReadUint32 reads a little-endian 32-bit value at a virtual address.
func ReadUint32(acc Accessor, addr Address) (uint32, error) {
	var buf [4]byte
	if err := acc.ReadVirtual(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadUint64 reads a little-endian 64-bit value at a virtual address.
func ReadUint64(acc Accessor, addr Address) (uint64, error) {
	var buf [8]byte
	if err := acc.ReadVirtual(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
