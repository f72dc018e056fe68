// Package kernel reads typed kernel records out of a memory snapshot.
//
// A Reader combines a snapshot.Accessor with a resolved layout.Layout and
// exposes the handful of structures the engine needs: dentries and their
// names, inodes and their page cache counters, d_subdirs children lists, the
// page cache index (xarray or legacy radix tree), the mount table of a mount
// namespace and the task list used to select that namespace.
//
// Every list or tree walk is bounded: by the Limits of the Reader, by a
// visited set that detects cycles, or by the fixed height of the index.
//
// A Reader owns scratch buffers and is not safe for concurrent use.
package kernel

import (
	"bytes"
	"encoding/binary"

	"github.com/marmos91/cacheinspect/pkg/layout"
	"github.com/marmos91/cacheinspect/pkg/snapshot"
)

// NameMax is NAME_MAX, the longest dentry name.
const NameMax = 255

// UnknownName replaces a name that could not be read.
const UnknownName = "(unknown)"

// Limits bounds the walks performed by a Reader.
type Limits struct {
	// MaxChildren caps the entries read from one d_subdirs list.
	MaxChildren int

	// MaxMounts caps the entries read from mnt_namespace.list.
	MaxMounts int

	// MaxTasks caps the entries read from the task list.
	MaxTasks int
}

// DefaultLimits returns caps large enough for any sane kernel.
func DefaultLimits() Limits {
	return Limits{
		MaxChildren: 1 << 20,
		MaxMounts:   1 << 16,
		MaxTasks:    1 << 22,
	}
}

func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.MaxChildren <= 0 {
		l.MaxChildren = def.MaxChildren
	}
	if l.MaxMounts <= 0 {
		l.MaxMounts = def.MaxMounts
	}
	if l.MaxTasks <= 0 {
		l.MaxTasks = def.MaxTasks
	}
	return l
}

// Reader reads kernel records through an Accessor.
type Reader struct {
	acc    snapshot.Accessor
	layout *layout.Layout
	limits Limits

	// dentry fields are fetched with a single read covering [dLo, dHi)
	dLo, dHi uint64
	dentry   []byte

	name  []byte
	slots [][]byte
}

// NewReader creates a Reader. Zero limits take their defaults.
func NewReader(acc snapshot.Accessor, l *layout.Layout, limits Limits) *Reader {
	d := l.Dentry
	lo := min(d.Parent, d.NamePtr, d.Inode, d.Iname)
	hi := max(d.Parent+8, d.NamePtr+8, d.Inode+8, d.Iname+d.InameLen)

	return &Reader{
		acc:    acc,
		layout: l,
		limits: limits.withDefaults(),
		dLo:    lo,
		dHi:    hi,
		dentry: make([]byte, hi-lo),
		name:   make([]byte, NameMax+1),
	}
}

// Layout returns the layout the Reader was built with.
func (r *Reader) Layout() *layout.Layout {
	return r.layout
}

// Accessor returns the underlying snapshot accessor.
func (r *Reader) Accessor() snapshot.Accessor {
	return r.acc
}

// Limits returns the effective walk limits.
func (r *Reader) Limits() Limits {
	return r.limits
}

// ============================================================================
// Dentries
// ============================================================================

// Dentry is a directory entry as captured in the snapshot.
type Dentry struct {
	Addr   snapshot.Address
	Parent snapshot.Address

	// Inode is zero for a negative dentry.
	Inode snapshot.Address

	// NameAddr is d_name.name.
	NameAddr snapshot.Address

	inline []byte
}

// Negative reports whether the dentry has no inode.
func (d *Dentry) Negative() bool {
	return d.Inode.IsNull()
}

// IsRoot reports whether the dentry is the root of its filesystem.
func (d *Dentry) IsRoot() bool {
	return d.Parent == d.Addr
}

// Dentry reads the dentry at addr.
func (r *Reader) Dentry(addr snapshot.Address) (Dentry, error) {
	if err := r.acc.ReadVirtual(addr.Add(r.dLo), r.dentry); err != nil {
		return Dentry{}, err
	}
	l := r.layout.Dentry
	field := func(off uint64) snapshot.Address {
		return snapshot.Address(binary.LittleEndian.Uint64(r.dentry[off-r.dLo:]))
	}
	inline := r.dentry[l.Iname-r.dLo : l.Iname-r.dLo+l.InameLen]

	return Dentry{
		Addr:     addr,
		Parent:   field(l.Parent),
		Inode:    field(l.Inode),
		NameAddr: field(l.NamePtr),
		inline:   bytes.Clone(inline),
	}, nil
}

// Name returns the dentry's name, or UnknownName when it cannot be read.
//
// Short names are stored inline in d_iname and d_name.name points there;
// longer names live in a separate buffer of at most NameMax bytes.
func (r *Reader) Name(d Dentry) string {
	if d.NameAddr == d.Addr.Add(r.layout.Dentry.Iname) {
		return cstring(d.inline)
	}
	if d.NameAddr.IsNull() {
		return UnknownName
	}
	name, ok := r.readString(d.NameAddr)
	if !ok {
		return UnknownName
	}
	return name
}

// readString reads a NUL-terminated string of at most NameMax bytes. Reads
// stop at page boundaries so a short name next to an unreadable page is still
// returned.
func (r *Reader) readString(addr snapshot.Address) (string, bool) {
	pageSize := r.layout.PageSize
	buf := r.name[:0]
	for len(buf) < NameMax+1 {
		chunk := min(pageSize-uint64(addr)%pageSize, uint64(NameMax+1-len(buf)))
		part := r.name[len(buf) : len(buf)+int(chunk)]
		if err := r.acc.ReadVirtual(addr, part); err != nil {
			return "", false
		}
		buf = r.name[:len(buf)+int(chunk)]
		if i := bytes.IndexByte(part, 0); i >= 0 {
			return string(buf[:len(buf)-len(part)+i]), true
		}
		addr = addr.Add(chunk)
	}
	return string(buf[:NameMax]), true
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Children returns the dentries linked on dir's d_subdirs list, in list
// order. On a malformed list the entries read so far are returned together
// with a *ListError.
func (r *Reader) Children(dir snapshot.Address) ([]snapshot.Address, error) {
	l := r.layout.Dentry
	nodes, err := r.ListNodes(dir.Add(l.Subdirs), r.limits.MaxChildren)
	children := make([]snapshot.Address, len(nodes))
	for i, n := range nodes {
		children[i] = n - snapshot.Address(l.Child)
	}
	return children, err
}

// ============================================================================
// Inodes
// ============================================================================

// Mode is an inode's i_mode.
type Mode uint32

const (
	modeTypeMask = 0o170000
	modeDir      = 0o040000
	modeRegular  = 0o100000
	modeSymlink  = 0o120000
	modeFIFO     = 0o010000
	modeSocket   = 0o140000
	modeExec     = 0o111
)

func (m Mode) IsDir() bool     { return m&modeTypeMask == modeDir }
func (m Mode) IsRegular() bool { return m&modeTypeMask == modeRegular }
func (m Mode) IsSymlink() bool { return m&modeTypeMask == modeSymlink }
func (m Mode) IsFIFO() bool    { return m&modeTypeMask == modeFIFO }
func (m Mode) IsSocket() bool  { return m&modeTypeMask == modeSocket }

// Executable reports whether any execute bit is set.
func (m Mode) Executable() bool { return m&modeExec != 0 }

// Inode is the file object behind a positive dentry.
//
// NrPages is read from the mapping independently of Size; the two are never
// assumed to agree.
type Inode struct {
	Addr    snapshot.Address
	Mode    Mode
	Size    uint64
	Mapping snapshot.Address
	NrPages uint64
}

// Mode reads only i_mode.
func (r *Reader) Mode(addr snapshot.Address) (Mode, error) {
	l := r.layout.Inode
	var buf [4]byte
	b := buf[:l.ModeSize]
	if err := r.acc.ReadVirtual(addr.Add(l.Mode), b); err != nil {
		return 0, err
	}
	if l.ModeSize == 2 {
		return Mode(binary.LittleEndian.Uint16(b)), nil
	}
	return Mode(binary.LittleEndian.Uint32(b)), nil
}

// Inode reads the inode at addr and the nrpages counter of its mapping.
func (r *Reader) Inode(addr snapshot.Address) (Inode, error) {
	l := r.layout
	mode, err := r.Mode(addr)
	if err != nil {
		return Inode{}, err
	}
	size, err := snapshot.ReadUint64(r.acc, addr.Add(l.Inode.Size))
	if err != nil {
		return Inode{}, err
	}
	mapping, err := snapshot.ReadPointer(r.acc, addr.Add(l.Inode.Mapping))
	if err != nil {
		return Inode{}, err
	}

	inode := Inode{Addr: addr, Mode: mode, Size: size, Mapping: mapping}
	if !mapping.IsNull() {
		inode.NrPages, err = snapshot.ReadUint64(r.acc, mapping.Add(l.AddressSpace.NrPages))
		if err != nil {
			return Inode{}, err
		}
	}
	return inode, nil
}

// PagesFor returns the number of pages needed to hold size bytes.
func (r *Reader) PagesFor(size uint64) uint64 {
	ps := r.layout.PageSize
	n := size / ps
	if size%ps != 0 {
		n++
	}
	return n
}
