// Package kerneltest builds synthetic kernel memory images for tests.
//
// A Builder lays out dentries, inodes, page cache indexes, mounts, mount
// namespaces and tasks inside a memory.Image using DefaultLayout, so the
// engine can be exercised end to end without a real vmcore. Objects live in
// the direct map; page contents live in their own frames addressed through a
// synthetic vmemmap.
//
// Children are linked at the tail of d_subdirs, so the source order seen by
// walkers is the order in which the test created them.
package kerneltest

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/marmos91/cacheinspect/pkg/layout"
	"github.com/marmos91/cacheinspect/pkg/snapshot"
	"github.com/marmos91/cacheinspect/pkg/snapshot/memory"
)

const (
	PageSize       = 4096
	PageOffset     = snapshot.Address(0xffff888000000000)
	VmemmapBase    = snapshot.Address(0xffffea0000000000)
	PageStructSize = 64
	InitTask       = snapshot.Address(0xffff888000010000)

	// Unmapped is a direct-map address no builder ever writes.
	Unmapped = snapshot.Address(0xffff8880ff000000)
)

// Mode bits used by the builder.
const (
	ModeDir     = 0o040000 | 0o755
	ModeFile    = 0o100000 | 0o644
	ModeExec    = 0o100000 | 0o755
	ModeSymlink = 0o120000 | 0o777
	ModeFIFO    = 0o010000 | 0o644
	ModeSocket  = 0o140000 | 0o755
)

// DefaultLayout describes the record offsets the builder writes.
const DefaultLayout = `
page_size: 4096
page_offset: 0xffff888000000000
vmemmap_base: 0xffffea0000000000
xarray:
  format: xarray
  chunk_shift: 6
symbols:
  init_task: 0xffff888000010000
records:
  page:
    size: 64
  dentry:
    size: 192
    fields:
      d_parent: 24
      d_name.name: 40
      d_inode: 48
      d_iname: {offset: 56, size: 32}
      d_child: 144
      d_subdirs: 160
  inode:
    size: 128
    fields:
      i_mode: {offset: 0, size: 2}
      i_mapping: 48
      i_size: 80
  address_space:
    size: 128
    fields:
      i_pages: 8
      nrpages: 88
  xarray:
    fields:
      xa_head: 8
  xa_node:
    size: 552
    fields:
      shift: 0
      slots: 40
  radix_tree_root:
    fields:
      rnode: 8
  radix_tree_node:
    fields:
      shift: 0
      slots: 40
  mount:
    size: 160
    fields:
      mnt_parent: 16
      mnt_mountpoint: 24
      mnt: 32
      mnt_list: 96
  vfsmount:
    fields:
      mnt_root: 0
  mnt_namespace:
    size: 128
    fields:
      list: 16
      mounts: 72
  task_struct:
    size: 1600
    fields:
      tasks: 1000
      pid: 1200
      nsproxy: 1500
  nsproxy:
    size: 64
    fields:
      mnt_ns: 24
`

const (
	dentrySize    = 192
	inodeSize     = 128
	mappingSize   = 128
	mountSize     = 160
	namespaceSize = 128
	taskSize      = 1600
	nsproxySize   = 64
	chunkShift    = 6
	chunkSize     = 1 << chunkShift
	nodeSize      = 40 + chunkSize*8

	objectBase = 0x100000
	dataBase   = 0x8000000
)

// Option configures a Builder.
type Option func(*Builder)

// WithRadix makes the builder emit legacy radix_tree page cache indexes.
func WithRadix() Option {
	return func(b *Builder) {
		b.Spec.XArray.Format = "radix"
	}
}

// Builder assembles a synthetic image. It is not safe for concurrent use.
type Builder struct {
	Image  *memory.Image
	Spec   *layout.Spec
	Layout *layout.Layout

	nextObject uint64
	nextPFN    uint64
}

// New creates a builder holding only init_task (pid 0, no nsproxy).
func New(opts ...Option) *Builder {
	spec, err := layout.Parse([]byte(DefaultLayout))
	if err != nil {
		panic(fmt.Sprintf("kerneltest: default layout: %v", err))
	}
	b := &Builder{
		Image:      memory.New(PageSize, PageOffset),
		Spec:       spec,
		nextObject: objectBase,
		nextPFN:    dataBase / PageSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.Layout, err = layout.Resolve(spec)
	if err != nil {
		panic(fmt.Sprintf("kerneltest: resolve layout: %v", err))
	}

	l := b.Layout
	b.Image.WriteVirtual(InitTask, make([]byte, taskSize))
	b.initList(InitTask.Add(l.Task.Tasks))
	return b
}

// Accessor returns the image as a snapshot.Accessor.
func (b *Builder) Accessor() snapshot.Accessor {
	return b.Image
}

// ============================================================================
// Low-level helpers
// ============================================================================

func (b *Builder) alloc(size uint64) snapshot.Address {
	size = (size + 63) &^ 63
	phys := b.nextObject
	b.nextObject += size
	if b.nextObject >= dataBase {
		panic("kerneltest: object region exhausted")
	}
	addr := b.Image.DirectMap(snapshot.Address(phys))
	b.Image.WriteVirtual(addr, make([]byte, size))
	return addr
}

// PutPointer writes a 64-bit little-endian value at a virtual address.
func (b *Builder) PutPointer(addr, v snapshot.Address) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	b.Image.WriteVirtual(addr, buf[:])
}

func (b *Builder) putUint32(addr snapshot.Address, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	b.Image.WriteVirtual(addr, buf[:])
}

func (b *Builder) putUint16(addr snapshot.Address, v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	b.Image.WriteVirtual(addr, buf[:])
}

func (b *Builder) pointer(addr snapshot.Address) snapshot.Address {
	v, err := snapshot.ReadPointer(b.Image, addr)
	if err != nil {
		panic(fmt.Sprintf("kerneltest: %v", err))
	}
	return v
}

func (b *Builder) initList(head snapshot.Address) {
	b.PutPointer(head, head)
	b.PutPointer(head.Add(8), head)
}

func (b *Builder) listAddTail(head, node snapshot.Address) {
	prev := b.pointer(head.Add(8))
	b.PutPointer(node, head)
	b.PutPointer(node.Add(8), prev)
	b.PutPointer(prev, node)
	b.PutPointer(head.Add(8), node)
}

// ============================================================================
// Dentries and inodes
// ============================================================================

// Root creates a filesystem root: a directory dentry that is its own parent.
func (b *Builder) Root() snapshot.Address {
	d := b.dentry(0, "/", b.inode(ModeDir, 0, nil))
	b.PutPointer(d.Add(b.Layout.Dentry.Parent), d)
	return d
}

// Dir creates a directory under parent.
func (b *Builder) Dir(parent snapshot.Address, name string) snapshot.Address {
	return b.dentry(parent, name, b.inode(ModeDir, 0, nil))
}

// Node creates a childless entry with an arbitrary mode (symlink, fifo...).
func (b *Builder) Node(parent snapshot.Address, name string, mode uint32) snapshot.Address {
	return b.dentry(parent, name, b.inode(mode, 0, nil))
}

// Negative creates a negative dentry (no inode) under parent.
func (b *Builder) Negative(parent snapshot.Address, name string) snapshot.Address {
	return b.dentry(parent, name, 0)
}

// File describes a regular file and its page cache.
type File struct {
	// Mode defaults to ModeFile.
	Mode uint32

	// Size is i_size.
	Size uint64

	// Pages maps page indices to contents. Short contents are zero padded.
	Pages map[uint64][]byte

	// Excluded lists page indices whose frames exist in the index but whose
	// contents were stripped from the image.
	Excluded []uint64

	// Shadow lists page indices holding value (shadow) entries.
	Shadow []uint64

	// Foreign lists page indices whose slot holds a pointer outside the
	// vmemmap.
	Foreign []uint64

	// Folios maps a head index to the contents of a large folio spanning
	// len(data)/PageSize pages. The page count must be a power of two below
	// the chunk size and the head index aligned to it.
	Folios map[uint64][]byte

	// NrPages overrides the computed nrpages when non-zero.
	NrPages uint64
}

// FileRef locates the objects created for a File.
type FileRef struct {
	Dentry  snapshot.Address
	Inode   snapshot.Address
	Mapping snapshot.Address
}

// File creates a regular file under parent.
func (b *Builder) File(parent snapshot.Address, name string, f File) FileRef {
	mode := f.Mode
	if mode == 0 {
		mode = ModeFile
	}
	inode := b.inode(mode, f.Size, &f)
	d := b.dentry(parent, name, inode)
	return FileRef{
		Dentry:  d,
		Inode:   inode,
		Mapping: b.pointer(inode.Add(b.Layout.Inode.Mapping)),
	}
}

func (b *Builder) inode(mode uint32, size uint64, f *File) snapshot.Address {
	l := b.Layout
	inode := b.alloc(inodeSize)
	mapping := b.alloc(mappingSize)

	b.putUint16(inode.Add(l.Inode.Mode), uint16(mode))
	b.PutPointer(inode.Add(l.Inode.Mapping), mapping)
	b.PutPointer(inode.Add(l.Inode.Size), snapshot.Address(size))

	var nrpages uint64
	if f != nil {
		entries := b.pageEntries(f)
		nrpages = uint64(len(f.Pages) + len(f.Excluded) + len(f.Foreign))
		for _, data := range f.Folios {
			nrpages += uint64(len(data)) / PageSize
		}
		if f.NrPages != 0 {
			nrpages = f.NrPages
		}
		b.PutPointer(mapping.Add(l.AddressSpace.Pages+l.Node.Head), b.buildIndex(entries))
	}
	b.PutPointer(mapping.Add(l.AddressSpace.NrPages), snapshot.Address(nrpages))
	return inode
}

func (b *Builder) dentry(parent snapshot.Address, name string, inode snapshot.Address) snapshot.Address {
	l := b.Layout.Dentry
	d := b.alloc(dentrySize)

	b.initList(d.Add(l.Subdirs))
	b.PutPointer(d.Add(l.Inode), inode)

	if uint64(len(name)) < l.InameLen {
		b.Image.WriteVirtual(d.Add(l.Iname), append([]byte(name), 0))
		b.PutPointer(d.Add(l.NamePtr), d.Add(l.Iname))
	} else {
		ext := b.alloc(uint64(len(name)) + 1)
		b.Image.WriteVirtual(ext, append([]byte(name), 0))
		b.PutPointer(d.Add(l.NamePtr), ext)
	}

	if parent != 0 {
		b.PutPointer(d.Add(l.Parent), parent)
		b.listAddTail(parent.Add(l.Subdirs), d.Add(l.Child))
	}
	return d
}

// BreakName points the dentry's name at unreadable memory.
func (b *Builder) BreakName(d snapshot.Address) {
	b.PutPointer(d.Add(b.Layout.Dentry.NamePtr), Unmapped)
}

// SetInode replaces the dentry's inode pointer.
func (b *Builder) SetInode(d, inode snapshot.Address) {
	b.PutPointer(d.Add(b.Layout.Dentry.Inode), inode)
}

// BreakChildren makes the link after the dentry's last child point at
// unreadable memory.
func (b *Builder) BreakChildren(dir snapshot.Address) {
	head := dir.Add(b.Layout.Dentry.Subdirs)
	last := b.pointer(head.Add(8))
	b.PutPointer(last, Unmapped)
}

// LoopChildren makes the dentry's last child link back to its first child,
// so the list never returns to its head.
func (b *Builder) LoopChildren(dir snapshot.Address) {
	head := dir.Add(b.Layout.Dentry.Subdirs)
	first := b.pointer(head)
	last := b.pointer(head.Add(8))
	b.PutPointer(last, first)
}

// SetIndexShift overwrites the shift byte of the top node of mapping's page
// cache index. The index must have at least one node.
func (b *Builder) SetIndexShift(mapping snapshot.Address, shift byte) {
	head := b.pointer(mapping.Add(b.Layout.AddressSpace.Pages + b.Layout.Node.Head))
	node := head &^ 3
	b.Image.WriteVirtual(node.Add(b.Layout.Node.Shift), []byte{shift})
}

// ============================================================================
// Page cache index
// ============================================================================

// PagePointer returns the struct page address of a page frame number.
func PagePointer(pfn uint64) snapshot.Address {
	return VmemmapBase.Add(pfn * PageStructSize)
}

func (b *Builder) dataPages(data []byte, n uint64, exclude bool) uint64 {
	pfn := b.nextPFN
	b.nextPFN += n
	buf := make([]byte, n*PageSize)
	copy(buf, data)
	phys := snapshot.Address(pfn * PageSize)
	b.Image.WritePhysical(phys, buf)
	if exclude {
		for i := uint64(0); i < n; i++ {
			b.Image.Exclude(phys.Add(i * PageSize))
		}
	}
	return pfn
}

// pageEntries computes the raw slot value for every populated index.
func (b *Builder) pageEntries(f *File) map[uint64]uint64 {
	radix := b.Layout.Format == layout.FormatRadix
	entries := make(map[uint64]uint64)

	for idx, data := range f.Pages {
		entries[idx] = uint64(PagePointer(b.dataPages(data, 1, false)))
	}
	for _, idx := range f.Excluded {
		entries[idx] = uint64(PagePointer(b.dataPages(nil, 1, true)))
	}
	for _, idx := range f.Shadow {
		if radix {
			entries[idx] = idx<<2 | 2
		} else {
			entries[idx] = idx<<1 | 1
		}
	}
	for _, idx := range f.Foreign {
		entries[idx] = uint64(b.alloc(64))
	}
	for head, data := range f.Folios {
		n := uint64(len(data)) / PageSize
		if radix || n < 2 || n >= chunkSize || n&(n-1) != 0 || head%n != 0 {
			panic(fmt.Sprintf("kerneltest: unsupported folio at %d (%d pages)", head, n))
		}
		entries[head] = uint64(PagePointer(b.dataPages(data, n, false)))
		for i := uint64(1); i < n; i++ {
			// xa_mk_sibling(offset of the head slot)
			entries[head+i] = (head%chunkSize)<<2 | 2
		}
	}
	return entries
}

func (b *Builder) nodeTag() uint64 {
	if b.Layout.Format == layout.FormatRadix {
		return 1
	}
	return 2
}

// buildIndex writes interior nodes for entries and returns the head value.
func (b *Builder) buildIndex(entries map[uint64]uint64) snapshot.Address {
	if len(entries) == 0 {
		return 0
	}
	indices := make([]uint64, 0, len(entries))
	for idx := range entries {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	maxIndex := indices[len(indices)-1]
	if maxIndex == 0 {
		return snapshot.Address(entries[0])
	}
	var shift uint
	for maxIndex>>shift >= chunkSize {
		shift += chunkShift
	}
	node := b.buildNode(shift, 0, entries)
	return snapshot.Address(uint64(node) | b.nodeTag())
}

func (b *Builder) buildNode(shift uint, base uint64, entries map[uint64]uint64) snapshot.Address {
	l := b.Layout.Node
	node := b.alloc(nodeSize)
	b.Image.WriteVirtual(node.Add(l.Shift), []byte{byte(shift)})

	span := uint64(1) << shift
	for i := uint64(0); i < chunkSize; i++ {
		lo := base + i*span
		var value uint64
		if shift == 0 {
			value = entries[lo]
		} else if hasEntries(entries, lo, lo+span) {
			child := b.buildNode(shift-chunkShift, lo, entries)
			value = uint64(child) | b.nodeTag()
		}
		if value != 0 {
			b.PutPointer(node.Add(l.Slots+i*8), snapshot.Address(value))
		}
	}
	return node
}

func hasEntries(entries map[uint64]uint64, lo, hi uint64) bool {
	for idx := range entries {
		if idx >= lo && idx < hi {
			return true
		}
	}
	return false
}

// ============================================================================
// Mounts, namespaces and tasks
// ============================================================================

// Namespace creates an empty mount namespace.
func (b *Builder) Namespace() snapshot.Address {
	ns := b.alloc(namespaceSize)
	b.initList(ns.Add(b.Layout.Namespace.List))
	return ns
}

// RootMount adds the namespace's root mount (its own parent).
func (b *Builder) RootMount(ns, root snapshot.Address) snapshot.Address {
	m := b.alloc(mountSize)
	b.fillMount(ns, m, m, root, root)
	return m
}

// Mount adds a mount of root on the mountpoint dentry inside parent.
func (b *Builder) Mount(ns, parent, mountpoint, root snapshot.Address) snapshot.Address {
	m := b.alloc(mountSize)
	b.fillMount(ns, m, parent, mountpoint, root)
	return m
}

func (b *Builder) fillMount(ns, m, parent, mountpoint, root snapshot.Address) {
	l := b.Layout
	b.PutPointer(m.Add(l.Mount.Parent), parent)
	b.PutPointer(m.Add(l.Mount.Mountpoint), mountpoint)
	b.PutPointer(m.Add(l.Mount.Mnt+l.Mount.Root), root)
	b.listAddTail(ns.Add(l.Namespace.List), m.Add(l.Mount.List))

	counter := ns.Add(l.Namespace.Mounts)
	n, err := snapshot.ReadUint32(b.Image, counter)
	if err != nil {
		panic(fmt.Sprintf("kerneltest: %v", err))
	}
	b.putUint32(counter, n+1)
}

// SetMountCount overwrites the namespace's mount counter.
func (b *Builder) SetMountCount(ns snapshot.Address, n uint32) {
	b.putUint32(ns.Add(b.Layout.Namespace.Mounts), n)
}

// Task adds a task with the given pid. A zero ns leaves nsproxy NULL.
func (b *Builder) Task(pid int32, ns snapshot.Address) snapshot.Address {
	l := b.Layout.Task
	task := b.alloc(taskSize)
	b.putUint32(task.Add(l.Pid), uint32(pid))
	b.listAddTail(InitTask.Add(l.Tasks), task.Add(l.Tasks))
	b.AttachNamespace(task, ns)
	return task
}

// AttachNamespace gives task an nsproxy pointing at ns.
func (b *Builder) AttachNamespace(task, ns snapshot.Address) {
	l := b.Layout.Task
	if ns == 0 {
		b.PutPointer(task.Add(l.Nsproxy), 0)
		return
	}
	proxy := b.alloc(nsproxySize)
	b.PutPointer(proxy.Add(l.MntNs), ns)
	b.PutPointer(task.Add(l.Nsproxy), proxy)
}
