package layout

import (
	"fmt"
	"sort"
	"strings"

	"github.com/marmos91/cacheinspect/pkg/snapshot"
)

// DefaultChunkShift is XA_CHUNK_SHIFT on kernels built without
// CONFIG_BASE_SMALL.
const DefaultChunkShift = 6

// IndexFormat identifies the page cache index data structure.
type IndexFormat int

const (
	// FormatXArray is struct xarray (Linux 4.20 and later)
	FormatXArray IndexFormat = iota

	// FormatRadix is struct radix_tree_root (before 4.20)
	FormatRadix
)

func (f IndexFormat) String() string {
	if f == FormatRadix {
		return "radix"
	}
	return "xarray"
}

// Dentry holds struct dentry offsets.
type Dentry struct {
	Parent   uint64 // d_parent
	NamePtr  uint64 // d_name.name
	Inode    uint64 // d_inode
	Iname    uint64 // d_iname
	InameLen uint64 // sizeof(d_iname), DNAME_INLINE_LEN
	Subdirs  uint64 // d_subdirs (list head of children)
	Child    uint64 // d_child (link in the parent's d_subdirs)
}

// Inode holds struct inode offsets.
type Inode struct {
	Mode     uint64 // i_mode
	ModeSize uint64 // 2 on all mainstream kernels
	Size     uint64 // i_size
	Mapping  uint64 // i_mapping
}

// AddressSpace holds struct address_space offsets.
type AddressSpace struct {
	Pages   uint64 // i_pages (struct xarray / radix_tree_root)
	NrPages uint64 // nrpages
}

// Node holds the offsets of an index root and its interior nodes.
type Node struct {
	Head  uint64 // xa_head / rnode inside the root
	Shift uint64 // xa_node.shift / radix_tree_node.shift
	Slots uint64 // xa_node.slots / radix_tree_node.slots
}

// Mount holds struct mount / struct vfsmount offsets.
type Mount struct {
	Parent     uint64 // mnt_parent
	Mountpoint uint64 // mnt_mountpoint
	Mnt        uint64 // mnt (embedded struct vfsmount)
	List       uint64 // mnt_list
	Root       uint64 // vfsmount.mnt_root
}

// Namespace holds struct mnt_namespace offsets.
type Namespace struct {
	List   uint64 // list
	Mounts uint64 // mounts (count)

	// HasMounts is false when the layout does not describe the counter.
	HasMounts bool
}

// Task holds struct task_struct and struct nsproxy offsets.
type Task struct {
	Tasks   uint64 // tasks
	Pid     uint64 // pid
	Nsproxy uint64 // nsproxy
	MntNs   uint64 // nsproxy.mnt_ns
}

// Layout is a resolved layout. All offsets are in bytes.
type Layout struct {
	PageSize       uint64
	PageOffset     snapshot.Address
	VmemmapBase    snapshot.Address
	PageStructSize uint64

	Format     IndexFormat
	ChunkShift uint

	InitTask snapshot.Address

	Dentry       Dentry
	Inode        Inode
	AddressSpace AddressSpace
	Node         Node
	Mount        Mount
	Namespace    Namespace
	Task         Task
}

// MissingFieldsError lists every required entry absent from a layout.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("layout: missing required fields: %s", strings.Join(e.Fields, ", "))
}

// resolver collects lookups so all missing fields are reported at once.
type resolver struct {
	spec    *Spec
	missing []string
}

func (r *resolver) record(name string) (Record, bool) {
	rec, ok := r.spec.Records[name]
	return rec, ok
}

func (r *resolver) offset(rec, field string) uint64 {
	f, ok := r.field(rec, field)
	if !ok {
		r.missing = append(r.missing, rec+"."+field)
		return 0
	}
	return uint64(f.Offset)
}

func (r *resolver) field(rec, field string) (Field, bool) {
	record, ok := r.record(rec)
	if !ok {
		return Field{}, false
	}
	f, ok := record.Fields[field]
	return f, ok
}

func (r *resolver) size(rec, field string, def uint64) uint64 {
	f, ok := r.field(rec, field)
	if !ok || f.Size == 0 {
		return def
	}
	return uint64(f.Size)
}

func (r *resolver) recordSize(rec string) uint64 {
	record, ok := r.record(rec)
	if !ok || record.Size == 0 {
		r.missing = append(r.missing, rec+".size")
		return 0
	}
	return uint64(record.Size)
}

func (r *resolver) symbol(name string) snapshot.Address {
	v, ok := r.spec.Symbols[name]
	if !ok || v == 0 {
		r.missing = append(r.missing, "symbols."+name)
		return 0
	}
	return snapshot.Address(v)
}

// Resolve validates that every field the engine reads is present and returns
// the flattened Layout.
func Resolve(spec *Spec) (*Layout, error) {
	r := &resolver{spec: spec}

	l := &Layout{
		PageSize:    uint64(spec.PageSize),
		PageOffset:  snapshot.Address(spec.PageOffset),
		VmemmapBase: snapshot.Address(spec.VmemmapBase),
		ChunkShift:  spec.XArray.ChunkShift,
	}
	if l.ChunkShift == 0 {
		l.ChunkShift = DefaultChunkShift
	}
	if spec.XArray.Format == "radix" {
		l.Format = FormatRadix
	}

	l.PageStructSize = r.recordSize("page")
	l.InitTask = r.symbol("init_task")

	l.Dentry = Dentry{
		Parent:   r.offset("dentry", "d_parent"),
		NamePtr:  r.offset("dentry", "d_name.name"),
		Inode:    r.offset("dentry", "d_inode"),
		Iname:    r.offset("dentry", "d_iname"),
		InameLen: r.size("dentry", "d_iname", 32),
		Subdirs:  r.offset("dentry", "d_subdirs"),
		Child:    r.offset("dentry", "d_child"),
	}

	l.Inode = Inode{
		Mode:     r.offset("inode", "i_mode"),
		ModeSize: r.size("inode", "i_mode", 2),
		Size:     r.offset("inode", "i_size"),
		Mapping:  r.offset("inode", "i_mapping"),
	}
	if l.Inode.ModeSize != 2 && l.Inode.ModeSize != 4 {
		return nil, fmt.Errorf("layout: inode.i_mode size must be 2 or 4, got %d", l.Inode.ModeSize)
	}

	l.AddressSpace = AddressSpace{
		Pages:   r.offset("address_space", "i_pages"),
		NrPages: r.offset("address_space", "nrpages"),
	}

	rootRec, nodeRec, headField := "xarray", "xa_node", "xa_head"
	if l.Format == FormatRadix {
		rootRec, nodeRec, headField = "radix_tree_root", "radix_tree_node", "rnode"
	}
	l.Node = Node{
		Head:  r.offset(rootRec, headField),
		Shift: r.offset(nodeRec, "shift"),
		Slots: r.offset(nodeRec, "slots"),
	}

	l.Mount = Mount{
		Parent:     r.offset("mount", "mnt_parent"),
		Mountpoint: r.offset("mount", "mnt_mountpoint"),
		Mnt:        r.offset("mount", "mnt"),
		List:       r.offset("mount", "mnt_list"),
		Root:       r.offset("vfsmount", "mnt_root"),
	}

	l.Namespace.List = r.offset("mnt_namespace", "list")
	if f, ok := r.field("mnt_namespace", "mounts"); ok {
		l.Namespace.Mounts = uint64(f.Offset)
		l.Namespace.HasMounts = true
	}

	l.Task = Task{
		Tasks:   r.offset("task_struct", "tasks"),
		Pid:     r.offset("task_struct", "pid"),
		Nsproxy: r.offset("task_struct", "nsproxy"),
		MntNs:   r.offset("nsproxy", "mnt_ns"),
	}

	if len(r.missing) > 0 {
		sort.Strings(r.missing)
		return nil, &MissingFieldsError{Fields: r.missing}
	}
	return l, nil
}

// Describe renders the resolved offsets one per line, for debug logging.
func (l *Layout) Describe() []string {
	return []string{
		fmt.Sprintf("page: size=%d struct=%d page_offset=%s vmemmap=%s", l.PageSize, l.PageStructSize, l.PageOffset, l.VmemmapBase),
		fmt.Sprintf("index: format=%s chunk_shift=%d head=%d shift=%d slots=%d", l.Format, l.ChunkShift, l.Node.Head, l.Node.Shift, l.Node.Slots),
		fmt.Sprintf("dentry: d_parent=%d d_name.name=%d d_inode=%d d_iname=%d/%d d_subdirs=%d d_child=%d",
			l.Dentry.Parent, l.Dentry.NamePtr, l.Dentry.Inode, l.Dentry.Iname, l.Dentry.InameLen, l.Dentry.Subdirs, l.Dentry.Child),
		fmt.Sprintf("inode: i_mode=%d/%d i_size=%d i_mapping=%d", l.Inode.Mode, l.Inode.ModeSize, l.Inode.Size, l.Inode.Mapping),
		fmt.Sprintf("address_space: i_pages=%d nrpages=%d", l.AddressSpace.Pages, l.AddressSpace.NrPages),
		fmt.Sprintf("mount: mnt_parent=%d mnt_mountpoint=%d mnt=%d mnt_list=%d mnt_root=%d",
			l.Mount.Parent, l.Mount.Mountpoint, l.Mount.Mnt, l.Mount.List, l.Mount.Root),
		fmt.Sprintf("mnt_namespace: list=%d mounts=%d (known=%v)", l.Namespace.List, l.Namespace.Mounts, l.Namespace.HasMounts),
		fmt.Sprintf("task: tasks=%d pid=%d nsproxy=%d mnt_ns=%d init_task=%s", l.Task.Tasks, l.Task.Pid, l.Task.Nsproxy, l.Task.MntNs, l.InitTask),
	}
}
