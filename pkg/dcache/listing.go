package dcache

import (
	"slices"
	"strings"

	"github.com/marmos91/cacheinspect/pkg/kernel"
	"github.com/marmos91/cacheinspect/pkg/snapshot"
)

// ListEntry describes one dentry of a listing together with its inode.
type ListEntry struct {
	Name    string
	Dentry  snapshot.Address
	Inode   snapshot.Address
	Mapping snapshot.Address
	NrPages uint64
	Size    uint64
	Mode    kernel.Mode

	// Percent is nrpages relative to the pages needed for Size. It can
	// exceed 100 when the snapshot caught a file mid-truncate.
	Percent uint64

	// Negative is set when the dentry has no readable inode.
	Negative bool
}

// ListOptions configures List.
type ListOptions struct {
	// ShowNegative includes negative children.
	ShowNegative bool

	// DirsOnly lists a directory itself instead of its contents.
	DirsOnly bool

	// Unsorted keeps children in source list order instead of sorting them
	// by name.
	Unsorted bool
}

// Listing is the result of List.
type Listing struct {
	Path string

	// Self describes the path itself. Its Name is "." when the children of
	// a directory follow, and the path otherwise.
	Self ListEntry

	Children []ListEntry

	// Err reports a children list that could only be read partially.
	Err error
}

// List describes a single path and, for a directory, its immediate
// children.
func (s *Session) List(path string, opts ListOptions) (Listing, error) {
	res, err := s.Resolve(path)
	if err != nil {
		return Listing{}, err
	}
	if res.Negative() {
		return Listing{}, res.NegativeError()
	}
	inode, err := s.r.Inode(res.Inode)
	if err != nil {
		return Listing{}, wrap(err, res.Path, res.Inode, "invalid inode")
	}

	listing := Listing{Path: res.Path}
	listing.Self = s.listEntry(res.Path, res.Dentry, inode)
	if opts.DirsOnly || !inode.Mode.IsDir() {
		return listing, nil
	}
	listing.Self.Name = "."

	addrs, err := s.ListChildren(res.Dentry)
	if err != nil {
		listing.Err = err
	}
	s.opts.Metrics.RecordDentries("list", len(addrs))

	for _, a := range addrs {
		e, ok := s.readEntry(a)
		if !ok {
			continue
		}
		if !e.negative {
			if child, err := s.r.Inode(e.inode); err == nil {
				listing.Children = append(listing.Children, s.listEntry(e.name, a, child))
				continue
			}
		}
		if opts.ShowNegative {
			listing.Children = append(listing.Children, ListEntry{Name: e.name, Dentry: a, Negative: true})
		}
	}

	if !opts.Unsorted {
		slices.SortStableFunc(listing.Children, func(a, b ListEntry) int {
			return strings.Compare(a.Name, b.Name)
		})
	}
	return listing, nil
}

func (s *Session) listEntry(name string, dentry snapshot.Address, inode kernel.Inode) ListEntry {
	e := ListEntry{
		Name:    name,
		Dentry:  dentry,
		Inode:   inode.Addr,
		Mapping: inode.Mapping,
		NrPages: inode.NrPages,
		Size:    inode.Size,
		Mode:    inode.Mode,
	}
	if pages := s.r.PagesFor(inode.Size); pages > 0 {
		e.Percent = inode.NrPages * 100 / pages
	}
	return e
}
