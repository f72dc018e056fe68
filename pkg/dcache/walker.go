package dcache

import (
	"github.com/marmos91/cacheinspect/pkg/snapshot"
)

// ListChildren returns the child dentries of dir in source list order.
//
// An unreadable list head yields no children and an ErrUnreadable error. A
// list that breaks later (unreadable link, revisited node, iteration cap)
// yields the children read so far and an ErrMalformed error; callers may use
// the partial list.
func (s *Session) ListChildren(dir snapshot.Address) ([]snapshot.Address, error) {
	children, err := s.r.Children(dir)
	if err != nil {
		e := wrap(err, "", dir, "cannot read children")
		if e.Code == ErrMalformed {
			e.Message = "children list is malformed"
		}
		return children, e
	}
	return children, nil
}

// entry is a child dentry with its name and, for positive dentries that
// could be read, its mode.
type entry struct {
	dentry   snapshot.Address
	inode    snapshot.Address
	name     string
	negative bool
}

// readEntry reads a child dentry and its name. ok is false when the dentry
// itself is unreadable.
func (s *Session) readEntry(addr snapshot.Address) (entry, bool) {
	d, err := s.r.Dentry(addr)
	if err != nil {
		s.log.Debug("skipping unreadable dentry %s: %v", addr, err)
		return entry{}, false
	}
	return entry{
		dentry:   addr,
		inode:    d.Inode,
		name:     s.r.Name(d),
		negative: d.Negative(),
	}, true
}
