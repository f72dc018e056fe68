package dcache

import (
	"strings"

	"github.com/marmos91/cacheinspect/pkg/snapshot"
)

// Resolution is the result of resolving an absolute path.
type Resolution struct {
	// Path is the normalized query
	Path string

	// Dentry is the resolved directory entry
	Dentry snapshot.Address

	// Inode is zero when Dentry is negative
	Inode snapshot.Address

	// Mount is the mount the resolved entry belongs to
	Mount MountEntry
}

// Negative reports whether the path resolved to a dentry without inode.
func (r Resolution) Negative() bool {
	return r.Inode.IsNull()
}

// NegativeError builds the error callers report for a negative resolution.
func (r Resolution) NegativeError() error {
	return &Error{Code: ErrNegative, Message: "negative dentry", Path: r.Path, Addr: r.Dentry}
}

// Resolve turns an absolute path into its dentry and inode.
//
// The path is normalized, the longest mount prefix is found, and the rest is
// matched one component at a time against the children of the current
// directory: names compare byte-exactly, the first match wins and unreadable
// children are skipped. After each descent an exact mount lookup on the path
// built so far switches to the root of a filesystem mounted there.
//
// A negative dentry is a successful resolution; see Resolution.Negative.
func (s *Session) Resolve(path string) (Resolution, error) {
	if !strings.HasPrefix(path, "/") {
		return Resolution{}, &Error{Code: ErrInvalidArgument, Message: "not an absolute path", Path: path}
	}
	path = NormalizePath(path)

	table, err := s.mountTable()
	if err != nil {
		return Resolution{}, err
	}
	mount, suffix, err := resolveMount(table, path, MatchPrefix)
	if err != nil {
		return Resolution{}, err
	}

	cur := mount.Root
	built := mount.Path
	visited := 0
	defer func() { s.opts.Metrics.RecordDentries("resolve", visited) }()

	if suffix != "" {
		for _, comp := range strings.Split(suffix, "/") {
			children, err := s.ListChildren(cur)
			if err != nil {
				s.log.Debug("resolving %s: %v", path, err)
			}

			next := snapshot.Address(0)
			for _, child := range children {
				visited++
				e, ok := s.readEntry(child)
				if ok && e.name == comp {
					next = child
					break
				}
			}
			if next.IsNull() {
				return Resolution{}, &Error{Code: ErrNotFound, Message: "not found in dentry cache", Path: path, Err: err}
			}

			cur = next
			built = joinPath(built, comp)
			// Guard only: the prefix lookup above already chose the deepest
			// mount, so no built path below it is an exact mount point.
			if m, _, err := resolveMount(table, built, MatchExact); err == nil && m.Root != cur {
				s.log.Debug("crossing into mount %s at %s", m.Mount, built)
				cur = m.Root
				mount = m
			}
		}
	}

	d, err := s.r.Dentry(cur)
	if err != nil {
		return Resolution{}, wrap(err, path, cur, "dentry unreadable")
	}
	return Resolution{Path: path, Dentry: cur, Inode: d.Inode, Mount: mount}, nil
}

// joinPath appends name to dir with a single separator; the root joins with
// none.
func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}
