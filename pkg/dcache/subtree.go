package dcache

import (
	"context"
	"fmt"

	"github.com/marmos91/cacheinspect/pkg/kernel"
	"github.com/marmos91/cacheinspect/pkg/snapshot"
)

// Record is one entry emitted by a subtree walk.
type Record struct {
	Dentry snapshot.Address
	Inode  snapshot.Address
	Path   string
	Mode   kernel.Mode
	Depth  int

	// Negative is set for dentries without inode (only emitted with
	// WalkOptions.ShowNegative).
	Negative bool

	// MountCrossing is set when Dentry is the root of a filesystem mounted
	// at Path, visited in place of the mount point dentry it covers.
	MountCrossing bool
}

// Count is the per-directory tally of a counting walk.
type Count struct {
	Path     string
	Total    int
	Positive int
	Negative int
}

func (c *Count) add(o Count) {
	c.Total += o.Total
	c.Positive += o.Positive
	c.Negative += o.Negative
}

// WalkOptions configures Walk.
type WalkOptions struct {
	// ShowNegative emits negative dentries as records.
	ShowNegative bool

	// OnRecord receives every entry in depth-first preorder. It is not
	// called in counting mode.
	OnRecord func(Record) error

	// OnCount enables counting mode: it receives one Count per directory
	// with a non-empty children list, before that directory's subtree.
	OnCount func(Count) error

	// OnError receives subtrees that were abandoned. When nil they are
	// logged.
	OnError func(path string, err error)
}

// frame is one directory on the explicit walk stack.
type frame struct {
	path     string
	depth    int
	children []walkChild
	next     int
}

type walkChild struct {
	entry
	mode kernel.Mode
}

// Walk visits the subtree rooted at path in depth-first preorder.
//
// Children are visited in source list order. Before descending into a child
// directory the walk checks whether its path is itself a mount point and,
// if so, continues from the mounted filesystem's root with that root's own
// mode. Subtrees that cannot be read, are malformed or exceed the configured
// depth are reported through OnError and skipped; their siblings are still
// visited.
//
// In counting mode the returned Count holds the totals over every counted
// directory.
func (s *Session) Walk(ctx context.Context, path string, opts WalkOptions) (Count, error) {
	total := Count{Path: "TOTAL"}

	res, err := s.Resolve(path)
	if err != nil {
		return total, err
	}
	if res.Negative() {
		return total, res.NegativeError()
	}
	mode, err := s.r.Mode(res.Inode)
	if err != nil {
		return total, wrap(err, res.Path, res.Inode, "invalid inode")
	}

	w := &walk{s: s, opts: opts}
	if w.opts.OnError == nil {
		w.opts.OnError = func(p string, err error) {
			s.log.Warn("%s: %v", p, err)
		}
	}
	defer func() { s.opts.Metrics.RecordDentries("walk", w.visited) }()

	start := Record{
		Dentry:        res.Dentry,
		Inode:         res.Inode,
		Path:          res.Path,
		Mode:          mode,
		MountCrossing: res.Mount.Path == res.Path && res.Path != "/",
	}
	if err := w.emit(start); err != nil {
		return total, err
	}
	if !mode.IsDir() {
		return total, nil
	}

	stack := make([]*frame, 0, 16)
	if f, err := w.expand(res.Dentry, res.Path, 0, &total); err != nil {
		return total, err
	} else if f != nil {
		stack = append(stack, f)
	}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		f := stack[len(stack)-1]
		if f.next == len(f.children) {
			stack = stack[:len(stack)-1]
			continue
		}
		c := f.children[f.next]
		f.next++
		childPath := joinPath(f.path, c.name)

		if !c.mode.IsDir() {
			rec := Record{Dentry: c.dentry, Inode: c.inode, Path: childPath, Mode: c.mode, Depth: f.depth + 1, Negative: c.negative}
			if err := w.emit(rec); err != nil {
				return total, err
			}
			continue
		}

		rec, ok := w.enter(c, childPath, f.depth+1)
		if !ok {
			continue
		}
		if err := w.emit(rec); err != nil {
			return total, err
		}
		if rec.Depth >= s.opts.MaxDepth {
			w.opts.OnError(childPath, &Error{Code: ErrMalformed, Message: fmt.Sprintf("deeper than %d levels", s.opts.MaxDepth), Path: childPath})
			continue
		}
		next, err := w.expand(rec.Dentry, childPath, rec.Depth, &total)
		if err != nil {
			return total, err
		}
		if next != nil {
			stack = append(stack, next)
		}
	}
	return total, nil
}

type walk struct {
	s       *Session
	opts    WalkOptions
	visited int
}

func (w *walk) counting() bool {
	return w.opts.OnCount != nil
}

func (w *walk) emit(rec Record) error {
	if w.counting() || w.opts.OnRecord == nil {
		return nil
	}
	return w.opts.OnRecord(rec)
}

// enter resolves the directory a child path really leads to: the child
// itself, or the root of a filesystem mounted on it.
func (w *walk) enter(c walkChild, path string, depth int) (Record, bool) {
	s := w.s
	rec := Record{Dentry: c.dentry, Inode: c.inode, Path: path, Mode: c.mode, Depth: depth}

	m, _, err := s.ResolveMount(path, MatchExact)
	if err != nil {
		return rec, true
	}
	d, err := s.r.Dentry(m.Root)
	if err == nil && !d.Negative() {
		var mode kernel.Mode
		if mode, err = s.r.Mode(d.Inode); err == nil {
			rec.Dentry, rec.Inode, rec.Mode = m.Root, d.Inode, mode
			rec.MountCrossing = true
			return rec, true
		}
	}
	w.opts.OnError(path, &Error{Code: ErrUnreadable, Message: "invalid inode", Path: path, Addr: m.Root, Err: err})
	return rec, false
}

// expand reads the children of dir into a new frame. It returns a nil frame
// when the directory has nothing to visit. Errors from the callbacks are
// returned; read problems are reported through OnError.
func (w *walk) expand(dir snapshot.Address, path string, depth int, total *Count) (*frame, error) {
	s := w.s
	addrs, err := s.ListChildren(dir)
	if err != nil {
		e := err.(*Error)
		e.Path = path
		w.opts.OnError(path, e)
		return nil, nil
	}
	if len(addrs) == 0 {
		return nil, nil
	}

	tally := Count{Path: path, Total: len(addrs)}
	f := &frame{path: path, depth: depth, children: make([]walkChild, 0, len(addrs))}
	for _, a := range addrs {
		w.visited++
		e, ok := s.readEntry(a)
		var mode kernel.Mode
		if ok && !e.negative {
			if mode, err = s.r.Mode(e.inode); err != nil {
				e.negative = true
			}
		}
		if !ok || e.negative {
			tally.Negative++
			if w.counting() || !ok || !w.opts.ShowNegative {
				continue
			}
			mode = 0
		}
		f.children = append(f.children, walkChild{entry: e, mode: mode})
	}
	tally.Positive = tally.Total - tally.Negative

	if w.counting() {
		total.add(tally)
		if err := w.opts.OnCount(tally); err != nil {
			return nil, err
		}
	}
	return f, nil
}
