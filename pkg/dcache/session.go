// Package dcache resolves paths and walks directory trees through the dentry
// cache captured in a kernel memory snapshot.
//
// All operations hang off a Session, which is scoped to one command
// invocation: it owns the mount table snapshot of the selected mount
// namespace and must be closed when the command ends. A Session is not safe
// for concurrent use.
//
// Typical flow:
//
//	sess := dcache.NewSession(reader, ns.Addr, dcache.Options{})
//	defer sess.Close()
//
//	res, err := sess.Resolve("/var/log/messages")
//	if errors.Is(err, dcache.ErrMountNotFound) { ... }
//	if res.Negative() { ... }
package dcache

import (
	"github.com/google/uuid"

	"github.com/marmos91/cacheinspect/internal/logger"
	"github.com/marmos91/cacheinspect/pkg/kernel"
	"github.com/marmos91/cacheinspect/pkg/snapshot"
)

// DefaultMaxDepth bounds subtree walks when Options.MaxDepth is zero.
const DefaultMaxDepth = 4096

// Metrics provides observability for dentry cache operations.
//
// This is optional - sessions created without metrics use a no-op
// implementation.
type Metrics interface {
	// RecordDentries counts dentries read by an operation ("resolve",
	// "list", "walk").
	RecordDentries(op string, n int)

	// RecordMountTable records a mount table build.
	RecordMountTable(entries int, complete bool)
}

type noopMetrics struct{}

func (noopMetrics) RecordDentries(string, int) {}
func (noopMetrics) RecordMountTable(int, bool) {}

// Options configures a Session.
type Options struct {
	// MaxDepth bounds the directory nesting a subtree walk descends into.
	MaxDepth int

	// Metrics receives operation counters (optional).
	Metrics Metrics
}

// MountEntry is one row of the mount table: a mount point path and the root
// dentry of the filesystem mounted there. Paths may repeat.
type MountEntry struct {
	Path  string
	Root  snapshot.Address
	Mount snapshot.Address
}

// Session is the invocation-scoped context of every dcache operation.
type Session struct {
	id   string
	r    *kernel.Reader
	ns   snapshot.Address
	opts Options
	log  *logger.Scoped

	// mounts is valid when built is set and dirty is not. dirty is raised
	// while a build is in progress, so a build that never finished is
	// discarded instead of reused.
	mounts []MountEntry
	built  bool
	dirty  bool
	// complete is false when the last build skipped unreadable mounts.
	complete bool
}

// NewSession creates a Session over the mount namespace at ns.
func NewSession(r *kernel.Reader, ns snapshot.Address, opts Options) *Session {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	id := uuid.NewString()
	return &Session{
		id:   id,
		r:    r,
		ns:   ns,
		opts: opts,
		log:  logger.With("session", id),
	}
}

// ID returns the session identifier used in log lines.
func (s *Session) ID() string {
	return s.id
}

// Reader returns the kernel record reader of the session.
func (s *Session) Reader() *kernel.Reader {
	return s.r
}

// Namespace returns the mount namespace the session resolves paths in.
func (s *Session) Namespace() snapshot.Address {
	return s.ns
}

// Close releases the mount table. It is safe to call more than once.
func (s *Session) Close() error {
	s.mounts = nil
	s.built = false
	s.dirty = false
	return nil
}

// Mounts returns the mount table in namespace list order, building it on
// first use.
func (s *Session) Mounts() ([]MountEntry, error) {
	return s.mountTable()
}

// MountTableComplete reports whether every mount of the namespace could be
// read during the last build.
func (s *Session) MountTableComplete() bool {
	return s.complete
}

func (s *Session) mountTable() ([]MountEntry, error) {
	if s.built && !s.dirty {
		return s.mounts, nil
	}
	if s.dirty {
		s.log.Debug("discarding mount table left by an interrupted build")
	}

	s.dirty = true
	s.mounts = nil

	infos, err := s.r.EnumerateMounts(s.ns)
	if err != nil && len(infos) == 0 {
		s.dirty = false
		return nil, wrap(err, "", s.ns, "mount table unavailable")
	}
	if err != nil {
		s.log.Warn("mount table of namespace %s is incomplete (%d mounts read): %v", s.ns, len(infos), err)
	}

	mounts := make([]MountEntry, len(infos))
	for i, m := range infos {
		mounts[i] = MountEntry{Path: m.Path, Root: m.Root, Mount: m.Addr}
		s.log.Debug("mount %s root=%s path=%s", m.Addr, m.Root, m.Path)
	}

	s.mounts = mounts
	s.complete = err == nil
	s.built = true
	s.dirty = false
	s.opts.Metrics.RecordMountTable(len(mounts), s.complete)
	return mounts, nil
}
