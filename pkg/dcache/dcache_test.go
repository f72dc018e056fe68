package dcache

import (
	"context"
	"errors"
	"testing"

	"github.com/marmos91/cacheinspect/pkg/kernel"
	"github.com/marmos91/cacheinspect/pkg/kernel/kerneltest"
	"github.com/marmos91/cacheinspect/pkg/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixture is the tree
//
//	/            (root fs)
//	├── var
//	│   └── log                 <- covered by a second filesystem
//	│       └── messages        (shadowed)
//	└── etc
//	    ├── passwd
//	    ├── shadow              (negative)
//	    ├── localtime           (symlink)
//	    └── run.sh              (executable)
//
// with the filesystem mounted on /var/log holding messages and journal/.
type fixture struct {
	b *kerneltest.Builder

	root, varDir, logDir, etc snapshot.Address
	shadowed, passwd          kerneltest.FileRef
	negative                  snapshot.Address

	logRoot, journal snapshot.Address
	messages         kerneltest.FileRef

	ns, top, logMount snapshot.Address
}

func newFixture() *fixture {
	b := kerneltest.New()
	f := &fixture{b: b}

	f.root = b.Root()
	f.varDir = b.Dir(f.root, "var")
	f.logDir = b.Dir(f.varDir, "log")
	f.shadowed = b.File(f.logDir, "messages", kerneltest.File{Size: 8, Pages: map[uint64][]byte{0: []byte("shadowed")}})
	f.etc = b.Dir(f.root, "etc")
	f.passwd = b.File(f.etc, "passwd", kerneltest.File{
		Size:  2*kerneltest.PageSize + 10,
		Pages: map[uint64][]byte{0: []byte("root:x:0:0")},
	})
	f.negative = b.Negative(f.etc, "shadow")
	b.Node(f.etc, "localtime", kerneltest.ModeSymlink)
	b.File(f.etc, "run.sh", kerneltest.File{Mode: kerneltest.ModeExec, Size: 20, Pages: map[uint64][]byte{0: []byte("#!/bin/sh")}})

	f.logRoot = b.Root()
	f.messages = b.File(f.logRoot, "messages", kerneltest.File{Size: 6, Pages: map[uint64][]byte{0: []byte("hello\n")}})
	f.journal = b.Dir(f.logRoot, "journal")

	f.ns = b.Namespace()
	f.top = b.RootMount(f.ns, f.root)
	f.logMount = b.Mount(f.ns, f.top, f.logDir, f.logRoot)
	b.Task(1, f.ns)
	return f
}

func (f *fixture) session(t *testing.T, opts Options) *Session {
	t.Helper()
	r := kernel.NewReader(f.b.Accessor(), f.b.Layout, kernel.Limits{})
	ns, err := r.ResolveNamespace("")
	require.NoError(t, err)
	s := NewSession(r, ns.Addr, opts)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type countingMetrics struct {
	dentries map[string]int
	builds   int
	complete bool
}

func (m *countingMetrics) RecordDentries(op string, n int) {
	if m.dentries == nil {
		m.dentries = make(map[string]int)
	}
	m.dentries[op] += n
}

func (m *countingMetrics) RecordMountTable(_ int, complete bool) {
	m.builds++
	m.complete = complete
}

// ============================================================================
// Path normalization and mount resolution
// ============================================================================

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/", "/"},
		{"//", "/"},
		{"///", "/"},
		{"/var//log", "/var/log"},
		{"/var/log/", "/var/log"},
		{"//var///log//", "/var/log"},
		{"", ""},
		{"var", "var"},
		{"var/", "var"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := NormalizePath(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, NormalizePath(got), "idempotent")
		})
	}
}

func TestResolveMount_LastMatchWins(t *testing.T) {
	table := []MountEntry{
		{Path: "/", Root: 0x10},
		{Path: "/var", Root: 0x20},
		{Path: "/data", Root: 0x30},
		{Path: "/var", Root: 0x40},
		{Path: "/", Root: 0x50},
	}

	tests := []struct {
		name       string
		path       string
		mode       MatchMode
		wantRoot   snapshot.Address
		wantSuffix string
		wantErr    bool
	}{
		{"later duplicate wins", "/var/log/messages", MatchPrefix, 0x40, "log/messages", false},
		{"exact duplicate", "/var", MatchPrefix, 0x40, "", false},
		{"root duplicate", "/etc/passwd", MatchPrefix, 0x50, "etc/passwd", false},
		{"single component trims to root", "/etc", MatchPrefix, 0x50, "etc", false},
		{"root itself", "/", MatchPrefix, 0x50, "", false},
		{"exact hit", "/data", MatchExact, 0x30, "", false},
		{"exact never trims", "/data/x", MatchExact, 0, "", true},
		{"empty path", "", MatchPrefix, 0, "", true},
		{"relative path", "var", MatchPrefix, 0, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, suffix, err := resolveMount(table, tt.path, tt.mode)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMountNotFound)
				assert.Contains(t, err.Error(), "mount point not found")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRoot, m.Root)
			assert.Equal(t, tt.wantSuffix, suffix)
		})
	}
}

func TestResolveMount_NoRootMount(t *testing.T) {
	table := []MountEntry{{Path: "/srv", Root: 0x10}}
	_, _, err := resolveMount(table, "/etc/passwd", MatchPrefix)
	assert.ErrorIs(t, err, ErrMountNotFound)
}

func TestSession_MountTable(t *testing.T) {
	f := newFixture()
	m := &countingMetrics{}
	s := f.session(t, Options{Metrics: m})

	mounts, err := s.Mounts()
	require.NoError(t, err)
	require.Len(t, mounts, 2)
	assert.Equal(t, MountEntry{Path: "/", Root: f.root, Mount: f.top}, mounts[0])
	assert.Equal(t, MountEntry{Path: "/var/log", Root: f.logRoot, Mount: f.logMount}, mounts[1])
	assert.True(t, s.MountTableComplete())
	assert.NotEmpty(t, s.ID())

	_, err = s.Mounts()
	require.NoError(t, err)
	assert.Equal(t, 1, m.builds, "table is built once per session")

	s.dirty = true
	_, err = s.Mounts()
	require.NoError(t, err)
	assert.Equal(t, 2, m.builds, "an interrupted build is discarded")

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.Mounts()
	require.NoError(t, err)
	assert.Equal(t, 3, m.builds)
}

func TestSession_MountTableUnavailable(t *testing.T) {
	f := newFixture()
	r := kernel.NewReader(f.b.Accessor(), f.b.Layout, kernel.Limits{})
	s := NewSession(r, kerneltest.Unmapped, Options{})

	_, err := s.Resolve("/etc")
	assert.ErrorIs(t, err, ErrUnreadable)
}

// ============================================================================
// Resolution
// ============================================================================

func TestResolve(t *testing.T) {
	f := newFixture()
	s := f.session(t, Options{})

	tests := []struct {
		name       string
		path       string
		wantDentry snapshot.Address
		wantMount  string
		negative   bool
	}{
		{"root", "/", f.root, "/", false},
		{"directory", "/etc", f.etc, "/", false},
		{"file", "/etc/passwd", f.passwd.Dentry, "/", false},
		{"trailing slash", "/etc/", f.etc, "/", false},
		{"consecutive slashes", "//etc///passwd", f.passwd.Dentry, "/", false},
		{"mount shadows directory", "/var/log/messages", f.messages.Dentry, "/var/log", false},
		{"mount point itself", "/var/log", f.logRoot, "/var/log", false},
		{"doubled slashes across mount", "/var//log//messages", f.messages.Dentry, "/var/log", false},
		{"negative dentry", "/etc/shadow", f.negative, "/", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Resolve(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDentry, res.Dentry)
			assert.Equal(t, tt.wantMount, res.Mount.Path)
			assert.Equal(t, tt.negative, res.Negative())
			if tt.negative {
				assert.ErrorIs(t, res.NegativeError(), ErrNegative)
			}
		})
	}
}

func TestResolve_Errors(t *testing.T) {
	f := newFixture()
	s := f.session(t, Options{})

	tests := []struct {
		name string
		path string
		code ErrorCode
		msg  string
	}{
		{"missing component", "/etc/nope", ErrNotFound, "/etc/nope: not found in dentry cache"},
		{"missing below file", "/etc/passwd/x", ErrNotFound, "not found in dentry cache"},
		{"below negative", "/etc/shadow/x", ErrNotFound, "not found in dentry cache"},
		{"relative", "etc/passwd", ErrInvalidArgument, "not an absolute path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Resolve(tt.path)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.code)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestResolve_SkipsUnreadableNames(t *testing.T) {
	f := newFixture()
	broken := f.b.Dir(f.root, "broken")
	f.b.BreakName(broken)
	late := f.b.Dir(f.root, "late")
	s := f.session(t, Options{})

	res, err := s.Resolve("/late")
	require.NoError(t, err)
	assert.Equal(t, late, res.Dentry)
}

func TestResolve_FirstMatchWins(t *testing.T) {
	f := newFixture()
	first := f.b.Dir(f.root, "dup")
	f.b.Dir(f.root, "dup")
	s := f.session(t, Options{})

	res, err := s.Resolve("/dup")
	require.NoError(t, err)
	assert.Equal(t, first, res.Dentry)
}

func TestListChildren_Errors(t *testing.T) {
	f := newFixture()
	loop := f.b.Dir(f.root, "loop")
	a := f.b.Dir(loop, "a")
	f.b.Dir(loop, "b")
	f.b.LoopChildren(loop)
	s := f.session(t, Options{})

	children, err := s.ListChildren(loop)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.ErrorIs(t, err, kernel.ErrListCycle)
	assert.Len(t, children, 2)
	assert.Equal(t, a, children[0])

	children, err = s.ListChildren(kerneltest.Unmapped)
	assert.ErrorIs(t, err, ErrUnreadable)
	assert.Empty(t, children)

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, kerneltest.Unmapped, e.Addr)
}

// ============================================================================
// Listing
// ============================================================================

func names(entries []ListEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func TestList(t *testing.T) {
	f := newFixture()
	s := f.session(t, Options{})

	tests := []struct {
		name string
		opts ListOptions
		want []string
	}{
		{"sorted", ListOptions{}, []string{"localtime", "passwd", "run.sh"}},
		{"unsorted keeps source order", ListOptions{Unsorted: true}, []string{"passwd", "localtime", "run.sh"}},
		{"negative sorted", ListOptions{ShowNegative: true}, []string{"localtime", "passwd", "run.sh", "shadow"}},
		{"negative unsorted", ListOptions{ShowNegative: true, Unsorted: true}, []string{"passwd", "shadow", "localtime", "run.sh"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := s.List("/etc", tt.opts)
			require.NoError(t, err)
			assert.Equal(t, ".", l.Self.Name)
			assert.True(t, l.Self.Mode.IsDir())
			assert.Equal(t, tt.want, names(l.Children))
			assert.NoError(t, l.Err)
		})
	}
}

func TestList_Entries(t *testing.T) {
	f := newFixture()
	s := f.session(t, Options{})

	l, err := s.List("/etc", ListOptions{ShowNegative: true})
	require.NoError(t, err)

	byName := map[string]ListEntry{}
	for _, e := range l.Children {
		byName[e.Name] = e
	}

	passwd := byName["passwd"]
	assert.Equal(t, f.passwd.Dentry, passwd.Dentry)
	assert.Equal(t, f.passwd.Inode, passwd.Inode)
	assert.Equal(t, f.passwd.Mapping, passwd.Mapping)
	assert.Equal(t, uint64(1), passwd.NrPages)
	assert.Equal(t, uint64(33), passwd.Percent, "1 of 3 pages")

	shadow := byName["shadow"]
	assert.True(t, shadow.Negative)
	assert.Equal(t, f.negative, shadow.Dentry)

	assert.True(t, byName["localtime"].Mode.IsSymlink())
	assert.True(t, byName["run.sh"].Mode.Executable())
}

func TestList_SelfOnly(t *testing.T) {
	f := newFixture()
	s := f.session(t, Options{})

	l, err := s.List("/etc", ListOptions{DirsOnly: true})
	require.NoError(t, err)
	assert.Equal(t, "/etc", l.Self.Name)
	assert.Empty(t, l.Children)

	l, err = s.List("/var/log/messages", ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, "/var/log/messages", l.Self.Name)
	assert.Equal(t, f.messages.Inode, l.Self.Inode)
	assert.Equal(t, uint64(100), l.Self.Percent)

	_, err = s.List("/etc/shadow", ListOptions{})
	assert.ErrorIs(t, err, ErrNegative)
	assert.Contains(t, err.Error(), "/etc/shadow: negative dentry")
}

func TestList_MountedDirectory(t *testing.T) {
	f := newFixture()
	s := f.session(t, Options{})

	l, err := s.List("/var/log", ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"journal", "messages"}, names(l.Children))
	assert.Equal(t, f.logRoot, l.Self.Dentry)
}

// ============================================================================
// Subtree walks
// ============================================================================

func collect(t *testing.T, s *Session, path string, opts WalkOptions) ([]Record, Count) {
	t.Helper()
	var recs []Record
	opts.OnRecord = func(r Record) error {
		recs = append(recs, r)
		return nil
	}
	total, err := s.Walk(context.Background(), path, opts)
	require.NoError(t, err)
	return recs, total
}

func paths(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Path
	}
	return out
}

func TestWalk_PreorderAcrossMounts(t *testing.T) {
	f := newFixture()
	m := &countingMetrics{}
	s := f.session(t, Options{Metrics: m})

	recs, _ := collect(t, s, "/", WalkOptions{})
	assert.Equal(t, []string{
		"/",
		"/var",
		"/var/log",
		"/var/log/messages",
		"/var/log/journal",
		"/etc",
		"/etc/passwd",
		"/etc/localtime",
		"/etc/run.sh",
	}, paths(recs))

	logRec := recs[2]
	assert.True(t, logRec.MountCrossing)
	assert.Equal(t, f.logRoot, logRec.Dentry, "mounted root replaces the covered dentry")
	assert.Equal(t, f.messages.Dentry, recs[3].Dentry, "entries come from the mounted filesystem")
	assert.Equal(t, 3, recs[3].Depth)
	assert.False(t, recs[1].MountCrossing)
	assert.Positive(t, m.dentries["walk"])
}

func TestWalk_Negative(t *testing.T) {
	f := newFixture()
	s := f.session(t, Options{})

	recs, _ := collect(t, s, "/etc", WalkOptions{ShowNegative: true})
	assert.Equal(t, []string{"/etc", "/etc/passwd", "/etc/shadow", "/etc/localtime", "/etc/run.sh"}, paths(recs))
	assert.True(t, recs[2].Negative)
	assert.Equal(t, f.negative, recs[2].Dentry)
}

func TestWalk_StartingAtMountPoint(t *testing.T) {
	f := newFixture()
	s := f.session(t, Options{})

	recs, _ := collect(t, s, "/var/log/", WalkOptions{})
	assert.Equal(t, []string{"/var/log", "/var/log/messages", "/var/log/journal"}, paths(recs))
	assert.True(t, recs[0].MountCrossing)
}

func TestWalk_File(t *testing.T) {
	f := newFixture()
	s := f.session(t, Options{})

	recs, _ := collect(t, s, "/etc/passwd", WalkOptions{})
	require.Len(t, recs, 1)
	assert.Equal(t, f.passwd.Dentry, recs[0].Dentry)
}

func TestWalk_Count(t *testing.T) {
	f := newFixture()
	s := f.session(t, Options{})

	var counts []Count
	recs, total := collect(t, s, "/", WalkOptions{OnCount: func(c Count) error {
		counts = append(counts, c)
		return nil
	}})
	assert.Empty(t, recs, "counting mode emits no records")
	assert.Equal(t, []Count{
		{Path: "/", Total: 2, Positive: 2},
		{Path: "/var", Total: 1, Positive: 1},
		{Path: "/var/log", Total: 2, Positive: 2},
		{Path: "/etc", Total: 4, Positive: 3, Negative: 1},
	}, counts)
	assert.Equal(t, Count{Path: "TOTAL", Total: 9, Positive: 8, Negative: 1}, total)
}

func TestWalk_MalformedSubtreeDoesNotAbortSiblings(t *testing.T) {
	f := newFixture()
	bad := f.b.Dir(f.root, "bad")
	f.b.Dir(bad, "x")
	f.b.Dir(bad, "y")
	f.b.LoopChildren(bad)
	f.b.Dir(f.root, "after")
	s := f.session(t, Options{})

	var failed []string
	recs, _ := collect(t, s, "/", WalkOptions{OnError: func(p string, err error) {
		assert.ErrorIs(t, err, ErrMalformed)
		failed = append(failed, p)
	}})
	assert.Equal(t, []string{"/bad"}, failed)
	assert.Contains(t, paths(recs), "/bad")
	assert.Contains(t, paths(recs), "/after")
	assert.NotContains(t, paths(recs), "/bad/x")
}

func TestWalk_MaxDepth(t *testing.T) {
	f := newFixture()
	s := f.session(t, Options{MaxDepth: 1})

	var failed []string
	recs, _ := collect(t, s, "/", WalkOptions{OnError: func(p string, _ error) {
		failed = append(failed, p)
	}})
	assert.Equal(t, []string{"/", "/var", "/etc"}, paths(recs))
	assert.Equal(t, []string{"/var", "/etc"}, failed)
}

func TestWalk_Errors(t *testing.T) {
	f := newFixture()
	s := f.session(t, Options{})

	_, err := s.Walk(context.Background(), "/etc/shadow", WalkOptions{})
	assert.ErrorIs(t, err, ErrNegative)

	_, err = s.Walk(context.Background(), "/nope", WalkOptions{})
	assert.ErrorIs(t, err, ErrNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Walk(ctx, "/", WalkOptions{})
	assert.ErrorIs(t, err, context.Canceled)

	stop := errors.New("stop")
	_, err = s.Walk(context.Background(), "/", WalkOptions{OnRecord: func(Record) error { return stop }})
	assert.ErrorIs(t, err, stop)
}
