package report

import (
	"bytes"
	"errors"
	"testing"

	"github.com/marmos91/cacheinspect/pkg/dcache"
	"github.com/marmos91/cacheinspect/pkg/kernel"
	"github.com/marmos91/cacheinspect/pkg/pagecache"
	"github.com/stretchr/testify/assert"
)

func TestTypeIndicator(t *testing.T) {
	tests := []struct {
		name string
		mode kernel.Mode
		want string
	}{
		{"regular", 0o100644, ""},
		{"executable", 0o100755, "*"},
		{"group executable", 0o100610, "*"},
		{"directory", 0o040755, "/"},
		{"symlink", 0o120777, "@"},
		{"fifo", 0o010644, "|"},
		{"socket", 0o140755, "="},
		{"block device", 0o060660, ""},
		{"zero", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TypeIndicator(tt.mode))
		})
	}
}

func TestListing(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)

	w.Listing(dcache.Listing{
		Path: "/etc",
		Self: dcache.ListEntry{Name: ".", Dentry: 0xffff888001000000, Inode: 0xffff888002000000, Mapping: 0xffff888002000100, Mode: 0o040755},
		Children: []dcache.ListEntry{
			{Name: "passwd", Dentry: 0xffff888001000200, Inode: 0xffff888002000400, Mapping: 0xffff888002000500, NrPages: 1, Percent: 100, Mode: 0o100644},
			{Name: "shadow", Dentry: 0xffff888001000400, Negative: true},
		},
	})

	want := "" +
		"DENTRY           INODE            I_MAPPING        NRPAGES   % PATH\n" +
		"ffff888001000000 ffff888002000000 ffff888002000100       0   0 ./\n" +
		"ffff888001000200 ffff888002000400 ffff888002000500       1 100 passwd\n" +
		"ffff888001000400 -                -                      -   - shadow\n"
	assert.Equal(t, want, buf.String())
	assert.NoError(t, w.Err())
}

func TestListEntry_Verbose(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	w.Verbose = true

	w.ListEntry(dcache.ListEntry{Name: "run.sh", Dentry: 1, Inode: 2, Mapping: 3, NrPages: 1, Percent: 50, Size: 5000, Mode: 0o100755})
	assert.Equal(t, ""+
		"1                2                3                      1  50 run.sh*\n"+
		"  i_mode:100755 i_size:5000 (2)\n", buf.String())
}

func TestFind(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)

	w.Record(dcache.Record{Dentry: 0xffff888001000000, Path: "/"})
	w.Record(dcache.Record{Dentry: 0xabc, Path: "/var/log"})
	assert.Equal(t, "ffff888001000000 /\n             abc /var/log\n", buf.String())
}

func TestCount(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)

	w.CountHeader()
	w.Count(dcache.Count{Path: "/etc", Total: 4, Positive: 3, Negative: 1})
	w.Count(dcache.Count{Path: "TOTAL", Total: 120, Positive: 100, Negative: 20})
	assert.Equal(t, ""+
		"  TOTAL DENTRY N_DENT PATH\n"+
		"      4      3      1 /etc\n"+
		"    120    100     20 TOTAL\n", buf.String())
}

func TestMounts(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)

	w.Mounts([]dcache.MountEntry{{Path: "/", Root: 0x20, Mount: 0x10}})
	assert.Equal(t, ""+
		"MOUNT            ROOT             PATH\n"+
		"10               20               /\n", buf.String())
}

func TestSummaries(t *testing.T) {
	assert.Empty(t, ExcludedSummary(pagecache.Stats{Total: 3, Written: 3}))
	assert.Equal(t, "2/5 pages excluded", ExcludedSummary(pagecache.Stats{Total: 5, Written: 3, Excluded: 2}))
	assert.Equal(t, "3/5 pages written", WrittenSummary(pagecache.Stats{Total: 5, Written: 3, Excluded: 2}))
}

type failingWriter struct {
	calls int
}

func (f *failingWriter) Write([]byte) (int, error) {
	f.calls++
	return 0, errors.New("broken pipe")
}

func TestWriter_StickyError(t *testing.T) {
	fw := &failingWriter{}
	w := New(fw)

	w.CountHeader()
	w.Count(dcache.Count{Path: "/"})
	w.Blank()
	assert.EqualError(t, w.Err(), "broken pipe")
	assert.Equal(t, 1, fw.calls)
}
