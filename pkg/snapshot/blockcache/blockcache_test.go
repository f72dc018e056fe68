package blockcache

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingSource records every ReadAt issued against it.
type countingSource struct {
	mu    sync.Mutex
	data  []byte
	reads []int64
	fail  bool
}

func (s *countingSource) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	s.reads = append(s.reads, off)
	s.mu.Unlock()
	if s.fail {
		return 0, errors.New("backend down")
	}
	return bytes.NewReader(s.data).ReadAt(p, off)
}

type countingMetrics struct {
	hits, misses int
}

func (m *countingMetrics) RecordHit(string)       { m.hits++ }
func (m *countingMetrics) RecordMiss(string, int) { m.misses++ }

func testData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestReader_ServesFromCache(t *testing.T) {
	src := &countingSource{data: testData(10_000)}
	m := &countingMetrics{}
	r, err := New(src, int64(len(src.data)), NewMemoryStore(0), Config{SourceID: "t", BlockSize: 4096, Metrics: m})
	require.NoError(t, err)

	buf := make([]byte, 100)
	for i := 0; i < 3; i++ {
		n, err := r.ReadAt(buf, 4090)
		require.NoError(t, err)
		assert.Equal(t, 100, n)
		assert.Equal(t, src.data[4090:4190], buf)
	}

	assert.Equal(t, []int64{0, 4096}, src.reads, "each block fetched once")
	assert.Equal(t, 2, m.misses)
	assert.Equal(t, 4, m.hits)
}

func TestReader_Tail(t *testing.T) {
	src := &countingSource{data: testData(5000)}
	r, err := New(src, int64(len(src.data)), NewMemoryStore(0), Config{BlockSize: 4096})
	require.NoError(t, err)

	buf := make([]byte, 1000)
	n, err := r.ReadAt(buf, 4500)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 500, n)
	assert.Equal(t, src.data[4500:], buf[:n])

	n, err = r.ReadAt(buf, 5000)
	assert.Equal(t, io.EOF, err)
	assert.Zero(t, n)
}

func TestReader_SourceError(t *testing.T) {
	src := &countingSource{data: testData(100), fail: true}
	r, err := New(src, 100, NewMemoryStore(0), Config{BlockSize: 64})
	require.NoError(t, err)

	_, err = r.ReadAt(make([]byte, 8), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend down")
}

func TestNew_Validation(t *testing.T) {
	src := &countingSource{}
	_, err := New(nil, 0, NewMemoryStore(0), Config{})
	assert.Error(t, err)
	_, err = New(src, 0, nil, Config{})
	assert.Error(t, err)
	_, err = New(src, 0, NewMemoryStore(0), Config{BlockSize: 1000})
	assert.Error(t, err)
}

func TestMemoryStore_EvictsLeastRecentlyUsed(t *testing.T) {
	s := NewMemoryStore(200)
	k := func(off int64) BlockKey { return BlockKey{Source: "s", Offset: off} }

	require.NoError(t, s.Put(k(0), make([]byte, 100)))
	require.NoError(t, s.Put(k(1), make([]byte, 100)))

	// Touch block 0 so block 1 becomes the eviction candidate.
	_, ok, _ := s.Get(k(0))
	require.True(t, ok)

	require.NoError(t, s.Put(k(2), make([]byte, 100)))

	_, ok, _ = s.Get(k(1))
	assert.False(t, ok)
	_, ok, _ = s.Get(k(0))
	assert.True(t, ok)
	_, ok, _ = s.Get(k(2))
	assert.True(t, ok)

	blocks, used := s.Stats()
	assert.Equal(t, 2, blocks)
	assert.Equal(t, int64(200), used)

	require.NoError(t, s.Close())
	blocks, used = s.Stats()
	assert.Zero(t, blocks)
	assert.Zero(t, used)
}

func TestBadgerStore_Persists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	key := BlockKey{Source: "s3://crash/vmcore@5000", Offset: 4096}
	data := testData(904)

	s, err := NewBadgerStore(BadgerStoreConfig{DBPath: dir})
	require.NoError(t, err)

	_, ok, err := s.Get(key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(key, data))
	require.NoError(t, s.Close())

	s, err = NewBadgerStore(BadgerStoreConfig{DBPath: dir})
	require.NoError(t, err)
	defer s.Close()

	got, ok, err := s.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, data, got)

	_, ok, err = s.Get(BlockKey{Source: "other", Offset: 4096})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBadgerStore_RequiresPath(t *testing.T) {
	_, err := NewBadgerStore(BadgerStoreConfig{})
	require.Error(t, err)
}

func TestBlockRecord_ChecksumMismatchIsMiss(t *testing.T) {
	key := BlockKey{Source: "s", Offset: 0}
	val, err := encodeBlock(key, []byte("page contents"))
	require.NoError(t, err)

	got, ok, err := decodeBlock(key, val)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("page contents"), got)

	// Flip a byte of the payload (the opaque data trails the fixed header).
	corrupt := append([]byte(nil), val...)
	corrupt[len(corrupt)-4] ^= 0xff
	_, ok, err = decodeBlock(key, corrupt)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = decodeBlock(BlockKey{Source: "s", Offset: 4096}, val)
	require.NoError(t, err)
	assert.False(t, ok)
}
