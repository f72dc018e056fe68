//go:build integration

package badger_test

import (
	"bytes"
	"io"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/marmos91/cacheinspect/pkg/snapshot/blockcache"
)

// countingSource counts reads that reach the backing source.
type countingSource struct {
	r     *bytes.Reader
	reads atomic.Int64
}

func (c *countingSource) ReadAt(p []byte, off int64) (int, error) {
	c.reads.Add(1)
	return c.r.ReadAt(p, off)
}

// TestBadgerBlockCache_Integration runs integration tests for the BadgerDB
// block cache.
//
// Prerequisites:
//   - None (BadgerDB is embedded, no external services needed)
//   - Run with: go test -tags=integration ./test/integration/badger/...
//
// These tests verify that the BadgerDB block cache:
//   - Can be created and reopened
//   - Persists blocks across restarts
//   - Serves a reopened snapshot without touching the source
func TestBadgerBlockCache_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "blocks.db")

	data := make([]byte, 100_000)
	for i := range data {
		data[i] = byte(i % 253)
	}
	const blockSize = 8192

	// ========================================================================
	// Test: store and fetch a block
	// ========================================================================

	t.Run("PutAndGet", func(t *testing.T) {
		store, err := blockcache.NewBadgerStore(blockcache.BadgerStoreConfig{DBPath: dbPath})
		if err != nil {
			t.Fatalf("Failed to create BadgerStore: %v", err)
		}
		defer store.Close()

		key := blockcache.BlockKey{Source: "direct", Offset: 0}
		if err := store.Put(key, []byte("block")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		got, ok, err := store.Get(key)
		if err != nil || !ok {
			t.Fatalf("Get failed: ok=%t err=%v", ok, err)
		}
		if string(got) != "block" {
			t.Errorf("Expected %q, got %q", "block", got)
		}

		if _, ok, _ := store.Get(blockcache.BlockKey{Source: "direct", Offset: blockSize}); ok {
			t.Errorf("Expected miss for a block never stored")
		}
	})

	// ========================================================================
	// Test: populate the cache through a Reader
	// ========================================================================

	t.Run("ReadThrough", func(t *testing.T) {
		store, err := blockcache.NewBadgerStore(blockcache.BadgerStoreConfig{DBPath: dbPath})
		if err != nil {
			t.Fatalf("Failed to open BadgerStore: %v", err)
		}
		defer store.Close()

		src := &countingSource{r: bytes.NewReader(data)}
		r, err := blockcache.New(src, int64(len(data)), store, blockcache.Config{
			SourceID:  "vmcore@100000",
			BlockSize: blockSize,
			StoreName: "badger",
		})
		if err != nil {
			t.Fatalf("Failed to create Reader: %v", err)
		}

		got := make([]byte, len(data))
		if _, err := r.ReadAt(got, 0); err != nil {
			t.Fatalf("ReadAt failed: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("Read content does not match source")
		}
		if src.reads.Load() == 0 {
			t.Errorf("Expected the source to be read on a cold cache")
		}
	})

	// ========================================================================
	// Test: reopen and verify persistence
	// ========================================================================

	t.Run("PersistenceAcrossRestart", func(t *testing.T) {
		store, err := blockcache.NewBadgerStore(blockcache.BadgerStoreConfig{DBPath: dbPath})
		if err != nil {
			t.Fatalf("Failed to reopen BadgerStore: %v", err)
		}
		defer store.Close()

		src := &countingSource{r: bytes.NewReader(data)}
		r, err := blockcache.New(src, int64(len(data)), store, blockcache.Config{
			SourceID:  "vmcore@100000",
			BlockSize: blockSize,
			StoreName: "badger",
		})
		if err != nil {
			t.Fatalf("Failed to create Reader: %v", err)
		}

		got := make([]byte, 5000)
		if _, err := r.ReadAt(got, 95_000); err != io.EOF && err != nil {
			t.Fatalf("ReadAt failed: %v", err)
		}
		if !bytes.Equal(got, data[95_000:]) {
			t.Errorf("Tail read does not match source")
		}

		if _, err := r.ReadAt(make([]byte, 20_000), 30_000); err != nil {
			t.Fatalf("ReadAt failed: %v", err)
		}
		if n := src.reads.Load(); n != 0 {
			t.Errorf("Expected all blocks from the persisted cache, source read %d times", n)
		}
	})

	// ========================================================================
	// Test: another source does not see these blocks
	// ========================================================================

	t.Run("SourceIsolation", func(t *testing.T) {
		store, err := blockcache.NewBadgerStore(blockcache.BadgerStoreConfig{DBPath: dbPath})
		if err != nil {
			t.Fatalf("Failed to reopen BadgerStore: %v", err)
		}
		defer store.Close()

		if _, ok, _ := store.Get(blockcache.BlockKey{Source: "vmcore@200000", Offset: 0}); ok {
			t.Errorf("Expected miss for a different source")
		}
	})
}
