// Package blockcache puts a block-aligned cache in front of a slow
// io.ReaderAt such as an S3-hosted vmcore.
//
// Walking a dentry tree issues thousands of 8-byte reads scattered over a
// few megabytes of slab memory. Reader rounds every request to fixed-size
// blocks and keeps fetched blocks in a Store, so each block is fetched from
// the source once:
//
//   - MemoryStore: LRU bounded by bytes, lives for one invocation
//   - BadgerStore: persistent on disk, shared by repeated invocations
//     against the same snapshot
package blockcache

import (
	"errors"
	"fmt"
	"io"
)

// DefaultBlockSize is used when Config.BlockSize is zero.
const DefaultBlockSize = 64 * 1024

// BlockKey identifies one cached block.
type BlockKey struct {
	// Source identifies the snapshot, for example "s3://bucket/vmcore@size".
	Source string

	// Offset is the block-aligned offset in the source.
	Offset int64
}

// Store holds cached blocks. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the cached block. ok is false on a miss.
	Get(key BlockKey) (data []byte, ok bool, err error)

	// Put stores a block. data must not be modified afterwards.
	Put(key BlockKey, data []byte) error

	// Close releases resources held by the store.
	Close() error
}

// CacheMetrics provides observability for the block cache.
//
// This is optional - if not provided, metrics collection is skipped.
type CacheMetrics interface {
	// RecordHit records a block served from the store
	RecordHit(store string)

	// RecordMiss records a block fetched from the source
	RecordMiss(store string, bytes int)
}

type noopMetrics struct{}

func (noopMetrics) RecordHit(string)       {}
func (noopMetrics) RecordMiss(string, int) {}

// Config configures a Reader.
type Config struct {
	// SourceID namespaces the blocks of this source inside the store.
	SourceID string

	// BlockSize is the fetch granularity (default DefaultBlockSize).
	BlockSize int64

	// StoreName labels metrics ("memory", "badger").
	StoreName string

	// Metrics is optional
	Metrics CacheMetrics
}

// Reader is a caching io.ReaderAt.
//
// Thread Safety:
// Safe for concurrent use if the source io.ReaderAt is.
type Reader struct {
	src       io.ReaderAt
	size      int64
	store     Store
	sourceID  string
	blockSize int64
	storeName string
	metrics   CacheMetrics
}

// New wraps src, whose total length is size, with a cache backed by store.
func New(src io.ReaderAt, size int64, store Store, cfg Config) (*Reader, error) {
	if src == nil {
		return nil, errors.New("blockcache: source is required")
	}
	if store == nil {
		return nil, errors.New("blockcache: store is required")
	}
	if size < 0 {
		return nil, fmt.Errorf("blockcache: negative size %d", size)
	}

	blockSize := cfg.BlockSize
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if blockSize < 0 || blockSize&(blockSize-1) != 0 {
		return nil, fmt.Errorf("blockcache: block size %d is not a power of two", blockSize)
	}

	r := &Reader{
		src:       src,
		size:      size,
		store:     store,
		sourceID:  cfg.SourceID,
		blockSize: blockSize,
		storeName: cfg.StoreName,
		metrics:   cfg.Metrics,
	}
	if r.metrics == nil {
		r.metrics = noopMetrics{}
	}
	return r, nil
}

// Size returns the length of the underlying source.
func (r *Reader) Size() int64 {
	return r.size
}

// ReadAt implements io.ReaderAt.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset: %d", off)
	}
	if off >= r.size {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}

	n := 0
	for n < len(p) && off < r.size {
		blockOff := off &^ (r.blockSize - 1)
		block, err := r.block(blockOff)
		if err != nil {
			return n, err
		}
		copied := copy(p[n:], block[off-blockOff:])
		n += copied
		off += int64(copied)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// block returns the block starting at blockOff, fetching it on a miss.
func (r *Reader) block(blockOff int64) ([]byte, error) {
	key := BlockKey{Source: r.sourceID, Offset: blockOff}

	data, ok, err := r.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("block cache get %d: %w", blockOff, err)
	}
	if ok {
		r.metrics.RecordHit(r.storeName)
		return data, nil
	}

	want := r.blockSize
	if blockOff+want > r.size {
		want = r.size - blockOff
	}
	data = make([]byte, want)
	got, err := r.src.ReadAt(data, blockOff)
	if int64(got) < want {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("fetch block %d: %w", blockOff, err)
	}
	r.metrics.RecordMiss(r.storeName, got)

	if err := r.store.Put(key, data); err != nil {
		return nil, fmt.Errorf("block cache put %d: %w", blockOff, err)
	}
	return data, nil
}
