package blockcache

import (
	"bytes"
	"fmt"
	"hash/crc32"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	xdr "github.com/rasky/go-xdr/xdr2"
)

// BadgerStore persists blocks in a BadgerDB database.
//
// Key format: "blk:<source>:<offset as 16 hex digits>". Values are XDR
// encoded blockRecords; a record whose checksum does not match is treated as
// a miss and refetched.
type BadgerStore struct {
	db *badger.DB
}

// BadgerStoreConfig configures a BadgerStore.
type BadgerStoreConfig struct {
	// DBPath is the database directory (created if missing)
	DBPath string

	// BlockCacheSizeMB is badger's own in-memory block cache (default 64MB)
	BlockCacheSizeMB int64
}

// blockRecord is the on-disk value of a cached block.
type blockRecord struct {
	Offset   uint64
	Length   uint32
	Checksum uint32
	Data     []byte
}

// NewBadgerStore opens (or creates) a persistent block store.
func NewBadgerStore(cfg BadgerStoreConfig) (*BadgerStore, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("badger block cache: db_path is required")
	}

	opts := badger.DefaultOptions(cfg.DBPath)
	opts = opts.WithLoggingLevel(badger.WARNING) // Reduce log noise
	opts = opts.WithCompression(options.None)    // Memory pages compress poorly

	blockCacheMB := cfg.BlockCacheSizeMB
	if blockCacheMB == 0 {
		blockCacheMB = 64
	}
	opts = opts.WithBlockCacheSize(blockCacheMB << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.DBPath, err)
	}
	return &BadgerStore{db: db}, nil
}

func keyBlock(key BlockKey) []byte {
	return fmt.Appendf(nil, "blk:%s:%016x", key.Source, key.Offset)
}

func encodeBlock(key BlockKey, data []byte) ([]byte, error) {
	rec := blockRecord{
		Offset:   uint64(key.Offset),
		Length:   uint32(len(data)),
		Checksum: crc32.ChecksumIEEE(data),
		Data:     data,
	}
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, &rec); err != nil {
		return nil, fmt.Errorf("encode block record: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeBlock returns ok=false for records that do not describe key or fail
// their checksum.
func decodeBlock(key BlockKey, val []byte) ([]byte, bool, error) {
	var rec blockRecord
	if _, err := xdr.Unmarshal(bytes.NewReader(val), &rec); err != nil {
		return nil, false, fmt.Errorf("decode block record: %w", err)
	}
	if rec.Offset != uint64(key.Offset) || int(rec.Length) != len(rec.Data) {
		return nil, false, nil
	}
	if crc32.ChecksumIEEE(rec.Data) != rec.Checksum {
		return nil, false, nil
	}
	return rec.Data, true, nil
}

func (s *BadgerStore) Get(key BlockKey) ([]byte, bool, error) {
	var (
		data []byte
		ok   bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyBlock(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get block: %w", err)
		}
		return item.Value(func(val []byte) error {
			d, valid, err := decodeBlock(key, val)
			if err != nil {
				return err
			}
			data, ok = d, valid
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return data, ok, nil
}

func (s *BadgerStore) Put(key BlockKey, data []byte) error {
	val, err := encodeBlock(key, data)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyBlock(key), val)
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
