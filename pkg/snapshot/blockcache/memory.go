package blockcache

import (
	"container/list"
	"sync"
)

// MemoryStore is an in-process LRU of blocks bounded by total bytes.
type MemoryStore struct {
	maxBytes int64
	mu       sync.Mutex
	used     int64
	cache    map[BlockKey]*list.Element
	lru      *list.List
}

type memoryEntry struct {
	key  BlockKey
	data []byte
}

// NewMemoryStore creates an LRU that holds at most maxBytes of block data.
// A non-positive maxBytes defaults to 256MB.
func NewMemoryStore(maxBytes int64) *MemoryStore {
	if maxBytes <= 0 {
		maxBytes = 256 << 20
	}
	return &MemoryStore{
		maxBytes: maxBytes,
		cache:    make(map[BlockKey]*list.Element),
		lru:      list.New(),
	}
}

func (c *MemoryStore) Get(key BlockKey) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.cache[key]
	if !exists {
		return nil, false, nil
	}

	c.lru.MoveToFront(elem)
	return elem.Value.(*memoryEntry).data, true, nil
}

func (c *MemoryStore) Put(key BlockKey, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.cache[key]; exists {
		c.lru.MoveToFront(elem)
		entry := elem.Value.(*memoryEntry)
		c.used += int64(len(data)) - int64(len(entry.data))
		entry.data = data
	} else {
		elem := c.lru.PushFront(&memoryEntry{key: key, data: data})
		c.cache[key] = elem
		c.used += int64(len(data))
	}

	// Never evict the entry just inserted.
	for c.used > c.maxBytes && c.lru.Len() > 1 {
		c.evictLRU()
	}
	return nil
}

func (c *MemoryStore) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache = make(map[BlockKey]*list.Element)
	c.lru.Init()
	c.used = 0
	return nil
}

// Stats returns the number of cached blocks and their total size.
func (c *MemoryStore) Stats() (blocks int, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len(), c.used
}

func (c *MemoryStore) evictLRU() {
	elem := c.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*memoryEntry)
	c.lru.Remove(elem)
	delete(c.cache, entry.key)
	c.used -= int64(len(entry.data))
}
