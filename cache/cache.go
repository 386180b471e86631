// Package cache implements the block cache the engine layers over a
// blockdevice.Device: a fixed-capacity, LRU-evicted map of block number to
// block-sized buffer, tracking hit/miss/eviction counters. Grounded on the
// ring-list-with-sentinel design the teacher module uses for its squashfs
// LRU (push/pop/unlink against a root sentinel node), generalized to also
// track per-block dirty state since this cache sits in a write path the
// squashfs reader never needed.
package cache

// FetchFunc fetches a block from the backing device on a cache miss.
type FetchFunc func(block uint64) ([]byte, error)

// WriteBackFunc persists a dirty block to the backing device.
type WriteBackFunc func(block uint64, data []byte) error

type entry struct {
	block      uint64
	data       []byte
	dirty      bool
	prev, next *entry
}

// Cache is a fixed-capacity LRU cache of filesystem blocks.
type Cache struct {
	maxBlocks int
	root      entry
	byBlock   map[uint64]*entry

	hits, misses, evictions uint64
}

// New creates a cache that holds at most maxBlocks entries.
func New(maxBlocks int) *Cache {
	c := &Cache{maxBlocks: maxBlocks, byBlock: make(map[uint64]*entry)}
	c.root.prev = &c.root
	c.root.next = &c.root
	return c
}

func (c *Cache) unlink(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
}

func (c *Cache) pushFront(e *entry) {
	e.next = c.root.next
	e.prev = &c.root
	c.root.next.prev = e
	c.root.next = e
}

func (c *Cache) touch(e *entry) {
	c.unlink(e)
	c.pushFront(e)
}

// trim evicts from the back of the list until the cache is within capacity.
// Dirty victims are lost silently here; callers that need eviction to flush
// first must Flush before the entry ages out (the ext package's writeBlock
// hands every block to the device or to the open journal transaction right
// after updating the cache, so the cache never holds its only copy).
func (c *Cache) trim() {
	for len(c.byBlock) > c.maxBlocks {
		victim := c.root.prev
		if victim == &c.root {
			return
		}
		c.unlink(victim)
		delete(c.byBlock, victim.block)
		c.evictions++
	}
}

// Read returns block's data, fetching it via fetch on a miss.
func (c *Cache) Read(block uint64, fetch FetchFunc) ([]byte, error) {
	if e, ok := c.byBlock[block]; ok {
		c.hits++
		c.touch(e)
		out := make([]byte, len(e.data))
		copy(out, e.data)
		return out, nil
	}
	c.misses++
	data, err := fetch(block)
	if err != nil {
		return nil, err
	}
	e := &entry{block: block, data: append([]byte(nil), data...)}
	c.byBlock[block] = e
	c.pushFront(e)
	c.trim()
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Write stores data for block and marks it dirty; it is not durable until
// Flush or FlushAll writes it back.
func (c *Cache) Write(block uint64, data []byte) {
	e, ok := c.byBlock[block]
	if !ok {
		e = &entry{block: block}
		c.byBlock[block] = e
		c.pushFront(e)
		c.trim()
	} else {
		c.touch(e)
	}
	e.data = append([]byte(nil), data...)
	e.dirty = true
}

// Flush writes block back if dirty.
func (c *Cache) Flush(block uint64, writeBack WriteBackFunc) error {
	e, ok := c.byBlock[block]
	if !ok || !e.dirty {
		return nil
	}
	if err := writeBack(block, e.data); err != nil {
		return err
	}
	e.dirty = false
	return nil
}

// FlushAll writes back every dirty entry.
func (c *Cache) FlushAll(writeBack WriteBackFunc) error {
	for block, e := range c.byBlock {
		if !e.dirty {
			continue
		}
		if err := writeBack(block, e.data); err != nil {
			return err
		}
		e.dirty = false
	}
	return nil
}

// Invalidate drops block from the cache regardless of dirty state.
func (c *Cache) Invalidate(block uint64) {
	if e, ok := c.byBlock[block]; ok {
		c.unlink(e)
		delete(c.byBlock, block)
	}
}

// SetMaxBlocks changes capacity, evicting immediately if it shrank.
func (c *Cache) SetMaxBlocks(n int) {
	c.maxBlocks = n
	c.trim()
}

// Stats is a point-in-time snapshot of the cache's counters.
type Stats struct {
	Hits, Misses, Evictions uint64
	CachedEntries           int
	TotalBytes              int
}

// HitRate returns hits*100/(hits+misses), saturated at 100, or 0 when there
// have been no accesses.
func (s Stats) HitRate() int {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	rate := s.Hits * 100 / total
	if rate > 100 {
		rate = 100
	}
	return int(rate)
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	var totalBytes int
	for _, e := range c.byBlock {
		totalBytes += len(e.data)
	}
	return Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		CachedEntries: len(c.byBlock),
		TotalBytes:    totalBytes,
	}
}
