package carecache

import (
	"strings"
	"sync"
)

// RAMFront keeps recently used entries of an underlying Storage in a
// byte-bounded LRU. Writes go through to the underlying store first.
type RAMFront struct {
	Storage
	lru *ramLRU
}

func NewRAMFront(inner Storage, maxBytes int64) *RAMFront {
	return &RAMFront{Storage: inner, lru: newRAMLRU(maxBytes)}
}

func (f *RAMFront) Open(name string) (Cache, error) {
	c, err := f.Storage.Open(name)
	if err != nil {
		return nil, err
	}
	return &ramCache{Cache: c, lru: f.lru}, nil
}

func (f *RAMFront) Delete(name string) (bool, error) {
	ok, err := f.Storage.Delete(name)
	f.lru.DeletePrefix(name + "\x00")
	return ok, err
}

func (f *RAMFront) Lookup(name string) (Cache, bool, error) {
	c, ok, err := f.Storage.Lookup(name)
	if err != nil || !ok {
		return nil, false, err
	}
	return &ramCache{Cache: c, lru: f.lru}, true, nil
}

// Match keeps the oldest-first order of the underlying store. Disk hits are
// promoted into RAM.
func (f *RAMFront) Match(key RequestKey) (CacheEntry, bool, error) {
	names, err := f.Storage.Names()
	if err != nil {
		return CacheEntry{}, false, err
	}
	for _, name := range names {
		c, ok, err := f.Lookup(name)
		if err != nil {
			return CacheEntry{}, false, err
		}
		if !ok {
			continue
		}
		ent, ok, err := c.Match(key)
		if err != nil {
			return CacheEntry{}, false, err
		}
		if ok {
			return ent, true, nil
		}
	}
	return CacheEntry{}, false, nil
}

// TotalSize is the number of bytes held in RAM.
func (f *RAMFront) TotalSize() int64 { return f.lru.TotalSize() }

func ramKey(name string, key RequestKey) string { return name + "\x00" + key.String() }

type ramCache struct {
	Cache
	lru *ramLRU
}

func (c *ramCache) Match(key RequestKey) (CacheEntry, bool, error) {
	k := ramKey(c.Name(), key)
	if ent, ok := c.lru.Get(k); ok {
		return ent, true, nil
	}
	ent, ok, err := c.Cache.Match(key)
	if err == nil && ok {
		c.lru.Put(k, ent)
	}
	return ent, ok, err
}

func (c *ramCache) Put(key RequestKey, ent CacheEntry) error {
	if err := c.Cache.Put(key, ent); err != nil {
		return err
	}
	c.lru.Put(ramKey(c.Name(), key), ent)
	return nil
}

func (c *ramCache) PutAll(recs []Record) error {
	if err := c.Cache.PutAll(recs); err != nil {
		return err
	}
	for _, r := range recs {
		c.lru.Put(ramKey(c.Name(), r.Key), r.Entry)
	}
	return nil
}

func (c *ramCache) Delete(key RequestKey) (bool, error) {
	c.lru.Delete(ramKey(c.Name(), key))
	return c.Cache.Delete(key)
}

type ramItem struct {
	key  string
	ent  CacheEntry
	size int64
	prev *ramItem
	next *ramItem
}

type ramLRU struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMLRU(maxBytes int64) *ramLRU {
	return &ramLRU{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramLRU) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramLRU) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return CacheEntry{}, false
	}
	c.moveToFront(it)
	return it.ent.clone(), true
}

func (c *ramLRU) Put(key string, ent CacheEntry) {
	sz := entrySize(key, ent)
	if c.maxBytes > 0 && sz > c.maxBytes {
		c.Delete(key)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total += sz - it.size
		it.ent = ent.clone()
		it.size = sz
		c.moveToFront(it)
	} else {
		it := &ramItem{key: key, ent: ent.clone(), size: sz}
		c.items[key] = it
		c.addToFront(it)
		c.total += sz
	}
	for c.maxBytes > 0 && c.total > c.maxBytes && c.tail != nil {
		c.dropLocked(c.tail)
	}
}

func (c *ramLRU) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.dropLocked(it)
	}
}

func (c *ramLRU) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.dropLocked(it)
		}
	}
}

func (c *ramLRU) dropLocked(it *ramItem) {
	c.remove(it)
	delete(c.items, it.key)
	c.total -= it.size
}

// entrySize approximates the RAM held by an entry.
func entrySize(key string, ent CacheEntry) int64 {
	n := len(key) + len(ent.Body)
	for k, vs := range ent.Header {
		n += len(k)
		for _, v := range vs {
			n += len(v)
		}
	}
	return int64(n)
}

func (c *ramLRU) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramLRU) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramLRU) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
