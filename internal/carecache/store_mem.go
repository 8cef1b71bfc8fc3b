package carecache

import (
	"sync"
)

// MemStorage keeps caches in process memory. It is used for the "memory"
// storage driver and as the store in tests.
type MemStorage struct {
	mu     sync.Mutex
	order  []string
	caches map[string]*memCache
	closed bool
}

func NewMemStorage() *MemStorage {
	return &MemStorage{caches: map[string]*memCache{}}
}

func (s *MemStorage) Open(name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	c, ok := s.caches[name]
	if !ok {
		c = &memCache{name: name, entries: map[RequestKey]CacheEntry{}}
		s.caches[name] = c
		s.order = append(s.order, name)
	}
	return c, nil
}

func (s *MemStorage) Lookup(name string) (Cache, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrStoreClosed
	}
	c, ok := s.caches[name]
	if !ok {
		return nil, false, nil
	}
	return c, true, nil
}

func (s *MemStorage) Has(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.caches[name]
	return ok, nil
}

func (s *MemStorage) Names() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...), nil
}

func (s *MemStorage) Delete(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caches[name]
	if !ok {
		return false, nil
	}
	c.mu.Lock()
	c.deleted = true
	c.mu.Unlock()
	delete(s.caches, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *MemStorage) Match(key RequestKey) (CacheEntry, bool, error) {
	s.mu.Lock()
	caches := make([]*memCache, 0, len(s.order))
	for _, n := range s.order {
		caches = append(caches, s.caches[n])
	}
	s.mu.Unlock()

	for _, c := range caches {
		if ent, ok, _ := c.Match(key); ok {
			return ent, true, nil
		}
	}
	return CacheEntry{}, false, nil
}

func (s *MemStorage) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type memCache struct {
	name    string
	mu      sync.RWMutex
	order   []RequestKey
	entries map[RequestKey]CacheEntry
	deleted bool
}

func (c *memCache) Name() string { return c.name }

func (c *memCache) Match(key RequestKey) (CacheEntry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ent, ok := c.entries[key]
	if !ok {
		return CacheEntry{}, false, nil
	}
	return ent.clone(), true, nil
}

func (c *memCache) Put(key RequestKey, ent CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return errCacheDeleted
	}
	c.putLocked(key, ent)
	return nil
}

func (c *memCache) PutAll(recs []Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return errCacheDeleted
	}
	for _, r := range recs {
		c.putLocked(r.Key, r.Entry)
	}
	return nil
}

func (c *memCache) putLocked(key RequestKey, ent CacheEntry) {
	if _, ok := c.entries[key]; !ok {
		c.order = append(c.order, key)
	}
	c.entries[key] = ent.clone()
}

func (c *memCache) Delete(key RequestKey) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false, nil
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (c *memCache) Keys() ([]RequestKey, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]RequestKey(nil), c.order...), nil
}
