package carecache

import (
	"bytes"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	n:<cache>              cacheMeta
//	e:<cache>\x00<key>     CacheEntry
//	q:<kind>:<id>          Operation (see queue_leveldb.go)
const (
	prefixName  = "n:"
	prefixEntry = "e:"
	prefixQueue = "q:"
)

var errCacheDeleted = errors.New("cache was deleted")

type cacheMeta struct {
	CreatedAt int64 // unix nanoseconds, used for ordering
}

// LevelDB is the on-disk store. It backs both the named caches and the
// deferred write queues so a single database survives restarts.
type LevelDB struct {
	db *leveldb.DB

	// mu serializes cache creation, deletion and writes so a write never
	// lands in a cache that is being dropped.
	mu      sync.Mutex
	qmu     sync.Mutex
	closed  bool
	created int64 // last CreatedAt handed out, keeps Names strictly ordered
}

func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

func (s *LevelDB) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func nameKey(name string) []byte { return []byte(prefixName + name) }

func entryPrefix(name string) []byte { return []byte(prefixEntry + name + "\x00") }

func entryKey(name string, key RequestKey) []byte {
	return append(entryPrefix(name), key.String()...)
}

func (s *LevelDB) Open(name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	ok, err := s.db.Has(nameKey(name), nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		now := time.Now().UnixNano()
		if now <= s.created {
			now = s.created + 1
		}
		s.created = now
		b, err := encodeGob(cacheMeta{CreatedAt: now})
		if err != nil {
			return nil, err
		}
		if err := s.db.Put(nameKey(name), b, nil); err != nil {
			return nil, err
		}
	}
	return &levelCache{store: s, name: name}, nil
}

func (s *LevelDB) Lookup(name string) (Cache, bool, error) {
	ok, err := s.Has(name)
	if err != nil || !ok {
		return nil, false, err
	}
	return &levelCache{store: s, name: name}, true, nil
}

func (s *LevelDB) Has(name string) (bool, error) {
	if s.isClosed() {
		return false, ErrStoreClosed
	}
	return s.db.Has(nameKey(name), nil)
}

func (s *LevelDB) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *LevelDB) Names() ([]string, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	type named struct {
		name string
		meta cacheMeta
	}
	var out []named

	it := s.db.NewIterator(util.BytesPrefix([]byte(prefixName)), nil)
	defer it.Release()
	for it.Next() {
		var meta cacheMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		out = append(out, named{
			name: string(bytes.TrimPrefix(it.Key(), []byte(prefixName))),
			meta: meta,
		})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].meta.CreatedAt < out[j].meta.CreatedAt
	})
	names := make([]string, len(out))
	for i, n := range out {
		names[i] = n.name
	}
	return names, nil
}

func (s *LevelDB) Delete(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	ok, err := s.db.Has(nameKey(name), nil)
	if err != nil || !ok {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(nameKey(name))
	it := s.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (s *LevelDB) Match(key RequestKey) (CacheEntry, bool, error) {
	names, err := s.Names()
	if err != nil {
		return CacheEntry{}, false, err
	}
	for _, name := range names {
		ent, ok, err := s.get(name, key)
		if err != nil {
			return CacheEntry{}, false, err
		}
		if ok {
			return ent, true, nil
		}
	}
	return CacheEntry{}, false, nil
}

func (s *LevelDB) get(name string, key RequestKey) (CacheEntry, bool, error) {
	b, err := s.db.Get(entryKey(name, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return CacheEntry{}, false, nil
	}
	if errors.Is(err, leveldb.ErrClosed) {
		return CacheEntry{}, false, ErrStoreClosed
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false, err
	}
	return ent, true, nil
}

// write applies batch only while the cache still exists.
func (s *LevelDB) write(name string, batch *leveldb.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	ok, err := s.db.Has(nameKey(name), nil)
	if err != nil {
		return err
	}
	if !ok {
		return errCacheDeleted
	}
	return s.db.Write(batch, nil)
}

type levelCache struct {
	store *LevelDB
	name  string
}

func (c *levelCache) Name() string { return c.name }

func (c *levelCache) Match(key RequestKey) (CacheEntry, bool, error) {
	return c.store.get(c.name, key)
}

func (c *levelCache) Put(key RequestKey, ent CacheEntry) error {
	return c.PutAll([]Record{{Key: key, Entry: ent}})
}

func (c *levelCache) PutAll(recs []Record) error {
	batch := new(leveldb.Batch)
	for _, r := range recs {
		b, err := encodeGob(r.Entry)
		if err != nil {
			return err
		}
		batch.Put(entryKey(c.name, r.Key), b)
	}
	return c.store.write(c.name, batch)
}

func (c *levelCache) Delete(key RequestKey) (bool, error) {
	_, ok, err := c.store.get(c.name, key)
	if err != nil || !ok {
		return false, err
	}
	batch := new(leveldb.Batch)
	batch.Delete(entryKey(c.name, key))
	if err := c.store.write(c.name, batch); err != nil {
		return false, err
	}
	return true, nil
}

func (c *levelCache) Keys() ([]RequestKey, error) {
	prefix := entryPrefix(c.name)
	it := c.store.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []RequestKey
	for it.Next() {
		k, ok := parseRequestKey(string(bytes.TrimPrefix(it.Key(), prefix)))
		if ok {
			out = append(out, k)
		}
	}
	return out, it.Error()
}
