package carecache

import (
	"bytes"
	"encoding/gob"
	"net/http"
)

// Storage is the durable set of named caches, one per generation.
type Storage interface {
	// Open returns the named cache, creating it when absent.
	Open(name string) (Cache, error)
	// Lookup returns the named cache only when it already exists.
	Lookup(name string) (Cache, bool, error)
	Has(name string) (bool, error)
	// Names lists caches in creation order.
	Names() ([]string, error)
	// Delete drops a cache and every entry in it.
	Delete(name string) (bool, error)
	// Match looks key up in every cache, oldest first.
	Match(key RequestKey) (CacheEntry, bool, error)
	Close() error
}

// Cache is a single named generation.
type Cache interface {
	Name() string
	Match(key RequestKey) (CacheEntry, bool, error)
	Put(key RequestKey, ent CacheEntry) error
	// PutAll writes every record or none of them.
	PutAll(recs []Record) error
	Delete(key RequestKey) (bool, error)
	Keys() ([]RequestKey, error)
}

// Record pairs a key with its entry for bulk writes.
type Record struct {
	Key   RequestKey
	Entry CacheEntry
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
