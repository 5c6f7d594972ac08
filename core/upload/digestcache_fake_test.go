package upload

import (
	"sync"

	"github.com/dnslin/chunkupload/core/store"
)

// memDigestCache is an in-memory store.DigestCache double, standing in for
// whatever persistence a real caller wires in (spec.md §6).
type memDigestCache struct {
	mu      sync.Mutex
	records map[string]store.DigestRecord
}

func newMemDigestCache() *memDigestCache {
	return &memDigestCache{records: make(map[string]store.DigestRecord)}
}

func (c *memDigestCache) Lookup(path string) (store.DigestRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[path]
	return rec, ok
}

func (c *memDigestCache) Store(path string, record store.DigestRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[path] = record
}
