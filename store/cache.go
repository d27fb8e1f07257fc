// Copyright (C) 2026 The davstore Authors.
// See LICENSE for copying information.

package store

import (
	"fmt"
	"sync"
)

// QueryCache is a lookup cache shared by all transactions of one DB.
// Reads are served immediately; writes that reflect uncommitted data must
// go through Tx.SetAfterCommit / Tx.InvalidateAfterCommit so that other
// transactions never observe speculative state.
type QueryCache struct {
	mu      sync.RWMutex
	entries map[string]interface{}
}

// NewQueryCache constructs an empty cache.
func NewQueryCache() *QueryCache {
	return &QueryCache{entries: make(map[string]interface{})}
}

// Get returns the cached value for key.
func (cache *QueryCache) Get(key string) (interface{}, bool) {
	cache.mu.RLock()
	defer cache.mu.RUnlock()
	value, ok := cache.entries[key]
	return value, ok
}

// Set stores a value for key. Only committed state may be stored directly.
func (cache *QueryCache) Set(key string, value interface{}) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.entries[key] = value
}

// Delete evicts key.
func (cache *QueryCache) Delete(key string) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	delete(cache.entries, key)
}

// cacheOp is a deferred cache mutation applied after commit.
type cacheOp struct {
	key   string
	value interface{}
	set   bool
}

func (op cacheOp) apply(cache *QueryCache) {
	if op.set {
		cache.Set(op.key, op.value)
	} else {
		cache.Delete(op.key)
	}
}

// keyForHomeWithUID is the cache key of the owner-uid to home-id lookup.
func keyForHomeWithUID(uid string) string {
	return "home-uid:" + uid
}

// keyForChildWithName is the cache key of the (home, child name) lookup.
func keyForChildWithName(homeID int64, name string) string {
	return fmt.Sprintf("child:%d:%s", homeID, name)
}

// cachedHome is the cached value of an owner-uid lookup.
type cachedHome struct {
	ResourceID  int64
	DataVersion int
}

// cachedChild is the cached value of a (home, name) child lookup. A
// negative entry (ResourceID zero) records the bind status it was probed
// with, so a later probe for a different status is known to be a miss
// without a round trip.
type cachedChild struct {
	ResourceID   int64
	BindMode     BindMode
	BindStatus   BindStatus
	BindRevision int64
	Message      string
}
