package modbus

import (
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CacheStore is a TTL cache for register values with single-flight read
// coalescing. One instance belongs to one RegisterClient and is never
// shared across endpoints.
//
// Thread Safety: all methods are safe for concurrent use.
type CacheStore struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[uint16]cacheEntry

	// group coalesces concurrent reads of the same register into one
	// device request.
	group singleflight.Group
}

type cacheEntry struct {
	value     uint16
	writtenAt time.Time
}

// NewCacheStore creates a cache with the given TTL per entry.
func NewCacheStore(ttl time.Duration) *CacheStore {
	return &CacheStore{
		ttl:     ttl,
		entries: make(map[uint16]cacheEntry),
	}
}

// Get returns the cached value for addr if present and fresh.
func (c *CacheStore) Get(addr uint16) (uint16, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[addr]
	if !ok || time.Since(entry.writtenAt) >= c.ttl {
		return 0, false
	}
	return entry.value, true
}

// Set stores a value for addr with the configured TTL.
func (c *CacheStore) Set(addr, value uint16) {
	c.mu.Lock()
	c.entries[addr] = cacheEntry{value: value, writtenAt: time.Now()}
	c.mu.Unlock()
}

// Invalidate drops the entry for addr. Called on every write to the
// register: the post-write device value may differ from what was
// written, so the cache must not be updated in place.
func (c *CacheStore) Invalidate(addr uint16) {
	c.mu.Lock()
	delete(c.entries, addr)
	c.mu.Unlock()
}

// Flush drops all entries. Called on every new successful connection so
// values from a previous session never leak across reconnects.
func (c *CacheStore) Flush() {
	c.mu.Lock()
	c.entries = make(map[uint16]cacheEntry)
	c.mu.Unlock()
}

// CoalesceRead returns the cached value for addr, or invokes producer
// to read it from the device. Concurrent callers for the same register
// share a single producer invocation and observe the same result.
//
// The producer stores its own successful result: storing here, after
// the producer returns, would race an invalidation from an operation
// queued behind the read and re-cache the pre-write value.
func (c *CacheStore) CoalesceRead(addr uint16, producer func() (uint16, error)) (uint16, error) {
	if value, ok := c.Get(addr); ok {
		return value, nil
	}

	key := strconv.FormatUint(uint64(addr), 10)
	result, err, _ := c.group.Do(key, func() (any, error) {
		// A coalesced caller may arrive just after the leader stored
		// the value; re-check before hitting the device.
		if value, ok := c.Get(addr); ok {
			return value, nil
		}

		value, err := producer()
		if err != nil {
			return uint16(0), err
		}
		return value, nil
	})
	if err != nil {
		return 0, err
	}

	return result.(uint16), nil //nolint:forcetypeassert // producer only returns uint16
}
