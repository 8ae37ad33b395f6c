package cache

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"
)

// entry is a cached value and when it was stored.
type entry[V any] struct {
	value     V
	timestamp time.Time
}

// Cache is a concurrency-safe map whose entries expire after a fixed TTL.
type Cache[V any] struct {
	ttl     time.Duration
	entries sync.Map
	now     func() time.Time
}

// New creates a cache whose entries live for ttl.
func New[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{ttl: ttl, now: time.Now}
}

// Get returns the value for key if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	v, ok := c.entries.Load(key)
	if !ok {
		return zero, false
	}
	e := v.(entry[V])
	if c.now().Sub(e.timestamp) > c.ttl {
		c.entries.Delete(key)
		return zero, false
	}
	return e.value, true
}

// Put stores value under key.
func (c *Cache[V]) Put(key string, value V) {
	c.entries.Store(key, entry[V]{value: value, timestamp: c.now()})
}

// Delete drops key.
func (c *Cache[V]) Delete(key string) {
	c.entries.Delete(key)
}

// Key derives a cache key from its parts.
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
