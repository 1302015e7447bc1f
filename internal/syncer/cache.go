package syncer

import (
	"sync"
	"time"
)

const resolveCacheTTL = time.Hour

// resolveCache remembers natural key to stored station id lookups across
// cycles. Station ids never change once assigned, so entries only expire to
// bound growth.
type resolveCache struct {
	mu  sync.RWMutex
	ttl time.Duration
	m   map[string]resolveEntry
}

type resolveEntry struct {
	ref       string
	expiresAt time.Time
}

func newResolveCache(ttl time.Duration) *resolveCache {
	return &resolveCache{ttl: ttl, m: make(map[string]resolveEntry)}
}

func (c *resolveCache) get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.m[key]
	if !ok || time.Now().After(e.expiresAt) {
		return "", false
	}
	return e.ref, true
}

func (c *resolveCache) set(key, ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = resolveEntry{ref: ref, expiresAt: time.Now().Add(c.ttl)}
}
