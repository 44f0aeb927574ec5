package profiles

import (
	"sync"
	"time"
)

// negativeCache remembers inputs that recently failed discovery, so repeated
// requests for the same bad webfinger address or dead URL don't each pay for
// a round of remote fetches. Invalidation is explicit.
type negativeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]negativeEntry
}

type negativeEntry struct {
	reason string
	expiry time.Time
}

func newNegativeCache(ttl time.Duration) *negativeCache {
	return &negativeCache{
		ttl:     ttl,
		entries: make(map[string]negativeEntry),
	}
}

func (c *negativeCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expiry) {
		delete(c.entries, key)
		return "", false
	}
	return entry.reason, true
}

func (c *negativeCache) Put(key, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = negativeEntry{reason, time.Now().Add(c.ttl)}
}

func (c *negativeCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
