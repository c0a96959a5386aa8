package recovery

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// resultCache memoizes successful results by idempotency key. The LRU's
// own TTL is the ceiling; each entry may expire sooner.
type resultCache struct {
	lru *expirable.LRU[string, cachedResult]
}

type cachedResult struct {
	value     any
	expiresAt time.Time
}

func newResultCache(size int, ttl time.Duration) *resultCache {
	return &resultCache{lru: expirable.NewLRU[string, cachedResult](size, nil, ttl)}
}

func (c *resultCache) get(key string) (any, bool) {
	r, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(r.expiresAt) {
		c.lru.Remove(key)
		return nil, false
	}
	return r.value, true
}

func (c *resultCache) put(key string, v any, ttl time.Duration) {
	c.lru.Add(key, cachedResult{value: v, expiresAt: time.Now().Add(ttl)})
}

func (c *resultCache) purge() { c.lru.Purge() }
