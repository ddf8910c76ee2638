package search

import (
	"container/list"
	"sync"
	"time"
)

type cacheKey struct {
	query string
	k     int
	mode  Mode
	epoch int64
}

type cacheEntry struct {
	key     cacheKey
	results []Result
	expires time.Time
}

// resultCache is a small LRU with TTL. Epoch lives in the key, so a
// bumped epoch makes every stale entry unreachable; expired and
// orphaned entries age out through normal eviction.
type resultCache struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	order *list.List
	items map[cacheKey]*list.Element
	now   func() time.Time
}

func newResultCache(cap int, ttl time.Duration) *resultCache {
	return &resultCache{
		cap:   cap,
		ttl:   ttl,
		order: list.New(),
		items: make(map[cacheKey]*list.Element),
		now:   time.Now,
	}
}

func (c *resultCache) get(key cacheKey) ([]Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	en := el.Value.(*cacheEntry)
	if c.now().After(en.expires) {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return en.results, true
}

func (c *resultCache) put(key cacheKey, results []Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		en := el.Value.(*cacheEntry)
		en.results = results
		en.expires = c.now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{key: key, results: results, expires: c.now().Add(c.ttl)})
	c.items[key] = el
	for c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}
