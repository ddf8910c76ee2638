package embedding

import (
	"container/list"
	"sync"
	"time"
)

// lruCache is a fixed-capacity LRU with per-entry TTL. Expired
// entries are dropped on access.
type lruCache struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	order *list.List // front = most recent
	items map[string]*list.Element
}

type cacheEntry struct {
	key     string
	vec     []float32
	expires time.Time
}

func newLRUCache(capacity int, ttl time.Duration) *lruCache {
	return &lruCache{
		cap:   capacity,
		ttl:   ttl,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

func (c *lruCache) get(key string, now time.Time) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if now.After(entry.expires) {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.vec, true
}

func (c *lruCache) put(key string, vec []float32, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.vec = vec
		entry.expires = now.Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{key: key, vec: vec, expires: now.Add(c.ttl)})
	c.items[key] = el
	for c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
