package assets

import (
	"container/list"
	"sync"
)

// sidecarCache is an LRU over parsed sidecar documents. It exists so the
// registry can satisfy the budget manager's Evictor interface: under
// pressure, non-pinned entries are evicted oldest-first (§4.5 evict_lazy).
type sidecarCache struct {
	mu      sync.Mutex
	max     int
	lru     *list.List               // front = most recently used
	entries map[string]*list.Element // uid -> element
	pinned  map[string]bool
}

type cacheEntry struct {
	uid string
	doc map[string]any
}

func newSidecarCache(max int) *sidecarCache {
	if max <= 0 {
		max = 256
	}
	return &sidecarCache{
		max:     max,
		lru:     list.New(),
		entries: make(map[string]*list.Element),
		pinned:  make(map[string]bool),
	}
}

func (c *sidecarCache) get(uid string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[uid]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*cacheEntry).doc, true
}

func (c *sidecarCache) put(uid string, doc map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[uid]; ok {
		el.Value.(*cacheEntry).doc = doc
		c.lru.MoveToFront(el)
		return
	}
	c.entries[uid] = c.lru.PushFront(&cacheEntry{uid: uid, doc: doc})
	if c.lru.Len() > c.max {
		c.evictLocked(1)
	}
}

func (c *sidecarCache) invalidate(uid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[uid]; ok {
		c.lru.Remove(el)
		delete(c.entries, uid)
	}
	delete(c.pinned, uid)
}

func (c *sidecarCache) pin(uid string, pinned bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pinned {
		c.pinned[uid] = true
	} else {
		delete(c.pinned, uid)
	}
}

func (c *sidecarCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// evictLocked removes up to n non-pinned entries oldest-first. Caller holds mu.
func (c *sidecarCache) evictLocked(n int) int {
	evicted := 0
	el := c.lru.Back()
	for el != nil && evicted < n {
		prev := el.Prev()
		entry := el.Value.(*cacheEntry)
		if !c.pinned[entry.uid] {
			c.lru.Remove(el)
			delete(c.entries, entry.uid)
			evicted++
		}
		el = prev
	}
	return evicted
}

// cacheHighWater is the fill fraction beyond which the cache reports pressure.
const cacheHighWater = 0.8

// Pressure implements the budget manager's Evictor.
func (r *Registry) Pressure() bool {
	return float64(r.scache.len()) > float64(r.scache.max)*cacheHighWater
}

// EvictLRU implements the budget manager's Evictor.
func (r *Registry) EvictLRU(n int) int {
	r.scache.mu.Lock()
	defer r.scache.mu.Unlock()
	return r.scache.evictLocked(n)
}

// Pin marks a sidecar cache entry as exempt from lazy eviction.
func (r *Registry) Pin(uid string, pinned bool) {
	r.scache.pin(uid, pinned)
}
