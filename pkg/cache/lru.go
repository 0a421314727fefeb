package cache

import "container/list"

// LRU is a bounded map with least-recently-used eviction. It is the shared
// bounded-cache primitive: the matcher's recency cache and other fixed-size
// lookups reuse it instead of hand-rolling eviction loops. Ties between
// equally recent entries break on insertion order (oldest wins eviction).
//
// Not safe for concurrent use; callers hold their own lock.
type LRU[V any] struct {
	capacity int
	ll       *list.List
	items    map[string]*list.Element
	evicted  uint64
}

type lruEntry[V any] struct {
	key   string
	value V
}

// NewLRU creates an LRU bounded to capacity entries. Capacity must be
// positive.
func NewLRU[V any](capacity int) *LRU[V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRU[V]{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

// Get returns the value for key and marks it most recently used.
func (c *LRU[V]) Get(key string) (V, bool) {
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		return el.Value.(*lruEntry[V]).value, true
	}
	var zero V
	return zero, false
}

// Add inserts or updates key. At capacity, the least-recently-used entry is
// evicted first.
func (c *LRU[V]) Add(key string, value V) {
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*lruEntry[V]).value = value
		return
	}
	if c.ll.Len() >= c.capacity {
		c.removeOldest()
	}
	el := c.ll.PushFront(&lruEntry[V]{key: key, value: value})
	c.items[key] = el
}

// Remove deletes key if present.
func (c *LRU[V]) Remove(key string) {
	if el, ok := c.items[key]; ok {
		c.ll.Remove(el)
		delete(c.items, key)
	}
}

// Len returns the current number of entries.
func (c *LRU[V]) Len() int {
	return c.ll.Len()
}

// Evictions returns the number of entries evicted for capacity.
func (c *LRU[V]) Evictions() uint64 {
	return c.evicted
}

// Purge drops all entries.
func (c *LRU[V]) Purge() {
	c.ll.Init()
	clear(c.items)
}

func (c *LRU[V]) removeOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	c.ll.Remove(el)
	delete(c.items, el.Value.(*lruEntry[V]).key)
	c.evicted++
}
