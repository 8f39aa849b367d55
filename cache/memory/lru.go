// Package memory provides a size-bounded, strictly least-recently-used
// in-memory cache.
package memory

import (
	"container/list"
	"sync"
)

// Sizer reports the cost of a cached value against the cache capacity.
type Sizer[V any] func(key string, value V) int64

// EvictFunc is called after an entry has been evicted to make room for
// another. It runs outside the cache lock.
type EvictFunc[V any] func(key string, value V)

// Cache is a thread-safe LRU cache bounded by the sum of its entry sizes.
//
// Every successful Get and Put promotes the entry to most recently used.
// When a Put pushes the total size over capacity, least recently used
// entries (never the entry just written) are evicted until the total fits.
type Cache[V any] struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	sizer    Sizer[V]
	onEvict  EvictFunc[V]
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
}

type entry[V any] struct {
	key   string
	value V
	size  int64
}

// Option configures a Cache.
type Option[V any] func(*Cache[V])

// WithSizer sets how entries are charged against capacity.
// The default charges one unit per entry.
func WithSizer[V any](fn Sizer[V]) Option[V] {
	return func(c *Cache[V]) {
		c.sizer = fn
	}
}

// WithEvictCallback registers a function called for every evicted entry.
func WithEvictCallback[V any](fn EvictFunc[V]) Option[V] {
	return func(c *Cache[V]) {
		c.onEvict = fn
	}
}

// New creates a cache holding at most capacity units.
// A non-positive capacity is treated as 1.
func New[V any](capacity int64, opts ...Option[V]) *Cache[V] {
	if capacity <= 0 {
		capacity = 1
	}
	c := &Cache[V]{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sizer == nil {
		c.sizer = func(string, V) int64 { return 1 }
	}
	return c
}

// Get returns the value for key and marks it most recently used.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*entry[V]).value, true //nolint:errcheck // type is guaranteed by Put
}

// Contains reports whether key is cached without touching recency.
func (c *Cache[V]) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Put inserts or replaces the value for key and returns how many other
// entries were evicted to make room.
//
// A value whose own size exceeds the capacity is not stored; any previous
// value for key is dropped so that stale data is never served.
func (c *Cache[V]) Put(key string, value V) int {
	size := c.sizer(key, value)
	if size < 0 {
		size = 0
	}

	var evicted []*entry[V]

	c.mu.Lock()
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
	if size > c.capacity {
		c.mu.Unlock()
		return 0
	}

	e := &entry[V]{key: key, value: value, size: size}
	c.entries[key] = c.order.PushFront(e)
	c.size += size

	for c.size > c.capacity {
		oldest := c.order.Back()
		if oldest == nil || oldest.Value.(*entry[V]) == e { //nolint:errcheck // type is guaranteed
			break
		}
		victim := oldest.Value.(*entry[V]) //nolint:errcheck // type is guaranteed
		c.removeLocked(oldest)
		evicted = append(evicted, victim)
	}
	c.mu.Unlock()

	if c.onEvict != nil {
		for _, victim := range evicted {
			c.onEvict(victim.key, victim.value)
		}
	}
	return len(evicted)
}

// Remove deletes key and returns its value if it was present.
func (c *Cache[V]) Remove(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.removeLocked(elem)
	return elem.Value.(*entry[V]).value, true //nolint:errcheck // type is guaranteed
}

// EvictAll drops every entry.
func (c *Cache[V]) EvictAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.size = 0
}

// Size returns the sum of the sizes of all entries.
func (c *Cache[V]) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Len returns the number of entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Capacity returns the configured capacity.
func (c *Cache[V]) Capacity() int64 {
	return c.capacity
}

// Keys returns the cached keys ordered from most to least recently used.
func (c *Cache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, c.order.Len())
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*entry[V]).key) //nolint:errcheck // type is guaranteed
	}
	return keys
}

// removeLocked removes an element from both the list and map.
// Caller must hold c.mu.
func (c *Cache[V]) removeLocked(elem *list.Element) {
	e := elem.Value.(*entry[V]) //nolint:errcheck // type is guaranteed
	c.order.Remove(elem)
	delete(c.entries, e.key)
	c.size -= e.size
}
