// Package lru implements a small generic, thread-safe LRU cache. The gateway
// uses it to remember recently dispatched event IDs so that envelopes Slack
// redelivers are acknowledged without being handled twice.
package lru

import "sync"

type entry[K comparable, V any] struct {
	key        K
	val        V
	prev, next *entry[K, V]
}

// Cache is a fixed-capacity LRU cache.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	items    map[K]*entry[K, V]
	root     entry[K, V] // sentinel: root.next is most recent, root.prev least
}

// New creates a cache holding at most capacity entries. Panics if
// capacity < 1.
func New[K comparable, V any](capacity int) *Cache[K, V] {
	if capacity < 1 {
		panic("lru: capacity must be >= 1")
	}
	c := &Cache[K, V]{
		capacity: capacity,
		items:    make(map[K]*entry[K, V], capacity),
	}
	c.root.next = &c.root
	c.root.prev = &c.root
	return c
}

// ContainsOrAdd reports whether key is present. If it is not, key is added.
// The check and the insert are atomic.
func (c *Cache[K, V]) ContainsOrAdd(key K, val V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		c.unlink(e)
		c.pushFront(e)
		return true
	}
	c.insert(key, val)
	return false
}

// Len returns the number of entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// insert adds key as the most recent entry, evicting the oldest when full.
func (c *Cache[K, V]) insert(key K, val V) {
	if len(c.items) >= c.capacity {
		oldest := c.root.prev
		c.unlink(oldest)
		delete(c.items, oldest.key)
	}
	e := &entry[K, V]{key: key, val: val}
	c.items[key] = e
	c.pushFront(e)
}

func (c *Cache[K, V]) unlink(e *entry[K, V]) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev, e.next = nil, nil
}

func (c *Cache[K, V]) pushFront(e *entry[K, V]) {
	e.prev = &c.root
	e.next = c.root.next
	c.root.next.prev = e
	c.root.next = e
}
