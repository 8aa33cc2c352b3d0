package pool

import (
	"container/list"
	"time"
)

// Entry is a pooled value with its usage bookkeeping.
type Entry[V any] struct {
	Key       string
	Value     V
	CreatedAt time.Time
	LastUsed  time.Time
	UseCount  int
}

// lru is a bounded cache with idle and absolute expiry. Callers hold the pool lock.
type lru[V any] struct {
	config  Config
	entries map[string]*list.Element
	order   *list.List // most recently used at the back
	onEvict func(key string, value V)
}

func newLRU[V any](config Config, onEvict func(string, V)) *lru[V] {
	return &lru[V]{
		config:  config,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		onEvict: onEvict,
	}
}

func (c *lru[V]) expired(entry *Entry[V], now time.Time) bool {
	if c.config.IdleTTL > 0 && now.Sub(entry.LastUsed) > c.config.IdleTTL {
		return true
	}

	return c.config.MaxAge > 0 && now.Sub(entry.CreatedAt) > c.config.MaxAge
}

// get refreshes recency and lastUsed, never CreatedAt, so MaxAge still applies.
func (c *lru[V]) get(key string, now time.Time) (*Entry[V], bool) {
	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}

	entry := elem.Value.(*Entry[V])
	if c.expired(entry, now) {
		c.evict(elem)

		return nil, false
	}

	entry.LastUsed = now
	entry.UseCount++
	c.order.MoveToBack(elem)

	return entry, true
}

func (c *lru[V]) set(key string, value V, now time.Time) {
	if elem, ok := c.entries[key]; ok {
		old := elem.Value.(*Entry[V])
		c.order.Remove(elem)
		delete(c.entries, key)

		if c.onEvict != nil {
			c.onEvict(key, old.Value)
		}
	}

	for c.config.MaxSize > 0 && c.order.Len() >= c.config.MaxSize {
		c.evict(c.order.Front())
	}

	entry := &Entry[V]{
		Key:       key,
		Value:     value,
		CreatedAt: now,
		LastUsed:  now,
	}
	c.entries[key] = c.order.PushBack(entry)
}

func (c *lru[V]) remove(key string) bool {
	elem, ok := c.entries[key]
	if ok {
		c.evict(elem)
	}

	return ok
}

func (c *lru[V]) clear() int {
	n := c.order.Len()
	for c.order.Len() > 0 {
		c.evict(c.order.Front())
	}

	return n
}

func (c *lru[V]) prune(now time.Time) int {
	pruned := 0

	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if c.expired(elem.Value.(*Entry[V]), now) {
			c.evict(elem)
			pruned++
		}

		elem = next
	}

	return pruned
}

func (c *lru[V]) evict(elem *list.Element) {
	entry := elem.Value.(*Entry[V])
	c.order.Remove(elem)
	delete(c.entries, entry.Key)

	if c.onEvict != nil {
		c.onEvict(entry.Key, entry.Value)
	}
}
