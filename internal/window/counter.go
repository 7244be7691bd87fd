package window

import (
	"container/list"
	"sync"
	"time"
)

/*
Package window provides the rolling-reset counter every limiter in this
module builds on: a fixed window per key that resets to a fresh count once
now advances past windowStart + window. Cardinality is bounded by an LRU so
hostile key explosion cannot grow the map without limit; an evicted or
expired key behaves exactly as if it had never been seen.
*/

// Counter tracks per-key event counts within a fixed rolling window.
type Counter struct {
	mu     sync.Mutex
	window time.Duration
	cap    int
	items  map[string]*list.Element
	lru    *list.List // front = most recently used
}

type entry struct {
	key         string
	count       int
	windowStart time.Time
}

// NewCounter creates a counter with the default key capacity (100k).
func NewCounter(window time.Duration) *Counter {
	return NewCounterWithCapacity(window, 100_000)
}

// NewCounterWithCapacity creates a bounded counter.
func NewCounterWithCapacity(window time.Duration, capacity int) *Counter {
	if window <= 0 {
		window = time.Minute
	}
	if capacity <= 0 {
		capacity = 100_000
	}
	return &Counter{
		window: window,
		cap:    capacity,
		items:  make(map[string]*list.Element, capacity/2),
		lru:    list.New(),
	}
}

// Increment records one event for key at time now and returns the
// post-increment count along with the start of the current window. The
// increment-and-read is atomic under the counter lock, so concurrent
// callers on the same key cannot lose updates.
func (c *Counter) Increment(key string, now time.Time) (count int, windowStart time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		en := el.Value.(*entry)
		if now.Sub(en.windowStart) >= c.window {
			// Window elapsed: fresh count of 1.
			en.count = 1
			en.windowStart = now
		} else {
			en.count++
		}
		c.lru.MoveToFront(el)
		return en.count, en.windowStart
	}

	if c.lru.Len() >= c.cap {
		c.evictLRU()
	}
	en := &entry{key: key, count: 1, windowStart: now}
	el := c.lru.PushFront(en)
	c.items[key] = el
	return 1, now
}

// Count returns the current count for key, or 0 if the key is unseen or its
// window has expired. Expired entries are purged on read.
func (c *Counter) Count(key string, now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return 0
	}
	en := el.Value.(*entry)
	if now.Sub(en.windowStart) >= c.window {
		delete(c.items, key)
		c.lru.Remove(el)
		return 0
	}
	return en.count
}

// Len reports the number of tracked keys, expired entries included until
// they are touched or evicted.
func (c *Counter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// evictLRU drops the least recently used entry. Caller must hold c.mu.
func (c *Counter) evictLRU() {
	back := c.lru.Back()
	if back == nil {
		return
	}
	en := back.Value.(*entry)
	delete(c.items, en.key)
	c.lru.Remove(back)
}
