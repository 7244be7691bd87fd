package dedup

import (
	"container/list"
	"sync"
	"time"
)

// Guard suppresses repeat low-value events (e.g. the same actor re-viewing
// the same resource) within a fixed window. The window is anchored at the
// first sighting: marking a key again inside the window neither extends nor
// shrinks it. Bounded LRU keeps cardinality in check.
type Guard struct {
	mu     sync.Mutex
	window time.Duration
	cap    int
	items  map[string]*list.Element
	lru    *list.List
}

type record struct {
	key       string
	firstSeen time.Time
}

func NewGuard(window time.Duration, capacity int) *Guard {
	if window <= 0 {
		window = 10 * time.Minute
	}
	if capacity <= 0 {
		capacity = 100_000
	}
	return &Guard{
		window: window,
		cap:    capacity,
		items:  make(map[string]*list.Element, capacity/2),
		lru:    list.New(),
	}
}

// ShouldSuppress reports whether key was already seen within the window.
// Expired records are purged on read.
func (g *Guard) ShouldSuppress(key string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	el, ok := g.items[key]
	if !ok {
		return false
	}
	rec := el.Value.(*record)
	if now.Sub(rec.firstSeen) >= g.window {
		delete(g.items, key)
		g.lru.Remove(el)
		return false
	}
	g.lru.MoveToFront(el)
	return true
}

// MarkSeen records key at time now. Idempotent within the window: the
// original first-seen anchor is kept. Once the window has elapsed, a new
// anchor starts at now.
func (g *Guard) MarkSeen(key string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if el, ok := g.items[key]; ok {
		rec := el.Value.(*record)
		if now.Sub(rec.firstSeen) >= g.window {
			rec.firstSeen = now
		}
		g.lru.MoveToFront(el)
		return
	}

	if g.lru.Len() >= g.cap {
		if back := g.lru.Back(); back != nil {
			old := back.Value.(*record)
			delete(g.items, old.key)
			g.lru.Remove(back)
		}
	}
	el := g.lru.PushFront(&record{key: key, firstSeen: now})
	g.items[key] = el
}

// Len reports the number of tracked dedup keys.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lru.Len()
}
