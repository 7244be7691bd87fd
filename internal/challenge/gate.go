package challenge

import (
	"container/list"
	"sync"
	"time"

	"github.com/promptstack/guardrail/internal/anomaly"
)

// Gate decides whether an actor must pass an external verification step
// before proceeding. The verification itself (CAPTCHA, proof-of-work, ...)
// is an external collaborator; this gate only tracks the time-boxed bypass
// granted on success.
type Gate struct {
	enabled bool
	trigger float64
	bypass  time.Duration

	mu     sync.Mutex
	grants map[string]*list.Element
	lru    *list.List
	cap    int
}

type grant struct {
	actorKey  string
	grantedAt time.Time
}

func NewGate(enabled bool, triggerOnScore float64, bypassDuration time.Duration) *Gate {
	return NewGateWithCapacity(enabled, triggerOnScore, bypassDuration, 100_000)
}

func NewGateWithCapacity(enabled bool, triggerOnScore float64, bypassDuration time.Duration, capacity int) *Gate {
	if capacity <= 0 {
		capacity = 100_000
	}
	return &Gate{
		enabled: enabled,
		trigger: triggerOnScore,
		bypass:  bypassDuration,
		grants:  make(map[string]*list.Element, capacity/2),
		lru:     list.New(),
		cap:     capacity,
	}
}

// RequiresChallenge is false when the feature is disabled, the composite
// score is below the trigger, or the actor holds a live bypass.
func (g *Gate) RequiresChallenge(score anomaly.Score, actorKey string, now time.Time) bool {
	if !g.enabled {
		return false
	}
	if score.Composite < g.trigger {
		return false
	}
	return !g.HasBypass(actorKey, now)
}

// HasBypass reports whether actorKey holds an unexpired bypass grant.
// Expired grants are purged on read.
func (g *Gate) HasBypass(actorKey string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	el, ok := g.grants[actorKey]
	if !ok {
		return false
	}
	gr := el.Value.(*grant)
	if now.Sub(gr.grantedAt) >= g.bypass {
		delete(g.grants, actorKey)
		g.lru.Remove(el)
		return false
	}
	g.lru.MoveToFront(el)
	return true
}

// RecordSuccess creates or refreshes the bypass grant for actorKey. Invoked
// by the external verification collaborator after the actor passes.
func (g *Gate) RecordSuccess(actorKey string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if el, ok := g.grants[actorKey]; ok {
		el.Value.(*grant).grantedAt = now
		g.lru.MoveToFront(el)
		return
	}
	if g.lru.Len() >= g.cap {
		if back := g.lru.Back(); back != nil {
			old := back.Value.(*grant)
			delete(g.grants, old.actorKey)
			g.lru.Remove(back)
		}
	}
	el := g.lru.PushFront(&grant{actorKey: actorKey, grantedAt: now})
	g.grants[actorKey] = el
}

// Enabled reports whether the challenge feature is on.
func (g *Gate) Enabled() bool { return g.enabled }
