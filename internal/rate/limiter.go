package rate

import (
	"fmt"
	"sort"
	"time"

	"github.com/promptstack/guardrail/internal/config"
	"github.com/promptstack/guardrail/internal/window"
)

// Bucket is a named rate-limited action with its immutable configuration.
type Bucket struct {
	Name              string
	Limit             int
	Window            time.Duration
	Dedup             bool
	ShadowBanEligible bool
}

// Result is the outcome of a single check-and-consume.
type Result struct {
	Allowed    bool
	Bucket     string
	Count      int // post-increment count within the current window
	Limit      int
	RetryAfter time.Duration // only meaningful when denied
}

// Limiter maps named actions to windowed counters. Configuration is fixed at
// construction; lookups of unknown buckets are programmer errors, not policy
// denials.
type Limiter struct {
	buckets  map[string]Bucket
	counters map[string]*window.Counter
}

// New builds a limiter from the configured bucket table. perBucketCapacity
// bounds the distinct actor keys tracked per bucket (<=0 for the default).
func New(buckets map[string]config.BucketCfg, perBucketCapacity int) *Limiter {
	l := &Limiter{
		buckets:  make(map[string]Bucket, len(buckets)),
		counters: make(map[string]*window.Counter, len(buckets)),
	}
	for name, b := range buckets {
		l.buckets[name] = Bucket{
			Name:              name,
			Limit:             b.Limit,
			Window:            b.Window(),
			Dedup:             b.Dedup,
			ShadowBanEligible: b.ShadowBanEligible,
		}
		l.counters[name] = window.NewCounterWithCapacity(b.Window(), perBucketCapacity)
	}
	return l
}

// Bucket returns the configuration for a named action.
func (l *Limiter) Bucket(name string) (Bucket, bool) {
	b, ok := l.buckets[name]
	return b, ok
}

// Buckets returns the configured action names, sorted.
func (l *Limiter) Buckets() []string {
	names := make([]string, 0, len(l.buckets))
	for name := range l.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckAndConsume counts one request against (bucket, actorKey) and decides.
// The counter is incremented before the decision, so a denied request still
// burns window budget; sustained hammering therefore never sees the window
// refill early.
func (l *Limiter) CheckAndConsume(bucket, actorKey string, now time.Time) (Result, error) {
	b, ok := l.buckets[bucket]
	if !ok {
		return Result{}, fmt.Errorf("unknown rate-limit bucket %q", bucket)
	}
	count, windowStart := l.counters[bucket].Increment(bucket+":"+actorKey, now)
	res := Result{
		Allowed: count <= b.Limit,
		Bucket:  bucket,
		Count:   count,
		Limit:   b.Limit,
	}
	if !res.Allowed {
		res.RetryAfter = windowStart.Add(b.Window).Sub(now)
	}
	return res, nil
}

// Count reports the current window count for (bucket, actorKey) without
// consuming budget.
func (l *Limiter) Count(bucket, actorKey string, now time.Time) int {
	c, ok := l.counters[bucket]
	if !ok {
		return 0
	}
	return c.Count(bucket+":"+actorKey, now)
}
