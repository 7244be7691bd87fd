package rate

import (
	"testing"
	"time"

	"github.com/promptstack/guardrail/internal/config"
)

func testLimiter() *Limiter {
	return New(map[string]config.BucketCfg{
		"comments": {Limit: 6, WindowMs: 60_000},
		"votes":    {Limit: 2, WindowMs: 10_000},
	}, 0)
}

func TestLimiter_SixthAllowedSeventhDenied(t *testing.T) {
	l := testLimiter()
	base := time.Unix(10_000, 0)

	// Six comments at t=0..5s all pass.
	for i := 0; i < 6; i++ {
		res, err := l.CheckAndConsume("comments", "actorA", base.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("CheckAndConsume: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
	}

	// Seventh at t=6s is denied with ~54s retry hint.
	res, err := l.CheckAndConsume("comments", "actorA", base.Add(6*time.Second))
	if err != nil {
		t.Fatalf("CheckAndConsume: %v", err)
	}
	if res.Allowed {
		t.Fatal("seventh request allowed, want denied")
	}
	// Window started at t=0, so retry-after = 60s - 6s.
	if res.RetryAfter != 54*time.Second {
		t.Errorf("RetryAfter = %v, want 54s", res.RetryAfter)
	}
}

func TestLimiter_NextWindowAllowed(t *testing.T) {
	l := testLimiter()
	base := time.Unix(10_000, 0)

	for i := 0; i < 7; i++ {
		l.CheckAndConsume("comments", "actorA", base)
	}
	res, _ := l.CheckAndConsume("comments", "actorA", base.Add(60*time.Second))
	if !res.Allowed {
		t.Error("request in next window denied, want allowed")
	}
	if res.Count != 1 {
		t.Errorf("Count in next window = %d, want 1", res.Count)
	}
}

func TestLimiter_DeniedStillConsumes(t *testing.T) {
	l := testLimiter()
	base := time.Unix(10_000, 0)

	// Burn past the limit; every denial should still raise the count so
	// hammering never weakens the limit.
	var last Result
	for i := 0; i < 10; i++ {
		last, _ = l.CheckAndConsume("votes", "actorB", base)
	}
	if last.Count != 10 {
		t.Errorf("Count = %d, want 10 (denied requests must consume)", last.Count)
	}
}

func TestLimiter_ActorsIndependent(t *testing.T) {
	l := testLimiter()
	base := time.Unix(10_000, 0)

	for i := 0; i < 3; i++ {
		l.CheckAndConsume("votes", "actorA", base)
	}
	res, _ := l.CheckAndConsume("votes", "actorB", base)
	if !res.Allowed {
		t.Error("actorB denied by actorA's traffic")
	}
}

func TestLimiter_UnknownBucket(t *testing.T) {
	l := testLimiter()
	if _, err := l.CheckAndConsume("nope", "actorA", time.Now()); err == nil {
		t.Error("expected error for unknown bucket")
	}
}
