package engine

import (
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/promptstack/guardrail/internal/audit"
	"github.com/promptstack/guardrail/internal/breaker"
	"github.com/promptstack/guardrail/internal/config"
)

const browserUA = "Mozilla/5.0 (X11; Linux x86_64) Firefox/121.0"

func testConfig() *config.Config {
	return &config.Config{
		Mode: "development",
		Buckets: map[string]config.BucketCfg{
			"comments": {Limit: 6, WindowMs: 60_000},
			"votes":    {Limit: 30, WindowMs: 60_000, ShadowBanEligible: true},
			"views":    {Limit: 600, WindowMs: 60_000, Dedup: true},
			"events":   {Limit: 1000, WindowMs: 60_000},
		},
		Dedup:   config.DedupCfg{WindowMs: 600_000, Capacity: 1000},
		Breaker: config.BreakerCfg{IPQPSMax: 10, BanSeconds: 60, WindowSeconds: 10, RecoveryThreshold: 0.7, ProbeCount: 5},
		Anomaly: config.AnomalyCfg{
			Weights:      config.AnomalyWeights{Burst: 0.6, Duplication: 0.3, Entropy: 0.1},
			Thresholds:   config.AnomalyThresholds{Warning: 0.5, Action: 0.8},
			BurstCeiling: 20,
		},
		ShadowBan: config.ShadowBanCfg{UserIDs: []string{"banned-user"}},
		Audit:     config.AuditCfg{Buffer: 16},
	}
}

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	e, err := New(cfg, zerolog.Nop(), audit.NopSink{})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestEvaluate_AllowWithinLimit(t *testing.T) {
	e := newTestEngine(t, testConfig())
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 6; i++ {
		d, err := e.Evaluate(Request{
			Action:    "comments",
			IP:        "203.0.113.7",
			UserAgent: browserUA,
			UserID:    "u1",
			Now:       t0.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
		if d.Outcome != OutcomeAllow {
			t.Fatalf("request %d: outcome = %v, want allow", i+1, d.Outcome)
		}
		if !d.Allowed() {
			t.Fatalf("request %d: Allowed() = false", i+1)
		}
		if d.ActorKey != "user:u1" {
			t.Fatalf("ActorKey = %q", d.ActorKey)
		}
		if d.Score == nil {
			t.Fatal("allowed decision missing anomaly score")
		}
	}
}

func TestEvaluate_RateLimitDeny(t *testing.T) {
	e := newTestEngine(t, testConfig())
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 6; i++ {
		if _, err := e.Evaluate(Request{
			Action: "comments", UserID: "u1", UserAgent: browserUA,
			Now: t0.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatal(err)
		}
	}
	d, err := e.Evaluate(Request{
		Action: "comments", UserID: "u1", UserAgent: browserUA,
		Now: t0.Add(6 * time.Second),
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != OutcomeDeny {
		t.Fatalf("outcome = %v, want deny", d.Outcome)
	}
	if d.Reason != "rate_limited:comments" {
		t.Errorf("Reason = %q", d.Reason)
	}
	if d.RetryAfter != 54*time.Second {
		t.Errorf("RetryAfter = %v, want 54s", d.RetryAfter)
	}

	// A fresh window admits the actor again.
	d, err = e.Evaluate(Request{
		Action: "comments", UserID: "u1", UserAgent: browserUA,
		Now: t0.Add(61 * time.Second),
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != OutcomeAllow {
		t.Errorf("post-window outcome = %v, want allow", d.Outcome)
	}
}

func TestEvaluate_UnknownAction(t *testing.T) {
	e := newTestEngine(t, testConfig())
	if _, err := e.Evaluate(Request{Action: "nope", Now: time.Now()}); err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestEvaluate_ShadowBanSuppressesEligibleActions(t *testing.T) {
	e := newTestEngine(t, testConfig())
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Eligible action from a banned user: silently accepted, never surfaced.
	d, err := e.Evaluate(Request{
		Action: "votes", UserID: "banned-user", UserAgent: browserUA,
		Now: t0,
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != OutcomeAllowSuppressed {
		t.Fatalf("outcome = %v, want allow_suppressed", d.Outcome)
	}
	if d.Reason != "shadow_banned" {
		t.Errorf("Reason = %q", d.Reason)
	}

	// Non-eligible actions are untouched by the ban.
	d, err = e.Evaluate(Request{
		Action: "comments", UserID: "banned-user", UserAgent: browserUA,
		Now: t0,
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != OutcomeAllow {
		t.Errorf("non-eligible outcome = %v, want allow", d.Outcome)
	}
}

func TestEvaluate_ShadowBanCoercesDenial(t *testing.T) {
	e := newTestEngine(t, testConfig())
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Exhaust the votes budget; even the over-limit request must come back
	// as a suppressed accept so the ban never leaks through an error.
	var d Decision
	var err error
	for i := 0; i <= 30; i++ {
		d, err = e.Evaluate(Request{
			Action: "votes", UserID: "banned-user", UserAgent: browserUA,
			Now: t0.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if d.Outcome != OutcomeAllowSuppressed {
		t.Fatalf("over-limit outcome = %v, want allow_suppressed", d.Outcome)
	}
	if d.RetryAfter != 0 {
		t.Errorf("RetryAfter = %v, want 0 (no retry hint may leak)", d.RetryAfter)
	}
}

func TestEvaluate_DedupSuppression(t *testing.T) {
	e := newTestEngine(t, testConfig())
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first, err := e.Evaluate(Request{
		Action: "views", UserID: "u1", UserAgent: browserUA, ResourceID: "prompt-7",
		Now: t0,
	})
	if err != nil {
		t.Fatal(err)
	}
	if first.Outcome != OutcomeAllow {
		t.Fatalf("first view outcome = %v, want allow", first.Outcome)
	}

	repeat, err := e.Evaluate(Request{
		Action: "views", UserID: "u1", UserAgent: browserUA, ResourceID: "prompt-7",
		Now: t0.Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	if repeat.Outcome != OutcomeAllowSuppressed || repeat.Reason != "duplicate_event" {
		t.Errorf("repeat view = %v/%q, want allow_suppressed/duplicate_event", repeat.Outcome, repeat.Reason)
	}

	other, err := e.Evaluate(Request{
		Action: "views", UserID: "u1", UserAgent: browserUA, ResourceID: "prompt-8",
		Now: t0.Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	if other.Outcome != OutcomeAllow {
		t.Errorf("distinct resource outcome = %v, want allow", other.Outcome)
	}
}

func TestEvaluate_ChallengeAndBypass(t *testing.T) {
	cfg := testConfig()
	cfg.Challenge = config.ChallengeCfg{
		Enabled:          true,
		TriggerOnScore:   0.09,
		BypassDurationMs: 1_800_000,
		BypassSecret:     base64.RawURLEncoding.EncodeToString(make([]byte, 32)),
	}
	e := newTestEngine(t, cfg)
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// An automated UA has zero identity entropy, pushing the composite past
	// the (deliberately low) trigger.
	d, err := e.Evaluate(Request{
		Action: "comments", UserID: "bot-1", UserAgent: "curl/8.4.0",
		Now: t0,
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != OutcomeRequireChallenge {
		t.Fatalf("outcome = %v, want require_challenge", d.Outcome)
	}

	token, err := e.RecordChallengeSuccess(d.ActorKey, t0)
	if err != nil {
		t.Fatal(err)
	}
	if token == "" {
		t.Fatal("expected a signed bypass token")
	}

	// With the grant in place the same traffic flows through.
	d, err = e.Evaluate(Request{
		Action: "comments", UserID: "bot-1", UserAgent: "curl/8.4.0",
		Now: t0.Add(time.Second),
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != OutcomeAllow {
		t.Errorf("post-challenge outcome = %v, want allow", d.Outcome)
	}

	// The token restores the grant on a fresh engine but only for its actor.
	e2 := newTestEngine(t, cfg)
	if !e2.RedeemBypassToken(token, "user:bot-1", t0.Add(time.Minute)) {
		t.Error("valid token rejected")
	}
	if e2.RedeemBypassToken(token, "user:someone-else", t0.Add(time.Minute)) {
		t.Error("token accepted for the wrong actor")
	}
}

func TestEvaluate_BreakerShortCircuits(t *testing.T) {
	e := newTestEngine(t, testConfig())
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	req := Request{Action: "events", IP: "203.0.113.7", UserAgent: browserUA, Now: t0}

	// Everything in the same second: the 11th request pushes QPS past 10.
	var d Decision
	var err error
	for i := 0; i < 11; i++ {
		d, err = e.Evaluate(req)
		if err != nil {
			t.Fatal(err)
		}
	}
	if d.Outcome != OutcomeDeny || d.Reason != "circuit_open" {
		t.Fatalf("11th request = %v/%q, want deny/circuit_open", d.Outcome, d.Reason)
	}
	if d.RetryAfter != 60*time.Second {
		t.Errorf("RetryAfter = %v, want 60s", d.RetryAfter)
	}
	if e.BreakerState(d.ActorKey) != breaker.StateOpen {
		t.Errorf("breaker state = %v, want open", e.BreakerState(d.ActorKey))
	}

	// While open the denial is instant, before any budget is consumed.
	d, err = e.Evaluate(Request{Action: "events", IP: "203.0.113.7", UserAgent: browserUA, Now: t0.Add(30 * time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != OutcomeDeny || d.RetryAfter != 30*time.Second {
		t.Errorf("open-circuit decision = %v retry=%v", d.Outcome, d.RetryAfter)
	}
}

func TestEvaluate_BreakerRecovery(t *testing.T) {
	e := newTestEngine(t, testConfig())
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	req := Request{Action: "events", IP: "203.0.113.7", UserAgent: browserUA, Now: t0}

	var key string
	for i := 0; i < 11; i++ {
		d, err := e.Evaluate(req)
		if err != nil {
			t.Fatal(err)
		}
		key = d.ActorKey
	}
	if e.BreakerState(key) != breaker.StateOpen {
		t.Fatal("breaker did not open")
	}

	// After the ban the probation round admits probes; the caller reports
	// each result back.
	probeAt := t0.Add(61 * time.Second)
	for i := 0; i < 5; i++ {
		d, err := e.Evaluate(Request{Action: "events", IP: "203.0.113.7", UserAgent: browserUA, Now: probeAt})
		if err != nil {
			t.Fatal(err)
		}
		if d.Outcome != OutcomeAllow || !d.Probe {
			t.Fatalf("probe %d = %v (probe=%v), want allowed probe", i+1, d.Outcome, d.Probe)
		}
	}

	// 4 of 5 successes clears the 0.7 recovery threshold.
	for i := 0; i < 5; i++ {
		e.ReportResult(key, i != 0, probeAt.Add(time.Second))
	}
	if got := e.BreakerState(key); got != breaker.StateClosed {
		t.Errorf("post-recovery state = %v, want closed", got)
	}
}

func TestEngine_SweepEvictsIdleBreakers(t *testing.T) {
	e := newTestEngine(t, testConfig())
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if _, err := e.Evaluate(Request{
			Action: "events", UserID: fmt.Sprintf("u%d", i), UserAgent: browserUA, Now: t0,
		}); err != nil {
			t.Fatal(err)
		}
	}
	if removed := e.Sweep(t0.Add(time.Second)); removed != 0 {
		t.Errorf("premature sweep removed %d machines", removed)
	}
	if removed := e.Sweep(t0.Add(time.Hour)); removed != 3 {
		t.Errorf("idle sweep removed %d machines, want 3", removed)
	}
}
