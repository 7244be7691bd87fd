package engine

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/promptstack/guardrail/internal/anomaly"
	"github.com/promptstack/guardrail/internal/audit"
	"github.com/promptstack/guardrail/internal/breaker"
	"github.com/promptstack/guardrail/internal/challenge"
	"github.com/promptstack/guardrail/internal/config"
	"github.com/promptstack/guardrail/internal/dedup"
	"github.com/promptstack/guardrail/internal/identity"
	"github.com/promptstack/guardrail/internal/metrics"
	"github.com/promptstack/guardrail/internal/rate"
	"github.com/promptstack/guardrail/internal/shadowban"
	"github.com/promptstack/guardrail/internal/window"
)

// Request carries the raw metadata for one gated action. Now is injected so
// behavior is deterministic under test; the zero value means wall-clock.
type Request struct {
	Action     string
	IP         string
	UserAgent  string
	UserID     string
	ResourceID string
	Now        time.Time
}

// Engine composes the gating pipeline: identity -> shadow ban -> circuit
// breaker -> rate limit -> dedup -> anomaly score -> challenge gate. All
// state is in-memory; every stage is a map lookup plus arithmetic.
type Engine struct {
	hasher   *identity.Hasher
	bans     *shadowban.Registry
	breakers *breaker.Registry
	limiter  *rate.Limiter
	dedup    *dedup.Guard
	scorer   *anomaly.Scorer
	gate     *challenge.Gate
	bypass   *challenge.BypassIssuer

	// Windowed duplicate accounting per actor, feeding the anomaly
	// duplication signal.
	dupSeen       *window.Counter
	dupSuppressed *window.Counter

	breakerIdle time.Duration
	sink        audit.Sink
	log         zerolog.Logger
}

// New wires the pipeline from validated configuration. The sink receives
// audit payloads off the critical path; pass audit.NopSink{} to discard.
func New(cfg *config.Config, log zerolog.Logger, sink audit.Sink) (*Engine, error) {
	if sink == nil {
		sink = audit.NopSink{}
	}
	e := &Engine{
		hasher:        identity.NewHasher(cfg.Identity.IPSalt, cfg.Identity.UASalt),
		bans:          shadowban.NewRegistry(cfg.ShadowBan.UserIDs),
		breakers:      breaker.NewRegistry(breaker.FromConfig(cfg.Breaker), log),
		limiter:       rate.New(cfg.Buckets, 0),
		dedup:         dedup.NewGuard(cfg.Dedup.Window(), cfg.Dedup.Capacity),
		scorer:        anomaly.NewScorer(cfg.Anomaly),
		gate:          challenge.NewGate(cfg.Challenge.Enabled, cfg.Challenge.TriggerOnScore, cfg.Challenge.BypassDuration()),
		dupSeen:       window.NewCounter(cfg.Dedup.Window()),
		dupSuppressed: window.NewCounter(cfg.Dedup.Window()),
		breakerIdle:   time.Duration(cfg.Breaker.BanSeconds+cfg.Breaker.WindowSeconds) * time.Second,
		sink:          sink,
		log:           log,
	}
	if cfg.Challenge.Enabled {
		iss, err := challenge.NewBypassIssuer(cfg.Challenge.BypassSecret, cfg.Challenge.BypassDuration())
		if err != nil {
			return nil, fmt.Errorf("bypass issuer: %w", err)
		}
		e.bypass = iss
	}
	return e, nil
}

// ActorKey resolves the rate-limit identity for the given request metadata.
func (e *Engine) ActorKey(ip, userAgent, userID string) string {
	return e.hasher.Resolve(ip, userAgent, userID).Key()
}

// Evaluate runs the full pipeline for one request. The returned error is
// reserved for programmer/configuration mistakes (unknown action name);
// policy denials are Decision values.
func (e *Engine) Evaluate(req Request) (Decision, error) {
	start := time.Now()
	defer func() {
		metrics.DecisionDuration.Observe(time.Since(start).Seconds())
	}()

	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	bucket, ok := e.limiter.Bucket(req.Action)
	if !ok {
		return Decision{}, fmt.Errorf("unknown action %q", req.Action)
	}

	actor := e.hasher.Resolve(req.IP, req.UserAgent, req.UserID)
	key := actor.Key()
	// Shadow-banned users on eligible actions are silently accepted no
	// matter what the rest of the pipeline would decide; the pipeline still
	// runs so their traffic keeps consuming budget and feeding signals.
	shadowed := bucket.ShadowBanEligible && e.bans.IsBanned(req.UserID)

	// Circuit breaker: fail fast, no downstream budget consumed while open.
	verdict := e.breakers.Allow(key, now)
	if !verdict.Allowed {
		metrics.BreakerRejections.Inc()
		ev := audit.NewEvent(audit.KindBreakerRejection, key, req.Action, verdict.State.String(), now)
		ev.RetryIn = verdict.RetryAfter
		e.sink.Emit(ev)
		return e.finish(Decision{
			Outcome:    OutcomeDeny,
			Reason:     "circuit_open",
			RetryAfter: verdict.RetryAfter,
			ActorKey:   key,
		}, shadowed), nil
	}

	// Rate limit: the counter is consumed even when the verdict is a denial.
	res, err := e.limiter.CheckAndConsume(req.Action, key, now)
	if err != nil {
		return Decision{}, err
	}
	if !res.Allowed {
		metrics.RateLimitDenied.WithLabelValues(req.Action).Inc()
		ev := audit.NewEvent(audit.KindRateLimitDenied, key, req.Action,
			fmt.Sprintf("count=%d limit=%d", res.Count, res.Limit), now)
		ev.RetryIn = res.RetryAfter
		e.sink.Emit(ev)
		if verdict.Probe {
			e.breakers.CancelProbe(key)
		}
		return e.finish(Decision{
			Outcome:    OutcomeDeny,
			Reason:     "rate_limited:" + req.Action,
			RetryAfter: res.RetryAfter,
			ActorKey:   key,
		}, shadowed), nil
	}

	// Dedup: repeats of low-value events inside the window are accepted but
	// must not count publicly, so they resolve to a suppressed allow.
	if bucket.Dedup {
		dk := key + ":" + req.ResourceID + ":" + req.Action
		e.dupSeen.Increment(key, now)
		if e.dedup.ShouldSuppress(dk, now) {
			e.dupSuppressed.Increment(key, now)
			metrics.DedupSuppressed.Inc()
			return e.finish(Decision{
				Outcome:  OutcomeAllowSuppressed,
				Reason:   "duplicate_event",
				Probe:    verdict.Probe,
				ActorKey: key,
			}, shadowed), nil
		}
		e.dedup.MarkSeen(dk, now)
	}

	// Anomaly score.
	score := e.scorer.Score(key, anomaly.Signals{
		BurstCount:     res.Count,
		DuplicateRatio: e.duplicateRatio(key, now),
		UAEntropy:      anomaly.UAEntropy(req.UserAgent),
	})
	metrics.AnomalyScores.Observe(score.Composite)
	switch score.Level {
	case anomaly.LevelWarning:
		metrics.AnomalyThresholdCrossings.WithLabelValues("warning").Inc()
		e.log.Debug().
			Str("actor", key).
			Float64("composite", score.Composite).
			Strs("reasons", score.Reasons).
			Msg("anomaly warning threshold crossed")
		ev := audit.NewEvent(audit.KindAnomalyWarning, key, req.Action, "", now)
		ev.Score = score.Composite
		e.sink.Emit(ev)
	case anomaly.LevelAction:
		metrics.AnomalyThresholdCrossings.WithLabelValues("action").Inc()
		e.log.Info().
			Str("actor", key).
			Float64("composite", score.Composite).
			Strs("reasons", score.Reasons).
			Msg("anomaly action threshold crossed")
		ev := audit.NewEvent(audit.KindAnomalyAction, key, req.Action, "", now)
		ev.Score = score.Composite
		e.sink.Emit(ev)
	}

	// Challenge gate.
	if e.gate.RequiresChallenge(score, key, now) {
		metrics.ChallengesRequired.Inc()
		ev := audit.NewEvent(audit.KindChallengeRequired, key, req.Action, "", now)
		ev.Score = score.Composite
		e.sink.Emit(ev)
		if verdict.Probe {
			e.breakers.CancelProbe(key)
		}
		return e.finish(Decision{
			Outcome:  OutcomeRequireChallenge,
			Reason:   "anomaly_score",
			Score:    &score,
			ActorKey: key,
		}, shadowed), nil
	}

	return e.finish(Decision{
		Outcome:  OutcomeAllow,
		Score:    &score,
		Probe:    verdict.Probe,
		ActorKey: key,
	}, shadowed), nil
}

// finish coerces the outcome for shadow-banned actors and counts the
// decision. Eligible writes from shadow-banned users are always accepted
// with suppressed visibility, never denied or challenged.
func (e *Engine) finish(d Decision, shadowed bool) Decision {
	if shadowed {
		d.Outcome = OutcomeAllowSuppressed
		if d.Reason == "" {
			d.Reason = "shadow_banned"
		}
		d.RetryAfter = 0
	}
	metrics.Decisions.WithLabelValues(d.Outcome.String()).Inc()
	return d
}

// duplicateRatio is suppressed/seen dedup-eligible events for the actor in
// the current window.
func (e *Engine) duplicateRatio(actorKey string, now time.Time) float64 {
	seen := e.dupSeen.Count(actorKey, now)
	if seen == 0 {
		return 0
	}
	return float64(e.dupSuppressed.Count(actorKey, now)) / float64(seen)
}

// ReportResult feeds the downstream outcome of an admitted request back to
// the actor's circuit breaker. Only recovery probes influence state.
func (e *Engine) ReportResult(actorKey string, success bool, now time.Time) {
	if now.IsZero() {
		now = time.Now()
	}
	e.breakers.RecordResult(actorKey, success, now)
}

// RecordChallengeSuccess is invoked by the external verification
// collaborator when the actor passes. It grants the in-memory bypass and,
// when a bypass issuer is configured, mints a portable signed token the
// caller can hand back to the client.
func (e *Engine) RecordChallengeSuccess(actorKey string, now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now()
	}
	e.gate.RecordSuccess(actorKey, now)
	metrics.ChallengeBypasses.Inc()
	if e.bypass == nil {
		return "", nil
	}
	return e.bypass.Issue(actorKey, now)
}

// RedeemBypassToken verifies a signed bypass token and, when valid, restores
// the actor's in-memory grant (e.g. after a restart or on another replica).
func (e *Engine) RedeemBypassToken(token, actorKey string, now time.Time) bool {
	if e.bypass == nil {
		return false
	}
	if now.IsZero() {
		now = time.Now()
	}
	if !e.bypass.Verify(token, actorKey, now) {
		return false
	}
	e.gate.RecordSuccess(actorKey, now)
	return true
}

// Sweep evicts idle circuit-breaker machines. Safe to call periodically from
// a background ticker.
func (e *Engine) Sweep(now time.Time) int {
	return e.breakers.Sweep(now, e.breakerIdle)
}

// BreakerState exposes the actor's circuit state for health/introspection.
func (e *Engine) BreakerState(actorKey string) breaker.State {
	return e.breakers.StateOf(actorKey)
}

// Buckets lists the configured action names.
func (e *Engine) Buckets() []string { return e.limiter.Buckets() }
