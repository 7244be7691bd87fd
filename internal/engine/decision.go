package engine

import (
	"time"

	"github.com/promptstack/guardrail/internal/anomaly"
)

// Outcome is the decision handed back to the write path.
type Outcome int

const (
	// OutcomeAllow - proceed normally
	OutcomeAllow Outcome = iota
	// OutcomeDeny - reject with a machine-readable reason and retry hint
	OutcomeDeny
	// OutcomeAllowSuppressed - persist the write but never surface it publicly
	OutcomeAllowSuppressed
	// OutcomeRequireChallenge - the actor must pass external verification first
	OutcomeRequireChallenge
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllow:
		return "allow"
	case OutcomeDeny:
		return "deny"
	case OutcomeAllowSuppressed:
		return "allow_suppressed"
	case OutcomeRequireChallenge:
		return "require_challenge"
	default:
		return "unknown"
	}
}

// Decision is the full verdict for one gated request. Denials are normal
// outcomes, never errors.
type Decision struct {
	Outcome    Outcome
	Reason     string
	RetryAfter time.Duration
	// Score is set when the anomaly stage ran.
	Score *anomaly.Score
	// Probe is set when the request was admitted as a circuit-breaker
	// recovery probe; the caller must report the result via ReportResult.
	Probe bool
	// ActorKey is the resolved rate-limit identity the verdict applies to.
	ActorKey string
}

// Allowed reports whether the write may proceed (suppressed or not).
func (d Decision) Allowed() bool {
	return d.Outcome == OutcomeAllow || d.Outcome == OutcomeAllowSuppressed
}
