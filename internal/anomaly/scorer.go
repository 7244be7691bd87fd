package anomaly

import (
	"math"

	"github.com/promptstack/guardrail/internal/config"
	"github.com/promptstack/guardrail/internal/identity"
)

// Level classifies a composite score against the configured thresholds.
type Level int

const (
	LevelNone Level = iota
	LevelWarning
	LevelAction
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelAction:
		return "action"
	default:
		return "none"
	}
}

// Signals are the raw per-actor abuse indicators gathered by the decision
// pipeline for one evaluation.
type Signals struct {
	// BurstCount is the actor's event count in the current window.
	BurstCount int
	// DuplicateRatio is suppressed/seen events in [0,1].
	DuplicateRatio float64
	// UAEntropy is the normalized user-agent entropy in [0,1]; low entropy
	// (empty or template-like UA) suggests automation.
	UAEntropy float64
}

// Score is the weighted assessment for one evaluation. It is recomputed per
// decision and never persisted.
type Score struct {
	ActorKey    string
	Burst       float64
	Duplication float64
	Entropy     float64
	Composite   float64
	Level       Level
	Reasons     []string
}

// Scorer combines burst frequency, duplicate-event ratio, and identity
// entropy into a composite abuse score. Weights and thresholds are validated
// at configuration load, not here.
type Scorer struct {
	weights      config.AnomalyWeights
	thresholds   config.AnomalyThresholds
	burstCeiling float64
}

func NewScorer(cfg config.AnomalyCfg) *Scorer {
	return &Scorer{
		weights:      cfg.Weights,
		thresholds:   cfg.Thresholds,
		burstCeiling: float64(cfg.BurstCeiling),
	}
}

// Score evaluates the signals for actorKey. Each term is clamped to [0,1]
// before weighting; the entropy term scores the *lack* of entropy.
func (s *Scorer) Score(actorKey string, sig Signals) Score {
	burst := clamp01(float64(sig.BurstCount) / s.burstCeiling)
	dup := clamp01(sig.DuplicateRatio)
	ent := clamp01(1 - sig.UAEntropy)

	sc := Score{
		ActorKey:    actorKey,
		Burst:       burst,
		Duplication: dup,
		Entropy:     ent,
		Composite:   s.weights.Burst*burst + s.weights.Duplication*dup + s.weights.Entropy*ent,
	}
	if burst >= 1 {
		sc.Reasons = append(sc.Reasons, "burst_saturated")
	}
	if dup >= 0.5 {
		sc.Reasons = append(sc.Reasons, "duplicate_heavy")
	}
	if ent >= 0.8 {
		sc.Reasons = append(sc.Reasons, "low_identity_entropy")
	}
	switch {
	case sc.Composite >= s.thresholds.Action:
		sc.Level = LevelAction
	case sc.Composite >= s.thresholds.Warning:
		sc.Level = LevelWarning
	}
	return sc
}

// Thresholds exposes the configured thresholds for callers that log them.
func (s *Scorer) Thresholds() config.AnomalyThresholds { return s.thresholds }

// UAEntropy estimates how "organic" a user agent looks, in [0,1]. Shannon
// entropy of the byte distribution, normalized; known automated clients and
// empty strings score 0 regardless of their character mix.
func UAEntropy(ua string) float64 {
	if ua == "" || identity.LooksAutomated(ua) {
		return 0
	}
	var freq [256]int
	for i := 0; i < len(ua); i++ {
		freq[ua[i]]++
	}
	n := float64(len(ua))
	var h float64
	for _, c := range freq {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	// ~5.2 bits/char is a practical ceiling for real browser UA strings.
	const maxBits = 5.2
	return clamp01(h / maxBits)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
