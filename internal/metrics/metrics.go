package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardrail_decisions_total",
			Help: "Count of decisions by outcome (allow/deny/suppress/challenge)",
		},
		[]string{"outcome"},
	)
	DecisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "guardrail_decision_duration_seconds",
			Help:    "Latency of a full pipeline evaluation",
			Buckets: []float64{0.000005, 0.00001, 0.000025, 0.00005, 0.0001, 0.00025, 0.0005, 0.001},
		},
	)
	RateLimitDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardrail_rate_limit_denied_total",
			Help: "Rate-limit denials by bucket",
		},
		[]string{"bucket"},
	)
	DedupSuppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guardrail_dedup_suppressed_total",
			Help: "Duplicate low-value events suppressed",
		},
	)
	AnomalyScores = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "guardrail_anomaly_composite",
			Help:    "Composite anomaly score distribution",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)
	AnomalyThresholdCrossings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardrail_anomaly_threshold_crossings_total",
			Help: "Anomaly scores at or above a configured threshold",
		},
		[]string{"level"},
	)
	ChallengesRequired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guardrail_challenges_required_total",
			Help: "Evaluations that escalated to a challenge",
		},
	)
	ChallengeBypasses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guardrail_challenge_bypasses_total",
			Help: "Bypass grants recorded after successful challenges",
		},
	)
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardrail_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)
	BreakerRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guardrail_breaker_rejections_total",
			Help: "Requests short-circuited by an open breaker",
		},
	)
	BreakerStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guardrail_breaker_state_machines",
			Help: "Live circuit breaker machines by state",
		},
		[]string{"state"},
	)
	AuditDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guardrail_audit_dropped_total",
			Help: "Audit events dropped because the sink buffer was full",
		},
	)
)

func MustRegister() {
	prometheus.MustRegister(
		Decisions,
		DecisionDuration,
		RateLimitDenied,
		DedupSuppressed,
		AnomalyScores,
		AnomalyThresholdCrossings,
		ChallengesRequired,
		ChallengeBypasses,
		BreakerTransitions,
		BreakerRejections,
		BreakerStates,
		AuditDropped,
	)
}
