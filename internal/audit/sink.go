package audit

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/promptstack/guardrail/internal/metrics"
)

// Kind classifies an audit event.
type Kind string

const (
	KindRateLimitDenied   Kind = "rate_limit_denied"
	KindAnomalyWarning    Kind = "anomaly_warning"
	KindAnomalyAction     Kind = "anomaly_action"
	KindBreakerRejection  Kind = "breaker_rejection"
	KindChallengeRequired Kind = "challenge_required"
)

// Event is the structured payload handed to the external observability
// collaborator. This core only produces payloads; delivery is out of scope.
type Event struct {
	ID       string        `json:"id"`
	Kind     Kind          `json:"kind"`
	ActorKey string        `json:"actor_key"`
	Bucket   string        `json:"bucket,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Score    float64       `json:"score,omitempty"`
	RetryIn  time.Duration `json:"retry_in,omitempty"`
	At       time.Time     `json:"at"`
}

func NewEvent(kind Kind, actorKey, bucket, detail string, at time.Time) Event {
	return Event{
		ID:       uuid.NewString(),
		Kind:     kind,
		ActorKey: actorKey,
		Bucket:   bucket,
		Detail:   detail,
		At:       at,
	}
}

// Sink receives audit events. Implementations must not block the decision
// path.
type Sink interface {
	Emit(Event)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// LogSink writes events through zerolog.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Emit(e Event) {
	s.Log.Info().
		Str("event_id", e.ID).
		Str("kind", string(e.Kind)).
		Str("actor", e.ActorKey).
		Str("bucket", e.Bucket).
		Str("detail", e.Detail).
		Float64("score", e.Score).
		Dur("retry_in", e.RetryIn).
		Time("at", e.At).
		Msg("audit event")
}

// ChannelSink buffers events for an external consumer. Emit never blocks:
// when the buffer is full the event is dropped and counted.
type ChannelSink struct {
	ch chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1024
	}
	return &ChannelSink{ch: make(chan Event, buffer)}
}

func (s *ChannelSink) Emit(e Event) {
	select {
	case s.ch <- e:
	default:
		metrics.AuditDropped.Inc()
	}
}

// Events exposes the consumer side of the buffer.
func (s *ChannelSink) Events() <-chan Event { return s.ch }

// Close stops the sink; Emit must not be called afterwards.
func (s *ChannelSink) Close() { close(s.ch) }

// Drain forwards buffered events to next until the sink is closed. Intended
// to run on its own goroutine.
func (s *ChannelSink) Drain(next Sink) {
	for e := range s.ch {
		next.Emit(e)
	}
}
