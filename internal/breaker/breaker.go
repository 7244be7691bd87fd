package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/promptstack/guardrail/internal/config"
	"github.com/promptstack/guardrail/internal/metrics"
)

// State represents the per-actor circuit state.
type State int32

const (
	// StateClosed - normal operation, requests flow through
	StateClosed State = iota
	// StateOpen - the actor is banned, requests fail fast
	StateOpen
	// StateHalfOpen - probationary, limited probes allowed to test recovery
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the per-actor breaker tuning.
type Config struct {
	// QPSMax is the request-per-second ceiling measured over WindowSeconds.
	QPSMax float64
	// Ban is how long an open circuit rejects before probing recovery.
	Ban time.Duration
	// WindowSeconds is the QPS measurement window.
	WindowSeconds int
	// RecoveryThreshold is the minimum probe success ratio to close again.
	RecoveryThreshold float64
	// ProbeCount is how many probationary requests one half-open round admits.
	ProbeCount int
}

// FromConfig converts the loaded configuration section.
func FromConfig(cfg config.BreakerCfg) Config {
	return Config{
		QPSMax:            cfg.IPQPSMax,
		Ban:               time.Duration(cfg.BanSeconds) * time.Second,
		WindowSeconds:     cfg.WindowSeconds,
		RecoveryThreshold: cfg.RecoveryThreshold,
		ProbeCount:        cfg.ProbeCount,
	}
}

// Verdict is the breaker's answer for one request.
type Verdict struct {
	Allowed bool
	State   State
	// Probe is set when the request was admitted as a half-open probe; the
	// caller must report the downstream result via RecordResult.
	Probe      bool
	RetryAfter time.Duration
	QPS        float64
}

// Machine is one actor's circuit state machine. Created lazily on first
// request; no terminal state.
type Machine struct {
	mu  sync.Mutex
	key string
	cfg Config

	state    State
	openedAt time.Time
	lastSeen time.Time

	// Per-second request buckets over the measurement window.
	startSec int64
	lastSec  int64
	buckets  []uint32

	probesIssued   int
	probesDone     int
	probeSuccesses int

	log zerolog.Logger
}

func newMachine(key string, cfg Config, log zerolog.Logger) *Machine {
	return &Machine{
		key:     key,
		cfg:     cfg,
		state:   StateClosed,
		buckets: make([]uint32, cfg.WindowSeconds),
		log:     log,
	}
}

// Allow decides whether one request from the actor may proceed, recording it
// against the QPS window. Open circuits reject without consuming any
// downstream rate-limit budget.
func (m *Machine) Allow(now time.Time) Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen = now

	switch m.state {
	case StateClosed:
		qps := m.record(now)
		if qps > m.cfg.QPSMax {
			m.transitionTo(StateOpen, now)
			return Verdict{State: StateOpen, RetryAfter: m.cfg.Ban, QPS: qps}
		}
		return Verdict{Allowed: true, State: StateClosed, QPS: qps}

	case StateOpen:
		elapsed := now.Sub(m.openedAt)
		if elapsed < m.cfg.Ban {
			return Verdict{State: StateOpen, RetryAfter: m.cfg.Ban - elapsed}
		}
		// Cool-down over: probation starts with this request as first probe.
		m.transitionTo(StateHalfOpen, now)
		m.probesIssued = 1
		return Verdict{Allowed: true, State: StateHalfOpen, Probe: true}

	case StateHalfOpen:
		if m.probesIssued < m.cfg.ProbeCount {
			m.probesIssued++
			return Verdict{Allowed: true, State: StateHalfOpen, Probe: true}
		}
		// Probe quota exhausted; hold further traffic until the round settles.
		return Verdict{State: StateHalfOpen, RetryAfter: time.Second}

	default:
		return Verdict{State: m.state}
	}
}

// RecordResult reports the outcome of an admitted half-open probe. Once the
// round completes, the machine closes on a success ratio at or above the
// recovery threshold and re-opens otherwise.
func (m *Machine) RecordResult(success bool, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateHalfOpen {
		return
	}
	m.probesDone++
	if success {
		m.probeSuccesses++
	}
	if m.probesDone < m.cfg.ProbeCount {
		return
	}
	ratio := float64(m.probeSuccesses) / float64(m.probesDone)
	if ratio >= m.cfg.RecoveryThreshold {
		m.transitionTo(StateClosed, now)
	} else {
		m.transitionTo(StateOpen, now)
	}
}

// CancelProbe returns an admitted probe slot that never reached downstream
// (e.g. a later pipeline stage denied the request), so the probation round
// cannot stall waiting on a result that will never arrive.
func (m *Machine) CancelProbe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateHalfOpen && m.probesIssued > m.probesDone {
		m.probesIssued--
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// record counts one request and returns the estimated QPS over the window.
// Caller must hold m.mu.
func (m *Machine) record(now time.Time) float64 {
	sec := now.Unix()
	if m.startSec == 0 {
		m.startSec = sec
		m.lastSec = sec
	}
	m.advance(sec)
	w := len(m.buckets)
	if m.buckets[w-1] < 1<<31 {
		m.buckets[w-1]++
	}
	sum := 0
	for _, b := range m.buckets {
		sum += int(b)
	}
	span := int(sec - m.startSec + 1)
	if span < 1 {
		span = 1
	}
	if span > w {
		span = w
	}
	return float64(sum) / float64(span)
}

// advance shifts the second-buckets forward to catch up with sec.
// Caller must hold m.mu.
func (m *Machine) advance(sec int64) {
	if sec <= m.lastSec {
		return
	}
	diff := sec - m.lastSec
	w := len(m.buckets)
	if diff >= int64(w) {
		for i := range m.buckets {
			m.buckets[i] = 0
		}
		m.startSec = sec
		m.lastSec = sec
		return
	}
	shift := int(diff)
	copy(m.buckets, m.buckets[shift:])
	for i := w - shift; i < w; i++ {
		m.buckets[i] = 0
	}
	m.lastSec = sec
}

// transitionTo changes state, resetting whatever the new state needs.
// Caller must hold m.mu.
func (m *Machine) transitionTo(newState State, now time.Time) {
	oldState := m.state
	m.state = newState

	switch newState {
	case StateOpen:
		m.openedAt = now
	case StateHalfOpen:
		m.probesIssued = 0
		m.probesDone = 0
		m.probeSuccesses = 0
	case StateClosed:
		for i := range m.buckets {
			m.buckets[i] = 0
		}
		m.startSec = 0
		m.lastSec = 0
	}

	metrics.BreakerTransitions.WithLabelValues(oldState.String(), newState.String()).Inc()
	metrics.BreakerStates.WithLabelValues(oldState.String()).Dec()
	metrics.BreakerStates.WithLabelValues(newState.String()).Inc()
	m.log.Info().
		Str("actor", m.key).
		Str("old_state", oldState.String()).
		Str("new_state", newState.String()).
		Msg("circuit breaker state transition")
}

// Registry manages one machine per actor. Machines carry their own locks so
// actors never contend with each other.
type Registry struct {
	cfg      Config
	log      zerolog.Logger
	machines sync.Map // map[string]*Machine
}

func NewRegistry(cfg Config, log zerolog.Logger) *Registry {
	return &Registry{cfg: cfg, log: log}
}

// Allow routes to the actor's machine, creating it in StateClosed on first
// sight.
func (r *Registry) Allow(actorKey string, now time.Time) Verdict {
	return r.getOrCreate(actorKey).Allow(now)
}

// RecordResult reports a probe outcome for the actor; no-op for unseen
// actors or machines outside probation.
func (r *Registry) RecordResult(actorKey string, success bool, now time.Time) {
	if val, ok := r.machines.Load(actorKey); ok {
		val.(*Machine).RecordResult(success, now)
	}
}

// CancelProbe returns a probe slot for the actor; no-op for unseen actors.
func (r *Registry) CancelProbe(actorKey string) {
	if val, ok := r.machines.Load(actorKey); ok {
		val.(*Machine).CancelProbe()
	}
}

// StateOf returns the actor's current state; unseen actors are closed.
func (r *Registry) StateOf(actorKey string) State {
	if val, ok := r.machines.Load(actorKey); ok {
		return val.(*Machine).State()
	}
	return StateClosed
}

// Sweep drops machines idle beyond maxIdle and returns how many it removed.
// A swept actor restarts in StateClosed on its next request, which is
// equivalent for any actor idle past the ban anyway.
func (r *Registry) Sweep(now time.Time, maxIdle time.Duration) int {
	removed := 0
	r.machines.Range(func(key, value any) bool {
		m := value.(*Machine)
		m.mu.Lock()
		idle := now.Sub(m.lastSeen)
		state := m.state
		m.mu.Unlock()
		if idle >= maxIdle {
			r.machines.Delete(key)
			metrics.BreakerStates.WithLabelValues(state.String()).Dec()
			removed++
		}
		return true
	})
	return removed
}

func (r *Registry) getOrCreate(actorKey string) *Machine {
	if val, ok := r.machines.Load(actorKey); ok {
		return val.(*Machine)
	}
	m := newMachine(actorKey, r.cfg, r.log)
	actual, loaded := r.machines.LoadOrStore(actorKey, m)
	if !loaded {
		metrics.BreakerStates.WithLabelValues(StateClosed.String()).Inc()
	}
	return actual.(*Machine)
}
