package safety

import (
	"sync"
	"time"

	"github.com/atlas-sentinel/engine/internal/events"
	"github.com/atlas-sentinel/engine/pkg/domain"
)

// CircuitBreakerConfig tunes the three-state breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
}

// DefaultCircuitBreakerConfig returns the standard thresholds.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		RecoveryTimeout:  60 * time.Second,
	}
}

// CircuitBreaker implements the CLOSED/OPEN/HALF_OPEN state machine:
// consecutive failures trip it open, a recovery timer admits a probe,
// and enough probe successes close it again.
type CircuitBreaker struct {
	mu sync.Mutex

	cfg CircuitBreakerConfig
	bus *events.EventBus

	state               domain.CircuitState
	consecutiveFailures int
	probeSuccesses      int
	probeInFlight       bool
	openedAt            time.Time
}

// NewCircuitBreaker builds a breaker starting CLOSED.
func NewCircuitBreaker(cfg CircuitBreakerConfig, bus *events.EventBus) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:   cfg,
		bus:   bus,
		state: domain.CircuitClosed,
	}
}

// Allow reports whether a call may proceed, advancing OPEN->HALF_OPEN
// when the recovery timeout has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case domain.CircuitClosed:
		return true
	case domain.CircuitOpen:
		if time.Now().Before(cb.openedAt.Add(cb.cfg.RecoveryTimeout)) {
			return false
		}
		cb.transition(domain.CircuitHalfOpen, "recovery timeout elapsed")
		cb.probeSuccesses = 0
		cb.probeInFlight = true
		return true
	case domain.CircuitHalfOpen:
		// Admit exactly one probe at a time; subsequent callers are
		// rejected until the in-flight probe reports its outcome.
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess is the only mutator for a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case domain.CircuitHalfOpen:
		cb.probeInFlight = false
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.cfg.SuccessThreshold {
			cb.transition(domain.CircuitClosed, "probe succeeded")
			cb.consecutiveFailures = 0
		}
	case domain.CircuitClosed:
		cb.consecutiveFailures = 0
	}
}

// RecordFailure is the only mutator for a failed call.
func (cb *CircuitBreaker) RecordFailure(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case domain.CircuitHalfOpen:
		cb.probeInFlight = false
		cb.transition(domain.CircuitOpen, reason)
		cb.openedAt = time.Now()
	case domain.CircuitClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.transition(domain.CircuitOpen, reason)
			cb.openedAt = time.Now()
		}
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to domain.CircuitState, reason string) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.bus != nil {
		cb.bus.Publish(events.NewCircuitStateChangedEvent(string(from), string(to), reason))
	}
}

// State returns a snapshot-consistent read of the current state.
func (cb *CircuitBreaker) State() domain.CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns the full SafetyState for status reporting.
func (cb *CircuitBreaker) Snapshot() domain.SafetyState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return domain.SafetyState{
		CircuitState:        cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		OpenedAt:            cb.openedAt,
		RecoveryDeadline:    cb.openedAt.Add(cb.cfg.RecoveryTimeout),
	}
}
