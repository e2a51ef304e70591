// Package risk implements the synchronous pre-trade gate: funds/margin
// checks, position/leverage ceilings, submit-rate limiting, price-deviation
// and size checks, and the Normal/Warning/Tripped trading circuit breaker
// with a half-open probe and operator kill switch.
package risk

import (
	"sync"
	"time"
)

// State is the circuit breaker's trading-halt state, distinct from
// venue's transport-call breaker.
type State string

const (
	Normal   State = "NORMAL"
	Warning  State = "WARNING"
	Tripped  State = "TRIPPED"
	HalfOpen State = "HALF_OPEN"
)

// TripReason names why the breaker tripped, for SystemEvent::CircuitTripped.
type TripReason string

const (
	ReasonDrawdown       TripReason = "drawdown_breach"
	ReasonRejectRate     TripReason = "consecutive_reject_rate"
	ReasonVenueLatency   TripReason = "venue_latency_anomaly"
	ReasonKillSwitch     TripReason = "kill_switch"
)

// CircuitBreaker tracks trading health and halts new order submission
// when tripped; cancels remain allowed.
type CircuitBreaker struct {
	mu sync.Mutex

	maxConsecutiveRejects int
	cooldown              time.Duration
	warningRejectRatio    float64

	state               State
	consecutiveRejects  int
	consecutiveAccepts  int
	tripReason          TripReason
	trippedAt           time.Time
	halfOpenProbeUsed   bool
	halfOpenProbeStrategy string
}

// NewCircuitBreaker creates a breaker in Normal state.
func NewCircuitBreaker(maxConsecutiveRejects int, cooldown time.Duration) *CircuitBreaker {
	if maxConsecutiveRejects <= 0 {
		maxConsecutiveRejects = 5
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &CircuitBreaker{
		maxConsecutiveRejects: maxConsecutiveRejects,
		cooldown:              cooldown,
		warningRejectRatio:    0.5,
		state:                 Normal,
	}
}

// AllowSubmit reports whether a new (non-cancel) order may be submitted
// by strategyID right now. In Tripped state only cancels are allowed
// (enforced by the caller, not here, since cancels never reach this
// check). In HalfOpen, exactly one probing strategy is admitted.
func (cb *CircuitBreaker) AllowSubmit(strategyID string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Normal, Warning:
		return true
	case Tripped:
		if time.Since(cb.trippedAt) < cb.cooldown {
			return false
		}
		cb.state = HalfOpen
		cb.halfOpenProbeUsed = true
		cb.halfOpenProbeStrategy = strategyID
		return true
	case HalfOpen:
		return !cb.halfOpenProbeUsed || cb.halfOpenProbeStrategy == strategyID
	}
	return false
}

// RecordAccept registers a successful submission, closing the breaker on
// a half-open probe success.
func (cb *CircuitBreaker) RecordAccept() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveRejects = 0
	cb.consecutiveAccepts++
	if cb.state == HalfOpen {
		cb.state = Normal
		cb.halfOpenProbeUsed = false
	}
}

// RecordReject registers a venue or pre-trade rejection, tripping the
// breaker after maxConsecutiveRejects.
func (cb *CircuitBreaker) RecordReject() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == HalfOpen {
		cb.trip(ReasonRejectRate)
		return
	}

	cb.consecutiveAccepts = 0
	cb.consecutiveRejects++
	if cb.consecutiveRejects >= cb.maxConsecutiveRejects {
		cb.trip(ReasonRejectRate)
	} else if float64(cb.consecutiveRejects) >= float64(cb.maxConsecutiveRejects)*cb.warningRejectRatio {
		cb.state = Warning
	}
}

// TripDrawdown force-trips the breaker from a drawdown check elsewhere
// (the engine computes equity drawdown; this just records the trip).
func (cb *CircuitBreaker) TripDrawdown() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trip(ReasonDrawdown)
}

// TripVenueLatency force-trips on a venue latency anomaly.
func (cb *CircuitBreaker) TripVenueLatency() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trip(ReasonVenueLatency)
}

// KillSwitch is the operator-initiated trip, driven by the gateway's
// KILL SWITCH command.
func (cb *CircuitBreaker) KillSwitch() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trip(ReasonKillSwitch)
}

func (cb *CircuitBreaker) trip(reason TripReason) {
	cb.state = Tripped
	cb.tripReason = reason
	cb.trippedAt = time.Now()
	cb.halfOpenProbeUsed = false
}

// Reset clears the breaker back to Normal (human ack after a trip).
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = Normal
	cb.consecutiveRejects = 0
	cb.halfOpenProbeUsed = false
}

// Status returns the current state and the reason of the most recent trip;
// the reason is kept after the breaker closes or is Reset.
func (cb *CircuitBreaker) Status() (State, TripReason) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.tripReason
}
