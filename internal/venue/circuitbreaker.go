package venue

import (
	"sync"
	"time"
)

// breakerState is the transport circuit breaker's state, distinct from
// risk.CircuitBreaker's Normal/Warning/Tripped trading-halt states: this
// one only guards venue call attempts.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// circuitBreaker trips after failureThreshold consecutive failures,
// refusing calls until cooldown elapses, then allows exactly one probe
// call through (half-open); success closes it, failure re-opens it.
type circuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	cooldown         time.Duration

	state               breakerState
	consecutiveFailures int
	trippedAt           time.Time
	halfOpenInFlight    bool
}

func newCircuitBreaker(failureThreshold int, cooldown time.Duration) *circuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &circuitBreaker{failureThreshold: failureThreshold, cooldown: cooldown}
}

// allow reports whether a call may proceed right now, and if this call is
// the half-open probe (exactly one is let through per cooldown).
func (cb *circuitBreaker) allow() (ok bool, isProbe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case breakerClosed:
		return true, false
	case breakerOpen:
		if time.Since(cb.trippedAt) < cb.cooldown {
			return false, false
		}
		cb.state = breakerHalfOpen
		cb.halfOpenInFlight = true
		return true, true
	case breakerHalfOpen:
		if cb.halfOpenInFlight {
			return false, false
		}
		cb.halfOpenInFlight = true
		return true, true
	}
	return false, false
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.state = breakerClosed
	cb.halfOpenInFlight = false
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == breakerHalfOpen {
		cb.trip()
		return
	}

	cb.consecutiveFailures++
	if cb.consecutiveFailures >= cb.failureThreshold {
		cb.trip()
	}
}

func (cb *circuitBreaker) trip() {
	cb.state = breakerOpen
	cb.trippedAt = time.Now()
	cb.halfOpenInFlight = false
}

func (cb *circuitBreaker) currentState() breakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
