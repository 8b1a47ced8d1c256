package services

import (
	"sync/atomic"
	"time"
)

// CircuitState represents breaker state.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// CircuitBreaker stops calling the shared store after repeated failures so
// degraded requests skip the round trip instead of each waiting out a
// timeout. One breaker guards the limiter and the session and violation
// repositories. It is per process; each replica trips independently.
type CircuitBreaker struct {
	state            atomic.Int32
	openUntil        atomic.Int64
	failures         atomic.Int64
	halfOpenInFlight atomic.Int64
	threshold        int64
	openFor          time.Duration
	halfOpenMax      int64
	now              func() time.Time
}

// NewCircuitBreaker constructs a breaker. Non-positive arguments get defaults.
func NewCircuitBreaker(threshold int64, openFor time.Duration, now func() time.Time) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openFor <= 0 {
		openFor = 2 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	cb := &CircuitBreaker{threshold: threshold, openFor: openFor, halfOpenMax: 1, now: now}
	cb.state.Store(int32(CircuitClosed))
	return cb
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	if cb == nil {
		return CircuitClosed
	}
	return CircuitState(cb.state.Load())
}

// Allow reports whether the call should proceed.
func (cb *CircuitBreaker) Allow() bool {
	if cb == nil {
		return true
	}
	switch CircuitState(cb.state.Load()) {
	case CircuitOpen:
		if cb.now().UnixNano() < cb.openUntil.Load() {
			return false
		}
		if cb.state.CompareAndSwap(int32(CircuitOpen), int32(CircuitHalfOpen)) {
			cb.halfOpenInFlight.Store(0)
		}
		return cb.admitProbe()
	case CircuitHalfOpen:
		return cb.admitProbe()
	default:
		return true
	}
}

func (cb *CircuitBreaker) admitProbe() bool {
	if cb.halfOpenInFlight.Add(1) <= cb.halfOpenMax {
		return true
	}
	cb.halfOpenInFlight.Add(-1)
	return false
}

// OnSuccess records a successful call.
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	if CircuitState(cb.state.Load()) == CircuitHalfOpen {
		cb.halfOpenInFlight.Add(-1)
		cb.state.Store(int32(CircuitClosed))
	}
	cb.failures.Store(0)
}

// OnFailure records a failure and opens the breaker at the threshold.
func (cb *CircuitBreaker) OnFailure() {
	if cb == nil {
		return
	}
	if CircuitState(cb.state.Load()) == CircuitHalfOpen {
		cb.halfOpenInFlight.Add(-1)
		cb.trip()
		return
	}
	if cb.failures.Add(1) >= cb.threshold {
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.failures.Store(cb.threshold)
	cb.openUntil.Store(cb.now().Add(cb.openFor).UnixNano())
	cb.state.Store(int32(CircuitOpen))
}
