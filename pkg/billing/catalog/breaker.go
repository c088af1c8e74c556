package catalog

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState represents the current state of the circuit breaker.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// ErrCircuitOpen is returned while the provider is considered unavailable.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker stops calling the provider after consecutive failures and lets a
// single trial call through once resetTimeout has elapsed.
type Breaker struct {
	mu sync.Mutex

	state               BreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time
	trialInFlight       bool
	now                 func() time.Time

	onStateChange func(state BreakerState)
}

// NewBreaker creates a closed breaker.
func NewBreaker(failureThreshold int, resetTimeout time.Duration, onStateChange func(BreakerState)) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &Breaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
		onStateChange:    onStateChange,
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

func (b *Breaker) currentState() BreakerState {
	if b.state == StateOpen && b.now().Sub(b.lastFailureTime) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs fn unless the breaker is open. While half-open only one
// trial call runs; concurrent callers are rejected until it completes. A
// canceled context says nothing about the provider and is not counted.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	state := b.currentState()
	switch state {
	case StateOpen:
		b.mu.Unlock()
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.trialInFlight {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.trialInFlight = true
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if state == StateHalfOpen {
		b.trialInFlight = false
	}
	switch {
	case err == nil:
		b.consecutiveFailures = 0
		b.changeState(StateClosed)
	case errors.Is(err, context.Canceled):
	default:
		b.consecutiveFailures++
		b.lastFailureTime = b.now()
		if state == StateHalfOpen || b.consecutiveFailures >= b.failureThreshold {
			b.changeState(StateOpen)
		}
	}
	return err
}

func (b *Breaker) changeState(newState BreakerState) {
	if b.state != newState {
		b.state = newState
		if b.onStateChange != nil {
			b.onStateChange(newState)
		}
	}
}
