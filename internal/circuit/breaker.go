// Package circuit implements a three-state failure protector for exchange calls.
package circuit

import (
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"    // Normal operation
	StateOpen     State = "open"      // Calls blocked
	StateHalfOpen State = "half_open" // Probing recovery
)

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold int           `json:"failure_threshold"` // Consecutive failures before opening
	SuccessThreshold int           `json:"success_threshold"` // Consecutive probe successes before closing
	Timeout          time.Duration `json:"timeout"`           // Open duration before probing
	// IsFailure decides whether an error counts against the breaker.
	// Errors it rejects propagate to the caller without touching state.
	// Nil counts every non-nil error.
	IsFailure func(error) bool `json:"-"`
	// OnStateChange is invoked (outside the lock) on every transition.
	OnStateChange func(name string, from, to State) `json:"-"`
}

// DefaultConfig returns the default breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
	}
}

// OpenError is returned when a call is rejected because the breaker is open
// or all half-open probe slots are taken.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q open, retry after %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// IsOpenError reports whether err is a breaker rejection.
func IsOpenError(err error) bool {
	_, ok := err.(*OpenError)
	return ok
}

// Breaker protects a downstream dependency. The protected call runs outside
// the critical section so a slow call never blocks other callers past the
// state decision.
type Breaker struct {
	name   string
	config Config

	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	lastFailureTime  time.Time
	halfOpenInFlight int
}

// NewBreaker creates a breaker with the given name and configuration.
func NewBreaker(name string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counts returns the current failure and success counters.
func (b *Breaker) Counts() (failures, successes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures, b.successes
}

// Call runs fn under the breaker. In the open state it returns *OpenError
// with the remaining timeout as a retry hint. In half-open, at most
// SuccessThreshold probes run concurrently; excess callers are rejected.
func (b *Breaker) Call(fn func() error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := fn()
	b.afterCall(err)
	return err
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		elapsed := time.Since(b.lastFailureTime)
		if elapsed < b.config.Timeout {
			return &OpenError{Name: b.name, RetryAfter: b.config.Timeout - elapsed}
		}
		b.transition(StateHalfOpen)
		b.halfOpenInFlight = 1
		return nil

	case StateHalfOpen:
		if b.halfOpenInFlight >= b.config.SuccessThreshold {
			return &OpenError{Name: b.name, RetryAfter: b.config.Timeout}
		}
		b.halfOpenInFlight++
		return nil
	}
	return nil
}

func (b *Breaker) afterCall(err error) {
	counts := err == nil || b.config.IsFailure == nil || b.config.IsFailure(err)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}

	// Unexpected error classes pass through without affecting state.
	if err != nil && !counts {
		return
	}

	if err != nil {
		b.onFailure()
	} else {
		b.onSuccess()
	}
}

func (b *Breaker) onFailure() {
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.successes = 0
		b.halfOpenInFlight = 0
		b.transition(StateOpen)
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			b.halfOpenInFlight = 0
			b.transition(StateClosed)
		}
	}
}

// transition must be called with the lock held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.name, from, to)
	}
}
