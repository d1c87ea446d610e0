package breaker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"assessment-gateway/internal/metrics"
)

// ErrCircuitOpen is returned when a call is rejected without being attempted
// because the dependency is known-unhealthy. Callers must treat it as a
// retryable-later outcome, distinct from a genuine dependency failure.
var ErrCircuitOpen = errors.New("circuit open")

// State represents the breaker state machine position
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config controls the thresholds for state transitions
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before probing recovery
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of consecutive half-open successes that closes the breaker
	SuccessThreshold int
	// MaxHalfOpenCalls bounds concurrent trial calls while half-open
	MaxHalfOpenCalls int
	// CallTimeout, when positive, is applied to every wrapped call
	CallTimeout time.Duration
}

// DefaultConfig returns the thresholds used when a dependency has no
// explicit configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
		MaxHalfOpenCalls: 1,
		CallTimeout:      10 * time.Second,
	}
}

// Breaker guards calls to a single dependency
type Breaker struct {
	name string
	cfg  Config

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	halfOpenInFlight     int

	now     func() time.Time
	metrics *metrics.Metrics
}

func newBreaker(name string, cfg Config, m *metrics.Metrics, now func() time.Time) *Breaker {
	b := &Breaker{
		name:    name,
		cfg:     cfg,
		state:   StateClosed,
		now:     now,
		metrics: m,
	}
	if b.metrics != nil {
		b.metrics.SetBreakerState(name, float64(StateClosed))
	}
	return b
}

// State returns the current state, advancing OPEN to HALF_OPEN when the
// recovery timeout has elapsed
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	return b.state
}

// Execute runs fn under the breaker's admission rules. fn runs outside the
// breaker's mutex; its success is judged by the absence of an error.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admitCall(); err != nil {
		return err
	}

	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	err := fn(ctx)
	b.recordOutcome(err == nil)
	return err
}

// admitCall decides whether a call may be attempted and reserves a trial
// slot when half-open
func (b *Breaker) admitCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refresh()

	switch b.state {
	case StateOpen:
		return fmt.Errorf("dependency %s: %w", b.name, ErrCircuitOpen)
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.MaxHalfOpenCalls {
			return fmt.Errorf("dependency %s: %w", b.name, ErrCircuitOpen)
		}
		b.halfOpenInFlight++
	}
	return nil
}

// recordOutcome applies a call result to the state machine
func (b *Breaker) recordOutcome(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}

	if success {
		switch b.state {
		case StateClosed:
			b.consecutiveFailures = 0
		case StateHalfOpen:
			b.consecutiveSuccesses++
			if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
				b.transition(StateClosed)
			}
		}
		return
	}

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		// a single trial failure reopens the breaker
		b.transition(StateOpen)
	}
}

// refresh advances OPEN to HALF_OPEN once the recovery timeout has elapsed.
// Callers must hold b.mu.
func (b *Breaker) refresh() {
	if b.state == StateOpen && !b.now().Before(b.openedAt.Add(b.cfg.RecoveryTimeout)) {
		b.transition(StateHalfOpen)
	}
}

// transition moves the state machine. Callers must hold b.mu.
func (b *Breaker) transition(next State) {
	prev := b.state
	b.state = next

	switch next {
	case StateOpen:
		b.openedAt = b.now()
		b.consecutiveSuccesses = 0
	case StateHalfOpen:
		b.consecutiveSuccesses = 0
		b.halfOpenInFlight = 0
	case StateClosed:
		b.consecutiveFailures = 0
		b.consecutiveSuccesses = 0
		b.halfOpenInFlight = 0
	}

	if b.metrics != nil {
		b.metrics.SetBreakerState(b.name, float64(next))
	}
	log.Printf("breaker: dependency=%s transition %s -> %s", b.name, prev, next)
}

// reset returns the breaker to CLOSED with all counters cleared
func (b *Breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
}
