package resilience

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ipeknurercan/mintelligence/failure"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// CircuitBreaker stops calling a ledger endpoint after repeated connectivity failures.
// Only errors accepted by Trips count; a 404 or a rejected transaction proves the
// endpoint is reachable and counts as a success.
type CircuitBreaker struct {
	name              string
	logger            *zap.Logger
	maxFailures       int
	resetTimeout      time.Duration
	successesToClose  int
	Trips             func(error) bool
	OnStateChange     func(name string, state CircuitState)

	mu              sync.Mutex
	state           CircuitState
	failures        int
	lastFailureTime time.Time
	successCount    int
	now             func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		name:             name,
		logger:           logger,
		maxFailures:      maxFailures,
		resetTimeout:     resetTimeout,
		successesToClose: 2,
		Trips:            isTransient,
		state:            StateClosed,
		now:              time.Now,
	}
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return failure.Wrap(ErrCircuitOpen, failure.KindTransientNetwork,
			"ledger network is temporarily unavailable, please retry shortly")
	}
	err := fn()
	cb.recordResult(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) > cb.resetTimeout {
			cb.setState(StateHalfOpen)
			cb.successCount = 0
			cb.logger.Info("circuit breaker transitioning to half-open", zap.String("circuit", cb.name))
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil || !cb.Trips(err) {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successCount++
			if cb.successCount >= cb.successesToClose {
				cb.setState(StateClosed)
				cb.logger.Info("circuit breaker closed after recovery", zap.String("circuit", cb.name))
			}
		}
		return
	}

	cb.failures++
	cb.lastFailureTime = cb.now()

	if cb.state == StateHalfOpen {
		cb.setState(StateOpen)
		cb.logger.Warn("circuit breaker reopened by failure in half-open state",
			zap.String("circuit", cb.name),
			zap.Error(err))
	} else if cb.state == StateClosed && cb.failures >= cb.maxFailures {
		cb.setState(StateOpen)
		cb.logger.Error("circuit breaker opened",
			zap.String("circuit", cb.name),
			zap.Int("failures", cb.failures),
			zap.Error(err))
	}
}

// caller holds mu
func (cb *CircuitBreaker) setState(s CircuitState) {
	cb.state = s
	if cb.OnStateChange != nil {
		cb.OnStateChange(cb.name, s)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset manually closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
	cb.failures = 0
	cb.successCount = 0
}
