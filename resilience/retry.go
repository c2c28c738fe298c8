package resilience

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/stellar/go/support/errors"
	"go.uber.org/zap"

	"github.com/ipeknurercan/mintelligence/failure"
)

// RetryPolicy defines retry behavior
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
	// Retryable decides whether an error is worth another attempt.
	// Defaults to transient network failures only.
	Retryable func(error) bool
}

// DefaultRetryPolicy suits Horizon reads: a handful of quick attempts.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
		Retryable:     isTransient,
	}
}

func isTransient(err error) bool {
	return failure.Is(err, failure.KindTransientNetwork)
}

// RetryMetrics tracks retry statistics
type RetryMetrics struct {
	TotalAttempts     int64
	SuccessfulRetries int64
	FailedRetries     int64
	TotalRetryTime    time.Duration
}

// RetryManager handles retry logic with backoff
type RetryManager struct {
	policy  *RetryPolicy
	logger  *zap.Logger
	metrics RetryMetrics
	mu      sync.RWMutex
}

// NewRetryManager creates a new retry manager
func NewRetryManager(policy *RetryPolicy, logger *zap.Logger) *RetryManager {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	if policy.Retryable == nil {
		policy.Retryable = isTransient
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryManager{policy: policy, logger: logger}
}

// Execute runs fn until it succeeds, returns a non-retryable error, or attempts run out.
// The last error is returned unchanged so its failure kind survives.
func (rm *RetryManager) Execute(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	startTime := time.Now()

	for attempt := 1; attempt <= rm.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return failure.Wrap(err, failure.KindTransientNetwork, "request cancelled")
		}

		err := fn()
		if err == nil {
			if attempt > 1 {
				rm.recordSuccess(time.Since(startTime))
				rm.logger.Info("operation succeeded after retry",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("total_time", time.Since(startTime)))
			}
			return nil
		}

		lastErr = err
		rm.recordAttempt()

		if !rm.policy.Retryable(err) {
			return err
		}

		if attempt >= rm.policy.MaxAttempts {
			rm.recordFailure(time.Since(startTime))
			rm.logger.Warn("operation failed after max attempts",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return err
		}

		delay := rm.calculateDelay(attempt)
		rm.logger.Debug("operation failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		}
	}

	return lastErr
}

// ExecuteWithResult is Execute for functions that return a value.
func ExecuteWithResult[T any](ctx context.Context, rm *RetryManager, operation string, fn func() (T, error)) (T, error) {
	var result T
	err := rm.Execute(ctx, operation, func() error {
		var fnErr error
		result, fnErr = fn()
		return fnErr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func (rm *RetryManager) calculateDelay(attempt int) time.Duration {
	delay := float64(rm.policy.InitialDelay) * math.Pow(rm.policy.BackoffFactor, float64(attempt-1))

	if rm.policy.JitterFactor > 0 {
		delay += delay * rm.policy.JitterFactor * (2*rand.Float64() - 1)
	}
	if delay > float64(rm.policy.MaxDelay) {
		delay = float64(rm.policy.MaxDelay)
	}
	return time.Duration(delay)
}

func (rm *RetryManager) recordAttempt() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.metrics.TotalAttempts++
}

func (rm *RetryManager) recordSuccess(d time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.metrics.SuccessfulRetries++
	rm.metrics.TotalRetryTime += d
}

func (rm *RetryManager) recordFailure(d time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.metrics.FailedRetries++
	rm.metrics.TotalRetryTime += d
}

// GetMetrics returns a snapshot of retry metrics
func (rm *RetryManager) GetMetrics() RetryMetrics {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.metrics
}

// ErrCircuitOpen is wrapped into a transient failure while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")
