package storygen

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

// RetryOptions tunes the bounded exponential backoff applied to
// network-facing operations. Timeout is a hard ceiling on total elapsed time
// across all attempts.
type RetryOptions struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Timeout    time.Duration
	Retriable  func(error) bool
	Logger     *zap.Logger
}

type RetryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	timeout    time.Duration
	retriable  func(error) bool
	logger     *zap.Logger
}

func NewRetryPolicy(opts RetryOptions) *RetryPolicy {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	retriable := opts.Retriable
	if retriable == nil {
		retriable = DefaultRetriable
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryPolicy{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		timeout:    timeout,
		retriable:  retriable,
		logger:     logger,
	}
}

// AttemptError tags the final error with how many attempts were spent.
type AttemptError struct {
	Attempts int
	Err      error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

// Do runs op until it succeeds, fails fatally, exhausts the retry budget, or
// the elapsed ceiling expires. The wrapped operation must be idempotent; the
// caller guarantees that via stable request ids.
func (p *RetryPolicy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		retriable := p.retriable(lastErr)
		p.logger.Info("retryable operation attempt failed",
			zap.String("op", name),
			zap.Int("attempt", attempt),
			zap.Bool("retriable", retriable),
			zap.String("errorClass", classifyError(lastErr)),
			zap.Error(lastErr),
		)
		if !retriable || attempt > p.maxRetries {
			return &AttemptError{Attempts: attempt, Err: lastErr}
		}
		delay := p.Delay(attempt)
		var statusErr *HTTPStatusError
		if errors.As(lastErr, &statusErr) && statusErr.RetryAfter > 0 {
			delay = statusErr.RetryAfter
			if delay > p.maxDelay {
				delay = p.maxDelay
			}
		}
		p.logger.Debug("backing off before retry",
			zap.String("op", name),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)
		if err := sleepContext(ctx, delay); err != nil {
			return &AttemptError{Attempts: attempt, Err: lastErr}
		}
	}
}

// Delay returns the backoff before retry n (n >= 1 after the first failure):
// min(baseDelay * 2^(n-1), maxDelay).
func (p *RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := p.baseDelay
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= p.maxDelay {
			return p.maxDelay
		}
	}
	if delay > p.maxDelay {
		return p.maxDelay
	}
	return delay
}

// MaxRetries exposes the configured retry budget.
func (p *RetryPolicy) MaxRetries() int {
	return p.maxRetries
}

// Retriable classifies an error under the policy's predicate.
func (p *RetryPolicy) Retriable(err error) bool {
	return p.retriable(err)
}

// DefaultRetriable treats network and timeout failures as transient and
// HTTP 4xx application responses (other than 408/429) as fatal.
func DefaultRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrInvalidInput) {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == 408, statusErr.StatusCode == 429:
			return true
		case statusErr.StatusCode >= 500:
			return true
		default:
			return false
		}
	}
	return true
}

func classifyError(err error) string {
	if err == nil {
		return "none"
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == 429:
			return "rate_limited"
		case statusErr.StatusCode >= 500:
			return "remote_unavailable"
		default:
			return "application"
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, ErrQuotaExceeded) {
		return "quota"
	}
	return "network"
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
