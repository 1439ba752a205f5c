package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// ExponentialRetryPolicy retries transient failures with capped exponential
// backoff. Permanent kinds (validation, content policy, persistence) fail fast.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	minDelay    time.Duration
	maxDelay    time.Duration
	jitter      bool
}

// RetryOption customizes an ExponentialRetryPolicy.
type RetryOption func(*ExponentialRetryPolicy)

// WithJitter randomizes each delay within [delay/2, delay].
func WithJitter() RetryOption {
	return func(p *ExponentialRetryPolicy) { p.jitter = true }
}

// NewExponentialRetryPolicy builds a policy. The delay before attempt n+1 is
// base*2^n clamped to [minDelay, maxDelay].
func NewExponentialRetryPolicy(
	maxAttempts int,
	baseDelay, minDelay, maxDelay time.Duration,
	opts ...RetryOption,
) *ExponentialRetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	p := &ExponentialRetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		minDelay:    minDelay,
		maxDelay:    maxDelay,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxAttempts returns the attempt budget.
func (p *ExponentialRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether another attempt is allowed after attempt
// (1-based) failed with err.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) == KindTransient
}

// Backoff returns the wait before the attempt following attempt (1-based).
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay < float64(p.minDelay) {
		delay = float64(p.minDelay)
	}
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	if !p.jitter {
		return time.Duration(delay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
