package llm

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
	"github.com/JakeFAU/recipe-crawler/internal/metrics"
)

// RetryPolicy decides whether and when a failed attempt is repeated.
type RetryPolicy interface {
	MaxAttempts() int
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// RetryingExtractor repeats transient failures of an inner Extractor.
type RetryingExtractor struct {
	inner  Extractor
	policy RetryPolicy
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

var _ Extractor = (*RetryingExtractor)(nil)

// NewRetryingExtractor wraps inner. A nil policy retries three times with
// 4s to 10s of backoff.
func NewRetryingExtractor(inner Extractor, policy RetryPolicy, logger *zap.Logger) *RetryingExtractor {
	if policy == nil {
		policy = crawler.NewExponentialRetryPolicy(3, time.Second, 4*time.Second, 10*time.Second)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingExtractor{
		inner:  inner,
		policy: policy,
		logger: logger.Named("llm_retry"),
		sleep:  sleepContext,
	}
}

// ExtractDish calls the inner extractor until it succeeds, fails with a
// permanent kind, or the attempt budget is spent. The returned error is
// always a *crawler.Error.
func (r *RetryingExtractor) ExtractDish(ctx context.Context, content string) (*crawler.Dish, error) {
	for attempt := 1; ; attempt++ {
		dish, err := r.inner.ExtractDish(ctx, content)
		if err == nil {
			metrics.ObserveLLMAttempt("success", "")
			return dish, nil
		}
		tagged := crawler.AsError(err, Classify(err))
		metrics.ObserveLLMAttempt("error", string(tagged.Kind))

		if !r.policy.ShouldRetry(tagged, attempt) {
			if tagged.Kind == crawler.KindTransient {
				r.logger.Warn("llm retries exhausted",
					zap.Int("attempts", attempt),
					zap.Error(tagged))
			} else {
				r.logger.Info("llm failure is not retryable",
					zap.String("kind", string(tagged.Kind)),
					zap.Int("attempt", attempt),
					zap.Error(tagged))
			}
			return nil, tagged
		}

		delay := r.policy.Backoff(attempt)
		r.logger.Debug("retrying llm extraction",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(tagged))
		if err := r.sleep(ctx, delay); err != nil {
			return nil, crawler.NewError(crawler.KindTransient, "", err)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ErrNoRecipe is recorded when the model produced no dish or no dish name.
var ErrNoRecipe = crawler.NewError(crawler.KindValidation, "model returned no recipe", nil)
