// Package worker runs the claim, process, commit loop shared by the crawl and
// extraction phases.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
	"github.com/JakeFAU/recipe-crawler/internal/metrics"
)

// Outcome is the per-item result a Phase produces.
type Outcome interface {
	Failed() bool
	Kind() crawler.ErrorKind
}

// Phase supplies the phase-specific steps of the engine loop.
type Phase[T any, O Outcome] interface {
	Name() string
	// Claim atomically moves up to limit rows to in_progress.
	Claim(ctx context.Context, limit int) ([]T, error)
	// Process handles one item. It never returns an error; failures are
	// carried by the outcome.
	Process(ctx context.Context, item T) O
	// Fail builds a failed outcome for an item whose processing panicked.
	Fail(item T, err *crawler.Error) O
	// Commit writes a batch of outcomes guarded by the claim owner.
	Commit(ctx context.Context, succeeded, failed []O) error
}

// Config bounds one engine.
type Config struct {
	BatchSize      int
	MaxConcurrency int
	IdleSleep      time.Duration
	CommitTimeout  time.Duration
}

const defaultCommitTimeout = 30 * time.Second

// Engine drives a Phase until its context ends.
type Engine[T any, O Outcome] struct {
	phase  Phase[T, O]
	cfg    Config
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration)
}

// NewEngine constructs an Engine.
func NewEngine[T any, O Outcome](phase Phase[T, O], cfg Config, logger *zap.Logger) *Engine[T, O] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = defaultCommitTimeout
	}
	return &Engine[T, O]{
		phase:  phase,
		cfg:    cfg,
		logger: logger.Named("engine").With(zap.String("phase", phase.Name())),
		sleep:  idle,
	}
}

// Run loops until ctx is done. Claim and commit errors are logged and
// followed by the idle sleep. Run returns nil on cancellation.
func (e *Engine[T, O]) Run(ctx context.Context) error {
	e.logger.Info("engine started",
		zap.Int("batch_size", e.cfg.BatchSize),
		zap.Int("max_concurrency", e.cfg.MaxConcurrency))
	defer e.logger.Info("engine stopped")
	for {
		if ctx.Err() != nil {
			return nil
		}
		claimed, err := e.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			e.logger.Error("batch failed", zap.Error(err))
		}
		if err != nil || claimed == 0 {
			e.sleep(ctx, e.cfg.IdleSleep)
		}
	}
}

// RunOnce claims, processes, and commits a single batch. It returns the
// number of claimed items.
func (e *Engine[T, O]) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	items, err := e.phase.Claim(ctx, e.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim %s batch: %w", e.phase.Name(), err)
	}
	if len(items) == 0 {
		return 0, nil
	}
	metrics.ObserveClaim(e.phase.Name(), len(items))

	outcomes, done := e.dispatch(ctx, items)
	succeeded, failed, abandoned := e.partition(ctx, outcomes, done)

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CommitTimeout)
	defer cancel()
	if err := e.phase.Commit(commitCtx, succeeded, failed); err != nil {
		return len(items), fmt.Errorf("commit %s batch: %w", e.phase.Name(), err)
	}
	metrics.ObserveBatch(e.phase.Name(), time.Since(start))

	e.logger.Info("batch committed",
		zap.Int("claimed", len(items)),
		zap.Int("succeeded", len(succeeded)),
		zap.Int("failed", len(failed)),
		zap.Int("abandoned", abandoned),
		zap.Duration("duration", time.Since(start)))
	return len(items), nil
}

// dispatch processes every item under the concurrency bound. done[i] is false
// for items never started because ctx ended first.
func (e *Engine[T, O]) dispatch(ctx context.Context, items []T) ([]O, []bool) {
	outcomes := make([]O, len(items))
	done := make([]bool, len(items))
	sem := semaphore.NewWeighted(int64(e.cfg.MaxConcurrency))
	var wg sync.WaitGroup
	for i, item := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, item T) {
			defer wg.Done()
			defer sem.Release(1)
			metrics.IncActiveWorkers(e.phase.Name())
			defer metrics.DecActiveWorkers(e.phase.Name())
			outcomes[i] = e.process(ctx, item)
			done[i] = true
		}(i, item)
	}
	wg.Wait()
	return outcomes, done
}

func (e *Engine[T, O]) process(ctx context.Context, item T) (out O) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("item panicked", zap.Any("panic", r), zap.Stack("stack"))
			out = e.phase.Fail(item, crawler.NewError(crawler.KindInternal, fmt.Sprintf("panic: %v", r), nil))
		}
	}()
	return e.phase.Process(ctx, item)
}

// partition splits outcomes into commit classes. A failure observed after
// ctx ended is abandoned rather than committed: it is most likely caused by
// the cancellation, and the row becomes reclaimable when its lease expires.
func (e *Engine[T, O]) partition(ctx context.Context, outcomes []O, done []bool) (succeeded, failed []O, abandoned int) {
	cancelled := ctx.Err() != nil
	for i, o := range outcomes {
		if !done[i] {
			abandoned++
			continue
		}
		if !o.Failed() {
			succeeded = append(succeeded, o)
			metrics.ObserveOutcome(e.phase.Name(), "success", "")
			continue
		}
		if cancelled {
			abandoned++
			continue
		}
		failed = append(failed, o)
		metrics.ObserveOutcome(e.phase.Name(), "failure", string(o.Kind()))
	}
	return succeeded, failed, abandoned
}

func idle(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
