package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
	"github.com/JakeFAU/recipe-crawler/internal/llm"
)

// ExtractStore is the store surface used by the extraction phase.
type ExtractStore interface {
	ClaimExtraction(ctx context.Context, req crawler.ClaimRequest) ([]crawler.ExtractTask, error)
	FailExtraction(ctx context.Context, owner string, failed []crawler.ExtractOutcome) error
	SaveDish(ctx context.Context, urlID int64, owner string, dish crawler.Dish) error
}

// ExtractConfig parameterizes the extraction phase. Source selects what the
// store claims: crawler.SourceRecipe (the default) or crawler.SourceMenu.
type ExtractConfig struct {
	Owner         string
	LeaseTimeout  time.Duration
	ContentBudget int
	Topic         string
	Source        string
}

// ExtractPhase runs the LLM over claimed recipe pages or menu items and saves
// the dishes.
type ExtractPhase struct {
	store     ExtractStore
	extractor llm.Extractor
	publisher crawler.Publisher
	clock     crawler.Clock
	cfg       ExtractConfig
	logger    *zap.Logger
}

var _ Phase[crawler.ExtractTask, crawler.ExtractOutcome] = (*ExtractPhase)(nil)

// NewExtractPhase constructs an ExtractPhase. The publisher may be nil.
func NewExtractPhase(
	store ExtractStore,
	extractor llm.Extractor,
	publisher crawler.Publisher,
	clock crawler.Clock,
	cfg ExtractConfig,
	logger *zap.Logger,
) *ExtractPhase {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContentBudget <= 0 {
		cfg.ContentBudget = llm.DefaultContentBudget
	}
	if cfg.Source == "" {
		cfg.Source = crawler.SourceRecipe
	}
	p := &ExtractPhase{
		store:     store,
		extractor: extractor,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
	}
	p.logger = logger.Named(p.Name())
	return p
}

// Name implements Phase.
func (p *ExtractPhase) Name() string {
	if p.menu() {
		return string(crawler.PhaseMenu)
	}
	return string(crawler.PhaseExtract)
}

func (p *ExtractPhase) menu() bool { return p.cfg.Source == crawler.SourceMenu }

// content renders the model input for a task.
func (p *ExtractPhase) content(task crawler.ExtractTask) string {
	if p.menu() {
		return llm.Truncate(llm.BuildMenuContent(task.Title, task.Category, task.Description), p.cfg.ContentBudget)
	}
	return llm.Truncate(llm.BuildContent(task.Title, task.Description, task.Text), p.cfg.ContentBudget)
}

// Claim implements Phase.
func (p *ExtractPhase) Claim(ctx context.Context, limit int) ([]crawler.ExtractTask, error) {
	now := p.clock.Now()
	tasks, err := p.store.ClaimExtraction(ctx, crawler.ClaimRequest{
		Owner:       p.cfg.Owner,
		Limit:       limit,
		Now:         now,
		LeaseCutoff: now.Add(-p.cfg.LeaseTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("claim extraction rows: %w", err)
	}
	return tasks, nil
}

// Process implements Phase. A successful dish is saved, and the row marked
// complete, before Process returns. The save is not cut short by
// cancellation of ctx.
func (p *ExtractPhase) Process(ctx context.Context, task crawler.ExtractTask) crawler.ExtractOutcome {
	logger := p.logger.With(zap.Int64("url_id", task.ID), zap.String("url", task.URL))
	if p.menu() {
		logger = p.logger.With(zap.Int64("menu_item_id", task.ID), zap.String("name", task.Title))
	}

	dish, err := p.extractor.ExtractDish(ctx, p.content(task))
	if err != nil {
		return p.Fail(task, crawler.AsError(err, llm.Classify(err)))
	}
	if dish == nil {
		return p.Fail(task, llm.ErrNoRecipe)
	}
	if cleared := dish.Normalize(); len(cleared) > 0 {
		logger.Debug("cleared unknown enum values", zap.Strings("fields", cleared))
	}
	if dish.DishName == "" {
		return p.Fail(task, llm.ErrNoRecipe)
	}
	if p.menu() {
		dish.ApplyMenuDefaults(task.UploadedAt)
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultCommitTimeout)
	defer cancel()
	if err := p.store.SaveDish(saveCtx, task.ID, p.cfg.Owner, *dish); err != nil {
		if errors.Is(err, crawler.ErrLeaseLost) {
			logger.Warn("claim lost before dish was saved")
		}
		return p.Fail(task, crawler.NewError(crawler.KindPersistence, "", fmt.Errorf("save dish: %w", err)))
	}
	p.publish(ctx, task, dish, logger)

	return crawler.ExtractOutcome{ID: task.ID, URL: task.URL, Dish: dish}
}

func (p *ExtractPhase) publish(ctx context.Context, task crawler.ExtractTask, dish *crawler.Dish, logger *zap.Logger) {
	if p.publisher == nil {
		return
	}
	event := crawler.DishExtracted{
		Source:      p.cfg.Source,
		DishName:    dish.DishName,
		Ingredients: len(dish.Ingredients),
		ExtractedAt: p.clock.Now(),
	}
	if p.menu() {
		event.MenuItemID = task.ID
	} else {
		event.URLID, event.URL = task.ID, task.URL
	}
	if _, err := p.publisher.Publish(ctx, p.cfg.Topic, event); err != nil {
		logger.Warn("publish dish event", zap.Error(err))
	}
}

// Fail implements Phase.
func (p *ExtractPhase) Fail(task crawler.ExtractTask, err *crawler.Error) crawler.ExtractOutcome {
	return crawler.ExtractOutcome{ID: task.ID, URL: task.URL, Err: err}
}

// Commit implements Phase. Successful rows were committed by SaveDish.
func (p *ExtractPhase) Commit(ctx context.Context, _, failed []crawler.ExtractOutcome) error {
	if len(failed) == 0 {
		return nil
	}
	if err := p.store.FailExtraction(ctx, p.cfg.Owner, failed); err != nil {
		return fmt.Errorf("record extraction failures: %w", err)
	}
	return nil
}
