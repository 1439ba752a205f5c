package worker

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
)

// CrawlStore is the store surface used by the crawl phase.
type CrawlStore interface {
	ClaimCrawl(ctx context.Context, req crawler.ClaimRequest) ([]crawler.CrawlTask, error)
	CommitCrawl(ctx context.Context, owner string, succeeded, failed []crawler.CrawlOutcome) error
}

// Classifier decides whether cleaned page content is a recipe.
type Classifier interface {
	IsRecipe(url, title, description, content string) bool
}

// PageExtractor derives cleaned content from raw HTML.
type PageExtractor func(body []byte) (crawler.Page, error)

// CrawlConfig parameterizes the crawl phase.
type CrawlConfig struct {
	Owner         string
	LeaseTimeout  time.Duration
	ArchivePrefix string
	ContentType   string
}

// CrawlPhase fetches claimed URLs, extracts their content, and classifies
// them.
type CrawlPhase struct {
	store      CrawlStore
	fetcher    crawler.Fetcher
	extract    PageExtractor
	classifier Classifier
	archive    crawler.BlobStore
	hasher     crawler.Hasher
	clock      crawler.Clock
	cfg        CrawlConfig
	logger     *zap.Logger
}

var _ Phase[crawler.CrawlTask, crawler.CrawlOutcome] = (*CrawlPhase)(nil)

// CrawlOption customizes a CrawlPhase.
type CrawlOption func(*CrawlPhase)

// WithArchive stores every fetched page body before it is parsed.
func WithArchive(store crawler.BlobStore, hasher crawler.Hasher) CrawlOption {
	return func(p *CrawlPhase) {
		p.archive = store
		p.hasher = hasher
	}
}

// NewCrawlPhase constructs a CrawlPhase.
func NewCrawlPhase(
	store CrawlStore,
	fetcher crawler.Fetcher,
	extract PageExtractor,
	classifier Classifier,
	clock crawler.Clock,
	cfg CrawlConfig,
	logger *zap.Logger,
	opts ...CrawlOption,
) *CrawlPhase {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "pages"
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	p := &CrawlPhase{
		store:      store,
		fetcher:    fetcher,
		extract:    extract,
		classifier: classifier,
		clock:      clock,
		cfg:        cfg,
		logger:     logger.Named("crawl"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements Phase.
func (p *CrawlPhase) Name() string { return string(crawler.PhaseCrawl) }

// Claim implements Phase.
func (p *CrawlPhase) Claim(ctx context.Context, limit int) ([]crawler.CrawlTask, error) {
	now := p.clock.Now()
	tasks, err := p.store.ClaimCrawl(ctx, crawler.ClaimRequest{
		Owner:       p.cfg.Owner,
		Limit:       limit,
		Now:         now,
		LeaseCutoff: now.Add(-p.cfg.LeaseTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("claim crawl rows: %w", err)
	}
	return tasks, nil
}

// Process implements Phase.
func (p *CrawlPhase) Process(ctx context.Context, task crawler.CrawlTask) crawler.CrawlOutcome {
	logger := p.logger.With(zap.Int64("url_id", task.ID), zap.String("url", task.URL))

	res, err := p.fetcher.Fetch(ctx, task.URL)
	if err != nil {
		logger.Debug("fetch failed", zap.Error(err))
		return p.Fail(task, crawler.AsError(err, crawler.KindTransport))
	}

	var blobURI string
	if p.archive != nil {
		blobURI = p.archiveBody(ctx, task, res.Body, logger)
	}

	page, err := p.extract(res.Body)
	if err != nil {
		logger.Debug("content extraction failed", zap.Error(err))
		return p.Fail(task, crawler.NewError(crawler.KindParse, "", err))
	}
	isRecipe := p.classifier.IsRecipe(task.URL, page.Title, page.Description, page.Text)
	logger.Debug("page crawled",
		zap.String("proxy", res.ProxyLabel),
		zap.Bool("is_recipe", isRecipe),
		zap.Int("text_len", len(page.Text)))

	return crawler.CrawlOutcome{
		ID:         task.ID,
		URL:        task.URL,
		Page:       page,
		IsRecipe:   isRecipe,
		ProxyUsed:  res.ProxyLabel,
		RawBlobURI: blobURI,
		CrawledAt:  p.clock.Now(),
	}
}

// archiveBody writes the raw page. Archive failures are logged and do not
// fail the crawl.
func (p *CrawlPhase) archiveBody(ctx context.Context, task crawler.CrawlTask, body []byte, logger *zap.Logger) string {
	digest, err := p.hasher.Hash([]byte(task.NormalizedURL))
	if err != nil {
		logger.Warn("hash archive path", zap.Error(err))
		return ""
	}
	path := fmt.Sprintf("%s/%s/%s.html", strings.Trim(p.cfg.ArchivePrefix, "/"), archiveHost(task), digest)
	uri, err := p.archive.PutObject(ctx, path, p.cfg.ContentType, bytes.NewReader(body))
	if err != nil {
		logger.Warn("archive page", zap.String("path", path), zap.Error(err))
		return ""
	}
	return uri
}

func archiveHost(task crawler.CrawlTask) string {
	for _, raw := range []string{task.NormalizedURL, task.URL} {
		if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
			return strings.ToLower(u.Hostname())
		}
	}
	return "unknown"
}

// Fail implements Phase.
func (p *CrawlPhase) Fail(task crawler.CrawlTask, err *crawler.Error) crawler.CrawlOutcome {
	return crawler.CrawlOutcome{
		ID:        task.ID,
		URL:       task.URL,
		CrawledAt: p.clock.Now(),
		Err:       err,
	}
}

// Commit implements Phase.
func (p *CrawlPhase) Commit(ctx context.Context, succeeded, failed []crawler.CrawlOutcome) error {
	if len(succeeded) == 0 && len(failed) == 0 {
		return nil
	}
	if err := p.store.CommitCrawl(ctx, p.cfg.Owner, succeeded, failed); err != nil {
		return fmt.Errorf("commit crawl outcomes: %w", err)
	}
	return nil
}
