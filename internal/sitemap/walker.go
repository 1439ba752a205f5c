// Package sitemap discovers candidate recipe URLs by walking a site's sitemap
// tree breadth-first.
package sitemap

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
	"github.com/JakeFAU/recipe-crawler/internal/metrics"
)

// wellKnownPaths are tried after any manually configured sitemaps.
var wellKnownPaths = []string{"/sitemap.xml", "/sitemap_index.xml", "/sitemap", "/sitemaps.xml"}

// Store is the persistence the walker needs.
type Store interface {
	GetSite(ctx context.Context, id int64) (crawler.Site, error)
	ClaimSite(ctx context.Context, claim crawler.SiteClaim) (crawler.Site, bool, error)
	CompleteSite(ctx context.Context, id int64, status crawler.Status, reason string, at time.Time) error
	InsertURLs(ctx context.Context, urls []crawler.DiscoveredURL) (int, error)
}

// Cache holds recently fetched sitemap bodies.
type Cache interface {
	Get(ctx context.Context, url string) ([]byte, bool, error)
	Set(ctx context.Context, url string, body []byte) error
}

// Config bounds a walk and paces the service loop.
type Config struct {
	MaxDepth     int
	Staleness    time.Duration
	IdleSleep    time.Duration
	LeaseTimeout time.Duration
}

// Stats summarizes one walk.
type Stats struct {
	SitemapsVisited int
	SitemapsFailed  int
	Candidates      int
	Inserted        int
}

// Result is the outcome of walking one site.
type Result struct {
	Candidates []crawler.DiscoveredURL
	Stats      Stats
}

type queueItem struct {
	url   string
	depth int
}

// Walker traverses sitemaps and inserts the URLs it discovers.
type Walker struct {
	fetcher   crawler.Fetcher
	validator *crawler.Validator
	store     Store
	cache     Cache
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// Option customizes a Walker.
type Option func(*Walker)

// WithCache serves sitemap bodies from c when present.
func WithCache(c Cache) Option {
	return func(w *Walker) { w.cache = c }
}

// New constructs a Walker.
func New(
	fetcher crawler.Fetcher,
	validator *crawler.Validator,
	store Store,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Walker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validator == nil {
		validator = crawler.NewValidator(nil)
	}
	if cfg.MaxDepth < 0 {
		cfg.MaxDepth = 0
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = time.Minute
	}
	w := &Walker{
		fetcher:   fetcher,
		validator: validator,
		store:     store,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("walker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run claims eligible sites and walks them until ctx is cancelled.
func (w *Walker) Run(ctx context.Context) error {
	w.logger.Info("sitemap walker started", zap.Int("max_depth", w.cfg.MaxDepth))
	for {
		walked, err := w.RunOnce(ctx)
		if ctx.Err() != nil {
			w.logger.Info("sitemap walker stopped")
			return nil
		}
		if err != nil {
			w.logger.Error("walker iteration failed", zap.Error(err))
		}
		if walked && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			w.logger.Info("sitemap walker stopped")
			return nil
		case <-time.After(w.cfg.IdleSleep):
		}
	}
}

// RunOnce claims and walks at most one site. It reports whether a site was
// claimed.
func (w *Walker) RunOnce(ctx context.Context) (bool, error) {
	now := w.clock.Now()
	site, ok, err := w.store.ClaimSite(ctx, crawler.SiteClaim{
		Now:         now,
		StaleBefore: now.Add(-w.cfg.Staleness),
		LeaseCutoff: now.Add(-w.cfg.LeaseTimeout),
	})
	if err != nil {
		return false, fmt.Errorf("claim site: %w", err)
	}
	if !ok {
		return false, nil
	}
	return true, w.process(ctx, site)
}

// WalkSite walks one site by id regardless of its status.
func (w *Walker) WalkSite(ctx context.Context, id int64) error {
	site, err := w.store.GetSite(ctx, id)
	if err != nil {
		return fmt.Errorf("get site %d: %w", id, err)
	}
	return w.process(ctx, site)
}

func (w *Walker) process(ctx context.Context, site crawler.Site) error {
	logger := w.logger.With(zap.Int64("site_id", site.ID), zap.String("seed", site.SeedURL))
	res, walkErr := w.Walk(ctx, site)

	status, reason := crawler.StatusComplete, ""
	if walkErr != nil {
		status, reason = crawler.StatusFailed, walkErr.Error()
	}
	// The outcome is recorded even when ctx was cancelled mid-walk.
	completeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := w.store.CompleteSite(completeCtx, site.ID, status, reason, w.clock.Now()); err != nil {
		return fmt.Errorf("complete site %d: %w", site.ID, err)
	}
	logger.Info("site walked",
		zap.String("status", string(status)),
		zap.Int("sitemaps_visited", res.Stats.SitemapsVisited),
		zap.Int("sitemaps_failed", res.Stats.SitemapsFailed),
		zap.Int("candidates", res.Stats.Candidates),
		zap.Int("inserted", res.Stats.Inserted),
		zap.Error(walkErr),
	)
	return walkErr
}

// Walk traverses the sitemap tree of site and inserts its candidate URLs.
// Fetch and parse failures of individual sitemaps are counted, not returned;
// only cancellation and store errors fail the walk.
func (w *Walker) Walk(ctx context.Context, site crawler.Site) (Result, error) {
	var res Result
	queue := make([]queueItem, 0, len(site.ManualSitemaps)+len(wellKnownPaths))
	for _, s := range seedSitemaps(site) {
		queue = append(queue, queueItem{url: s})
	}
	visited := make(map[string]struct{})
	var found []crawler.DiscoveredURL

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("walk canceled: %w", err)
		}
		item := queue[0]
		queue = queue[1:]

		key := sitemapKey(item.url)
		if _, seen := visited[key]; seen || item.depth > w.cfg.MaxDepth {
			continue
		}
		visited[key] = struct{}{}

		body, err := w.load(ctx, item.url, key)
		if err != nil {
			if ctx.Err() != nil {
				return res, fmt.Errorf("walk canceled: %w", ctx.Err())
			}
			res.Stats.SitemapsFailed++
			metrics.ObserveSitemap("failed")
			w.logger.Debug("sitemap fetch failed", zap.String("sitemap", item.url), zap.Error(err))
			continue
		}
		res.Stats.SitemapsVisited++
		metrics.ObserveSitemap("visited")

		doc := Parse(body)
		for _, e := range doc.Entries {
			if doc.Kind == KindIndex || strings.Contains(strings.ToLower(e.Loc), "sitemap") {
				queue = append(queue, queueItem{url: e.Loc, depth: item.depth + 1})
				continue
			}
			found = append(found, crawler.DiscoveredURL{
				OriginalURL:      e.Loc,
				SiteID:           site.ID,
				SitemapSourceURL: item.url,
				LastModified:     e.LastModified,
			})
		}
	}

	res.Candidates = w.filter(found)
	res.Stats.Candidates = len(res.Candidates)
	metrics.AddDiscovered(len(res.Candidates))
	if len(res.Candidates) == 0 {
		return res, nil
	}
	inserted, err := w.store.InsertURLs(ctx, res.Candidates)
	if err != nil {
		return res, fmt.Errorf("insert urls: %w", err)
	}
	res.Stats.Inserted = inserted
	metrics.AddInserted(inserted)
	return res, nil
}

// load returns a sitemap body from the cache or the fetcher.
func (w *Walker) load(ctx context.Context, rawURL, key string) ([]byte, error) {
	if w.cache != nil {
		body, ok, err := w.cache.Get(ctx, key)
		if err != nil {
			w.logger.Warn("sitemap cache read failed", zap.Error(err))
		}
		if ok {
			return body, nil
		}
	}
	res, err := w.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch sitemap: %w", err)
	}
	if w.cache != nil {
		if err := w.cache.Set(ctx, key, res.Body); err != nil {
			w.logger.Warn("sitemap cache write failed", zap.Error(err))
		}
	}
	return res.Body, nil
}

// filter normalizes and validates candidates, keeping the first occurrence of
// each normalized URL.
func (w *Walker) filter(found []crawler.DiscoveredURL) []crawler.DiscoveredURL {
	now := w.clock.Now()
	seen := make(map[string]struct{}, len(found))
	out := make([]crawler.DiscoveredURL, 0, len(found))
	for _, d := range found {
		validity, reason := w.validator.Validate(d.OriginalURL)
		switch validity {
		case crawler.Unknown:
			w.logger.Debug("url skipped: unparsable", zap.String("url", d.OriginalURL))
			continue
		case crawler.Invalid:
			w.logger.Debug("url rejected", zap.String("url", d.OriginalURL), zap.String("reason", reason))
			continue
		}
		d.NormalizedURL = crawler.NormalizeURL(d.OriginalURL)
		if _, dup := seen[d.NormalizedURL]; dup {
			continue
		}
		seen[d.NormalizedURL] = struct{}{}
		d.DiscoveredAt = now
		out = append(out, d)
	}
	return out
}

// seedSitemaps lists manual sitemaps first, then the well-known locations
// under the seed URL's path.
func seedSitemaps(site crawler.Site) []string {
	out := append([]string(nil), site.ManualSitemaps...)
	base := site.SeedURL
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return out
	}
	prefix := strings.TrimRight(u.Path, "/")
	for _, p := range wellKnownPaths {
		out = append(out, (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: prefix + p}).String())
	}
	return out
}

// sitemapKey identifies a sitemap within one walk. Unlike NormalizeURL it
// keeps the query, since paginated sitemaps differ only there.
func sitemapKey(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String()
}
