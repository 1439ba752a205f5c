// Package app builds the pipeline's long-lived components from a
// config.Config. It is the only place that chooses concrete drivers.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-crawler/internal/api"
	"github.com/JakeFAU/recipe-crawler/internal/cache/redis"
	"github.com/JakeFAU/recipe-crawler/internal/clock/system"
	"github.com/JakeFAU/recipe-crawler/internal/config"
	"github.com/JakeFAU/recipe-crawler/internal/content"
	"github.com/JakeFAU/recipe-crawler/internal/crawler"
	"github.com/JakeFAU/recipe-crawler/internal/export"
	collyfetcher "github.com/JakeFAU/recipe-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/recipe-crawler/internal/hash/sha256"
	"github.com/JakeFAU/recipe-crawler/internal/id/uuid"
	"github.com/JakeFAU/recipe-crawler/internal/llm"
	"github.com/JakeFAU/recipe-crawler/internal/policy/ratelimit"
	pubmemory "github.com/JakeFAU/recipe-crawler/internal/publisher/memory"
	"github.com/JakeFAU/recipe-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/recipe-crawler/internal/sitemap"
	"github.com/JakeFAU/recipe-crawler/internal/storage/gcs"
	"github.com/JakeFAU/recipe-crawler/internal/storage/local"
	"github.com/JakeFAU/recipe-crawler/internal/storage/memory"
	"github.com/JakeFAU/recipe-crawler/internal/storage/postgres"
	"github.com/JakeFAU/recipe-crawler/internal/worker"
)

// CrawlEngine and ExtractEngine are the status-transition loops. The menu
// loop is an ExtractEngine over menu items.
type (
	CrawlEngine   = worker.Engine[crawler.CrawlTask, crawler.CrawlOutcome]
	ExtractEngine = worker.Engine[crawler.ExtractTask, crawler.ExtractOutcome]
)

// App holds the components a command needs. Fields a command did not ask
// for are nil.
type App struct {
	Config config.Config
	Logger *zap.Logger
	Clock  crawler.Clock
	Store  crawler.Store
	Owner  string

	Walker  *sitemap.Walker
	Crawl   *CrawlEngine
	Extract  *ExtractEngine
	Menu     *ExtractEngine
	Exporter *export.Exporter
	Server   *api.Server

	closers []func() error
}

// Option overrides a component, mostly for tests.
type Option func(*builder)

type builder struct {
	store     crawler.Store
	fetcher   crawler.Fetcher
	extractor llm.Extractor
	clock     crawler.Clock
	archive   crawler.BlobStore
	publisher crawler.Publisher
}

// WithStore uses s instead of the configured store driver.
func WithStore(s crawler.Store) Option { return func(b *builder) { b.store = s } }

// WithFetcher uses f instead of the colly fetcher.
func WithFetcher(f crawler.Fetcher) Option { return func(b *builder) { b.fetcher = f } }

// WithExtractor uses e instead of the configured LLM client. It is still
// wrapped by the retry policy.
func WithExtractor(e llm.Extractor) Option { return func(b *builder) { b.extractor = e } }

// WithClock replaces the system clock.
func WithClock(c crawler.Clock) Option { return func(b *builder) { b.clock = c } }

// WithArchive uses s instead of the configured archive driver. The exporter
// writes to it too.
func WithArchive(s crawler.BlobStore) Option { return func(b *builder) { b.archive = s } }

// WithPublisher uses p instead of the configured publish driver.
func WithPublisher(p crawler.Publisher) Option { return func(b *builder) { b.publisher = p } }

// Components selects what New builds beyond the store.
type Components struct {
	Walker  bool
	Crawl   bool
	Extract bool
	Menu    bool
	Export  bool
	Server  bool
}

// All builds the components serve always runs. Serve adds Menu when
// menu.enabled is set.
var All = Components{Walker: true, Crawl: true, Extract: true, Server: true}

// New opens the store and builds the requested components. On error every
// resource opened so far is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, want Components, opts ...Option) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &builder{}
	for _, opt := range opts {
		opt(b)
	}
	a = &App{
		Config: cfg,
		Logger: logger,
		Clock:  b.clock,
	}
	if a.Clock == nil {
		a.Clock = system.New()
	}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	if a.Store, err = a.openStore(ctx, b.store); err != nil {
		return a, err
	}
	if want.Walker || want.Crawl || want.Extract || want.Menu {
		if a.Owner, err = ownerToken(); err != nil {
			return a, err
		}
	}

	var fetcher crawler.Fetcher
	if want.Walker || want.Crawl {
		if fetcher, err = a.newFetcher(b.fetcher); err != nil {
			return a, err
		}
	}
	if want.Walker {
		if a.Walker, err = a.newWalker(ctx, fetcher); err != nil {
			return a, err
		}
	}
	if want.Crawl {
		if a.Crawl, err = a.newCrawl(ctx, fetcher, b.archive); err != nil {
			return a, err
		}
	}
	publisher := b.publisher
	if (want.Extract || want.Menu) && publisher == nil {
		if publisher, err = a.openPublisher(ctx); err != nil {
			return a, err
		}
	}
	if want.Extract {
		if a.Extract, err = a.newExtract(b.extractor, publisher, crawler.SourceRecipe, cfg.Extract); err != nil {
			return a, err
		}
	}
	if want.Menu {
		if a.Menu, err = a.newExtract(b.extractor, publisher, crawler.SourceMenu, cfg.Menu.PhaseConfig); err != nil {
			return a, err
		}
	}
	if want.Export {
		if a.Exporter, err = a.newExporter(ctx, b.archive); err != nil {
			return a, err
		}
	}
	if want.Server {
		a.Server = api.NewServer(a.Store, a.Clock, cfg.Server, logger)
	}
	logger.Info("application services initialized",
		zap.String("db_driver", cfg.DB.Driver),
		zap.String("owner", a.Owner),
		zap.Bool("walker", a.Walker != nil),
		zap.Bool("crawl", a.Crawl != nil),
		zap.Bool("extract", a.Extract != nil),
		zap.Bool("menu", a.Menu != nil),
		zap.Bool("export", a.Exporter != nil),
		zap.Bool("server", a.Server != nil),
	)
	return a, nil
}

// HTTPServer returns an http.Server for the ops API on the configured port.
func (a *App) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              ":" + strconv.Itoa(a.Config.Server.Port),
		Handler:           a.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Close releases every resource in reverse order of acquisition.
func (a *App) Close() {
	if a == nil {
		return
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("error closing resource", zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *App) openStore(ctx context.Context, override crawler.Store) (crawler.Store, error) {
	if override != nil {
		return override, nil
	}
	switch a.Config.DB.Driver {
	case config.DriverMemory:
		a.Logger.Warn("using in-memory store; state is lost on exit")
		return memory.NewStore(), nil
	case config.DriverPostgres:
		store, err := OpenPostgres(ctx, a.Config.DB, a.Logger)
		if err != nil {
			return nil, err
		}
		a.onClose(func() error { store.Close(); return nil })
		if err := store.ValidateMapping(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown db driver %q", a.Config.DB.Driver)
	}
}

// OpenPostgres connects to the configured database without validating the
// schema, for the migrate command.
func OpenPostgres(ctx context.Context, cfg config.DBConfig, logger *zap.Logger) (*postgres.Store, error) {
	store, err := postgres.New(ctx, postgres.Config{
		DSN:             cfg.DSN,
		Schema:          cfg.Schema,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.ConnLifetime,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return store, nil
}

func (a *App) newFetcher(override crawler.Fetcher) (crawler.Fetcher, error) {
	if override != nil {
		return override, nil
	}
	fc := a.Config.Fetch
	proxies := make([]collyfetcher.Proxy, 0, len(fc.Proxies))
	for _, p := range fc.Proxies {
		proxies = append(proxies, collyfetcher.Proxy{Label: p.Label, Address: p.Address})
	}
	if fc.InsecureSkipVerify {
		a.Logger.Warn("fetcher TLS certificate verification disabled",
			zap.String("key", "fetch.insecure_skip_verify"))
	}
	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: fc.HostRPS, DefaultBurst: fc.HostBurst})
	f, err := collyfetcher.New(collyfetcher.Config{
		UserAgent:          fc.UserAgent,
		Timeout:            fc.Timeout,
		AttemptsPerProxy:   fc.AttemptsPerProxy,
		AttemptDelay:       fc.AttemptDelay,
		InsecureSkipVerify: fc.InsecureSkipVerify,
		Proxies:            proxies,
		BreakerFailures:    fc.BreakerFailures,
		BreakerCooldown:    fc.BreakerCooldown,
	}, limiter, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("build fetcher: %w", err)
	}
	return f, nil
}

func (a *App) newWalker(ctx context.Context, fetcher crawler.Fetcher) (*sitemap.Walker, error) {
	wc := a.Config.Walker
	var opts []sitemap.Option
	if rc := a.Config.Redis; rc.Addr != "" {
		c, err := redis.New(ctx, redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB, TTL: wc.CacheTTL})
		if err != nil {
			return nil, fmt.Errorf("connect sitemap cache: %w", err)
		}
		a.onClose(c.Close)
		opts = append(opts, sitemap.WithCache(c))
	}
	return sitemap.New(fetcher, crawler.NewValidator(wc.DenyDomains), a.Store, a.Clock, sitemap.Config{
		MaxDepth:     wc.MaxDepth,
		Staleness:    wc.Staleness,
		IdleSleep:    wc.IdleSleep,
		LeaseTimeout: wc.LeaseTimeout,
	}, a.Logger, opts...), nil
}

func (a *App) newCrawl(ctx context.Context, fetcher crawler.Fetcher, archive crawler.BlobStore) (*CrawlEngine, error) {
	var opts []worker.CrawlOption
	if archive == nil {
		var err error
		if archive, err = a.openArchive(ctx); err != nil {
			return nil, err
		}
	}
	if archive != nil {
		opts = append(opts, worker.WithArchive(archive, sha256.New()))
	}
	cc := a.Config.Classifier
	phase := worker.NewCrawlPhase(
		a.Store,
		fetcher,
		content.New().Extract,
		crawler.NewHeuristicClassifier(cc.RecipeKeyword, cc.IngredientKeywords, cc.InstructionTerms),
		a.Clock,
		worker.CrawlConfig{
			Owner:         a.Owner,
			LeaseTimeout:  a.Config.Crawl.LeaseTimeout,
			ArchivePrefix: a.Config.Archive.Prefix,
		},
		a.Logger,
		opts...,
	)
	return worker.NewEngine[crawler.CrawlTask, crawler.CrawlOutcome](phase, engineConfig(a.Config.Crawl), a.Logger), nil
}

func (a *App) openArchive(ctx context.Context) (crawler.BlobStore, error) {
	ac := a.Config.Archive
	switch ac.Driver {
	case config.DriverNone, "":
		return nil, nil
	case config.DriverMemory:
		return memory.NewBlobStore(), nil
	case config.DriverLocal:
		s, err := local.New(local.Config{BaseDir: ac.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("open local archive: %w", err)
		}
		return s, nil
	case config.DriverGCS:
		s, err := gcs.Dial(ctx, gcs.Config{Bucket: ac.Bucket})
		if err != nil {
			return nil, fmt.Errorf("open gcs archive: %w", err)
		}
		a.onClose(s.Close)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown archive driver %q", ac.Driver)
	}
}

// newExtract builds an extraction engine for one dish source. Menu items get
// the menu prompt; an injected extractor serves both sources.
func (a *App) newExtract(extractor llm.Extractor, publisher crawler.Publisher, source string, pc config.PhaseConfig) (*ExtractEngine, error) {
	lc := a.Config.LLM
	if extractor == nil {
		clientCfg := lc.Config
		if source == crawler.SourceMenu {
			clientCfg.SystemPrompt = llm.MenuSystemPrompt
		}
		client, err := llm.NewClient(clientCfg, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("build llm client: %w", err)
		}
		extractor = client
	}
	policy := crawler.NewExponentialRetryPolicy(lc.MaxAttempts, time.Second, lc.BackoffMin, lc.BackoffMax)
	extractor = llm.NewRetryingExtractor(extractor, policy, a.Logger)

	var store worker.ExtractStore = a.Store
	if source == crawler.SourceMenu {
		store = a.Store.Menu()
	}
	phase := worker.NewExtractPhase(store, extractor, publisher, a.Clock, worker.ExtractConfig{
		Owner:         a.Owner,
		LeaseTimeout:  pc.LeaseTimeout,
		ContentBudget: lc.ContentBudget,
		Topic:         a.Config.Publish.Topic,
		Source:        source,
	}, a.Logger)
	return worker.NewEngine[crawler.ExtractTask, crawler.ExtractOutcome](phase, engineConfig(pc), a.Logger), nil
}

// newExporter pairs the store with the archive as the export sink. Only the
// postgres store can be exported.
func (a *App) newExporter(ctx context.Context, sink crawler.BlobStore) (*export.Exporter, error) {
	src, ok := a.Store.(export.Source)
	if !ok {
		return nil, fmt.Errorf("export requires db.driver %q", config.DriverPostgres)
	}
	if sink == nil {
		var err error
		if sink, err = a.openArchive(ctx); err != nil {
			return nil, err
		}
	}
	if sink == nil {
		return nil, fmt.Errorf("export requires an archive driver")
	}
	ec := a.Config.Export
	return export.New(src, sink, a.Clock, export.Config{BatchSize: ec.BatchSize, Prefix: ec.Prefix}, a.Logger), nil
}

func (a *App) openPublisher(ctx context.Context) (crawler.Publisher, error) {
	pc := a.Config.Publish
	switch pc.Driver {
	case config.DriverNone, "":
		return nil, nil
	case config.DriverMemory:
		return pubmemory.New(), nil
	case config.DriverPubSub:
		p, err := pubsub.Dial(ctx, pubsub.Config{ProjectID: pc.ProjectID, Topic: pc.Topic})
		if err != nil {
			return nil, fmt.Errorf("open pubsub publisher: %w", err)
		}
		a.onClose(p.Close)
		return p, nil
	default:
		return nil, fmt.Errorf("unknown publish driver %q", pc.Driver)
	}
}

func engineConfig(pc config.PhaseConfig) worker.Config {
	return worker.Config{
		BatchSize:      pc.BatchSize,
		MaxConcurrency: pc.MaxConcurrency,
		IdleSleep:      pc.IdleSleep,
	}
}

// ownerToken names this process in the crawl_claimed_by and llm_claimed_by
// columns so operators can tell workers apart.
func ownerToken() (string, error) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	id, err := uuid.New(host).NewID()
	if err != nil {
		return "", fmt.Errorf("generate owner token: %w", err)
	}
	return id, nil
}
