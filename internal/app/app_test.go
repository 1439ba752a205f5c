package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/recipe-crawler/internal/config"
	"github.com/JakeFAU/recipe-crawler/internal/crawler"
	pubmemory "github.com/JakeFAU/recipe-crawler/internal/publisher/memory"
	"github.com/JakeFAU/recipe-crawler/internal/storage/memory"
)

const (
	soupSitemap = `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://example.com/recipes/soup</loc></url>
</urlset>`
	soupHTML = `<html><head><title>Tomato Soup Recipe</title></head>
<body><h1>Tomato Soup</h1><p>Ingredients</p><ul><li>4 tomatoes</li></ul>
<p>Instructions</p><p>Simmer for 20 minutes.</p></body></html>`
)

var testNow = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return testNow }

type stubFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
}

func (s *stubFetcher) Fetch(_ context.Context, url string) (crawler.FetchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.bodies[url]
	if !ok {
		return crawler.FetchResult{}, crawler.NewError(crawler.KindTransport, crawler.ReasonNoResponse, nil)
	}
	return crawler.FetchResult{URL: url, StatusCode: 200, Body: []byte(body), ProxyLabel: "direct"}, nil
}

type stubExtractor struct{}

func (stubExtractor) ExtractDish(context.Context, string) (*crawler.Dish, error) {
	return &crawler.Dish{
		DishName:    "Tomato Soup",
		Ingredients: []crawler.Ingredient{{Ingredient: "tomatoes"}},
	}, nil
}

func testConfig() config.Config {
	phase := config.PhaseConfig{BatchSize: 8, MaxConcurrency: 2, IdleSleep: time.Millisecond, LeaseTimeout: 30 * time.Minute}
	cfg := config.Config{
		Server: config.ServerConfig{Port: 8081},
		DB:     config.DBConfig{Driver: config.DriverMemory},
		Fetch: config.FetchConfig{
			Timeout:          time.Second,
			AttemptsPerProxy: 1,
			Proxies:          []config.ProxyConfig{{Label: "direct", Address: "direct://"}},
		},
		Walker:  config.WalkerConfig{MaxDepth: 3, Staleness: 720 * time.Hour, LeaseTimeout: 30 * time.Minute},
		Crawl:   phase,
		Extract: phase,
		Menu:    config.MenuConfig{PhaseConfig: phase},
		Export:  config.ExportConfig{BatchSize: 100, Prefix: "exports"},
		Archive: config.ArchiveConfig{Driver: config.DriverNone},
		Publish: config.PublishConfig{Driver: config.DriverNone, Topic: "dish-extracted"},
	}
	cfg.LLM.MaxAttempts = 1
	return cfg
}

func TestNewRunsPipelineWithOverrides(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	archive := memory.NewBlobStore()
	publisher := pubmemory.New()
	fetcher := &stubFetcher{bodies: map[string]string{
		"https://example.com/sitemap.xml":   soupSitemap,
		"https://example.com/recipes/soup": soupHTML,
	}}

	a, err := New(ctx, testConfig(), nil, All,
		WithStore(store),
		WithFetcher(fetcher),
		WithExtractor(stubExtractor{}),
		WithClock(fixedClock{}),
		WithArchive(archive),
		WithPublisher(publisher),
	)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	require.NotEmpty(t, a.Owner)
	require.NotNil(t, a.Server)

	_, err = store.CreateSite(ctx, "https://example.com", []string{"https://example.com/sitemap.xml"})
	require.NoError(t, err)

	walked, err := a.Walker.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, walked)

	n, err := a.Crawl.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, archive.Paths(), 1)

	n, err = a.Extract.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	dish, err := store.GetDish(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "Tomato Soup", dish.DishName)
	require.Len(t, publisher.Messages(), 1)

	rec, err := store.GetURL(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusComplete, rec.CrawlStatus)
	require.Equal(t, crawler.StatusComplete, rec.LLMStatus)
}

func TestNewBuildsMenuEngine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	publisher := pubmemory.New()

	a, err := New(ctx, testConfig(), nil, Components{Menu: true},
		WithStore(store),
		WithExtractor(stubExtractor{}),
		WithClock(fixedClock{}),
		WithPublisher(publisher),
	)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	require.Nil(t, a.Extract)
	require.NotNil(t, a.Menu)
	require.NotEmpty(t, a.Owner)

	_, err = store.Menu().InsertMenuItems(ctx, []crawler.MenuItem{{Name: "Tomato Soup", Description: "roasted tomatoes, cream"}})
	require.NoError(t, err)

	n, err := a.Menu.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	dish, err := store.Menu().GetDish(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "Tomato Soup", dish.DishName)
	_, err = store.GetDish(ctx, 1)
	require.ErrorIs(t, err, crawler.ErrNotFound)

	msgs := publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, crawler.SourceMenu, msgs[0].Payload.(crawler.DishExtracted).Source)
}

func TestNewServerOnly(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), testConfig(), nil, Components{Server: true})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	require.IsType(t, &memory.Store{}, a.Store)
	require.Empty(t, a.Owner)
	require.Nil(t, a.Walker)
	require.Nil(t, a.Crawl)
	require.Nil(t, a.Extract)
	require.Equal(t, ":8081", a.HTTPServer().Addr)
}

func TestNewWarnsWhenTLSVerificationDisabled(t *testing.T) {
	t.Parallel()

	for _, insecure := range []bool{true, false} {
		core, logs := observer.New(zap.WarnLevel)
		cfg := testConfig()
		cfg.Fetch.InsecureSkipVerify = insecure

		a, err := New(context.Background(), cfg, zap.New(core), Components{Walker: true})
		require.NoError(t, err)
		a.Close()

		want := 0
		if insecure {
			want = 1
		}
		require.Equal(t, want, logs.FilterMessage("fetcher TLS certificate verification disabled").Len())
	}
}

func TestNewErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   Components
		errMsg string
	}{
		{
			name:   "unknown db driver",
			mutate: func(c *config.Config) { c.DB.Driver = "sqlite" },
			errMsg: `unknown db driver "sqlite"`,
		},
		{
			name:   "missing llm key",
			mutate: func(c *config.Config) { c.LLM.Provider = "openai" },
			want:   Components{Extract: true},
			errMsg: "llm api key is required",
		},
		{
			name:   "unknown archive",
			mutate: func(c *config.Config) { c.Archive.Driver = "s3" },
			want:   Components{Crawl: true},
			errMsg: `unknown archive driver "s3"`,
		},
		{
			name:   "export from memory store",
			want:   Components{Export: true},
			errMsg: `export requires db.driver "postgres"`,
		},
		{
			name:   "local archive without dir",
			mutate: func(c *config.Config) { c.Archive.Driver = config.DriverLocal },
			want:   Components{Crawl: true},
			errMsg: "open local archive",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			tt.mutate(&cfg)
			a, err := New(context.Background(), cfg, nil, tt.want, WithFetcher(&stubFetcher{}))
			require.ErrorContains(t, err, tt.errMsg)
			require.Nil(t, a)
		})
	}
}
