package sitemap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
)

type stubFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	calls  map[string]int
}

func newStubFetcher(bodies map[string]string) *stubFetcher {
	return &stubFetcher{bodies: bodies, calls: map[string]int{}}
}

func (s *stubFetcher) Fetch(_ context.Context, url string) (crawler.FetchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[url]++
	body, ok := s.bodies[url]
	if !ok {
		return crawler.FetchResult{}, crawler.NewError(crawler.KindTransport, crawler.ReasonNoResponse, nil)
	}
	return crawler.FetchResult{URL: url, StatusCode: 200, Body: []byte(body), ProxyLabel: "direct"}, nil
}

type fakeStore struct {
	mu        sync.Mutex
	sites     map[int64]crawler.Site
	urls      map[string]crawler.DiscoveredURL
	insertErr error
}

func newFakeStore(sites ...crawler.Site) *fakeStore {
	s := &fakeStore{sites: map[int64]crawler.Site{}, urls: map[string]crawler.DiscoveredURL{}}
	for _, site := range sites {
		s.sites[site.ID] = site
	}
	return s
}

func (s *fakeStore) GetSite(_ context.Context, id int64) (crawler.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[id]
	if !ok {
		return crawler.Site{}, crawler.ErrNotFound
	}
	return site, nil
}

func (s *fakeStore) ClaimSite(_ context.Context, claim crawler.SiteClaim) (crawler.Site, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.sites))
	for id := range s.sites {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		site := s.sites[id]
		stale := site.Status.Terminal() && site.LastProcessed != nil && site.LastProcessed.Before(claim.StaleBefore)
		if site.Status == crawler.StatusPending || stale {
			site.Status = crawler.StatusInProgress
			now := claim.Now
			site.ClaimedAt = &now
			s.sites[id] = site
			return site, true, nil
		}
	}
	return crawler.Site{}, false, nil
}

func (s *fakeStore) CompleteSite(_ context.Context, id int64, status crawler.Status, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	site := s.sites[id]
	site.Status = status
	site.FailureReason = reason
	site.LastProcessed = &at
	s.sites[id] = site
	return nil
}

func (s *fakeStore) InsertURLs(_ context.Context, urls []crawler.DiscoveredURL) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	n := 0
	for _, u := range urls {
		if _, ok := s.urls[u.NormalizedURL]; ok {
			continue
		}
		s.urls[u.NormalizedURL] = u
		n++
	}
	return n, nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestWalker(f crawler.Fetcher, s Store, maxDepth int, opts ...Option) *Walker {
	return New(f, crawler.NewValidator(nil), s, fixedClock{testNow}, Config{
		MaxDepth:     maxDepth,
		Staleness:    720 * time.Hour,
		IdleSleep:    10 * time.Millisecond,
		LeaseTimeout: 30 * time.Minute,
	}, nil, opts...)
}

func urlset(locs ...string) string {
	body := `<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`
	for _, l := range locs {
		body += fmt.Sprintf("<url><loc>%s</loc></url>", l)
	}
	return body + "</urlset>"
}

func index(locs ...string) string {
	body := `<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`
	for _, l := range locs {
		body += fmt.Sprintf("<sitemap><loc>%s</loc></sitemap>", l)
	}
	return body + "</sitemapindex>"
}

func normalized(res Result) []string {
	out := make([]string, 0, len(res.Candidates))
	for _, c := range res.Candidates {
		out = append(out, c.NormalizedURL)
	}
	return out
}

func TestWalkIndexAndDedup(t *testing.T) {
	t.Parallel()
	f := newStubFetcher(map[string]string{
		"https://example.com/sitemap.xml": index(
			"https://example.com/post-sitemap.xml",
			"https://example.com/page-sitemap.xml",
		),
		"https://example.com/post-sitemap.xml": urlset(
			"https://example.com/recipes/pie/",
			"https://example.com/recipes/cake?utm=1",
			"https://example.com/wp-content/uploads/pie.jpg",
		),
		"https://example.com/page-sitemap.xml": urlset(
			"http://EXAMPLE.com/recipes/pie",
			"https://example.com/about",
		),
	})
	store := newFakeStore()
	w := newTestWalker(f, store, 3)

	res, err := w.Walk(context.Background(), crawler.Site{ID: 1, SeedURL: "https://example.com"})
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://example.com/recipes/pie",
		"https://example.com/recipes/cake",
		"https://example.com/about",
	}, normalized(res))
	require.Equal(t, "https://example.com/recipes/pie/", res.Candidates[0].OriginalURL)
	require.Equal(t, "https://example.com/post-sitemap.xml", res.Candidates[0].SitemapSourceURL)
	require.Equal(t, testNow, res.Candidates[0].DiscoveredAt)
	require.Equal(t, 3, res.Stats.SitemapsVisited)
	require.Equal(t, 3, res.Stats.SitemapsFailed, "the other well-known paths are missing")
	require.Equal(t, 3, res.Stats.Inserted)
	require.Len(t, store.urls, 3)
}

func TestWalkCycleTerminates(t *testing.T) {
	t.Parallel()
	f := newStubFetcher(map[string]string{
		"https://example.com/a-sitemap.xml": index("https://example.com/b-sitemap.xml"),
		"https://example.com/b-sitemap.xml": index("https://example.com/a-sitemap.xml/"),
	})
	w := newTestWalker(f, newFakeStore(), 10)

	res, err := w.Walk(context.Background(), crawler.Site{
		ID:             1,
		SeedURL:        "https://example.com",
		ManualSitemaps: []string{"https://example.com/a-sitemap.xml"},
	})
	require.NoError(t, err)
	require.Empty(t, res.Candidates)
	require.Equal(t, 1, f.calls["https://example.com/a-sitemap.xml"])
	require.Equal(t, 1, f.calls["https://example.com/b-sitemap.xml"])
	require.Zero(t, f.calls["https://example.com/a-sitemap.xml/"])
}

func TestWalkDepthBound(t *testing.T) {
	t.Parallel()
	f := newStubFetcher(map[string]string{
		"https://example.com/sitemap.xml": index("https://example.com/level1.xml"),
		"https://example.com/level1.xml":  index("https://example.com/level2.xml"),
		"https://example.com/level2.xml":  urlset("https://example.com/recipes/deep"),
	})
	w := newTestWalker(f, newFakeStore(), 1)

	res, err := w.Walk(context.Background(), crawler.Site{ID: 1, SeedURL: "https://example.com"})
	require.NoError(t, err)
	require.Empty(t, res.Candidates)
	require.Equal(t, 1, f.calls["https://example.com/level1.xml"])
	require.Zero(t, f.calls["https://example.com/level2.xml"])
}

func TestWalkMisnamedSitemapInURLSet(t *testing.T) {
	t.Parallel()
	f := newStubFetcher(map[string]string{
		"https://example.com/sitemap.xml": urlset(
			"https://example.com/recipe-sitemap2.xml",
			"https://example.com/recipes/soup",
		),
		"https://example.com/recipe-sitemap2.xml": urlset("https://example.com/recipes/stew"),
	})
	w := newTestWalker(f, newFakeStore(), 3)

	res, err := w.Walk(context.Background(), crawler.Site{ID: 1, SeedURL: "https://example.com/"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		"https://example.com/recipes/soup",
		"https://example.com/recipes/stew",
	}, normalized(res))
}

func TestWalkBareLocFallback(t *testing.T) {
	t.Parallel()
	f := newStubFetcher(map[string]string{
		"https://example.com/sitemap": "<html><body><loc>https://example.com/recipes/salad</loc>" +
			"<loc>https://example.com/more-sitemap.xml</loc></body></html>",
		"https://example.com/more-sitemap.xml": urlset("https://example.com/recipes/bread"),
	})
	w := newTestWalker(f, newFakeStore(), 3)

	res, err := w.Walk(context.Background(), crawler.Site{ID: 1, SeedURL: "example.com"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		"https://example.com/recipes/salad",
		"https://example.com/recipes/bread",
	}, normalized(res))
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.data[key]
	return b, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = body
	return nil
}

func TestWalkUsesCache(t *testing.T) {
	t.Parallel()
	f := newStubFetcher(map[string]string{
		"https://example.com/sitemap.xml": urlset("https://example.com/recipes/pie"),
	})
	cache := &memCache{data: map[string][]byte{}}
	w := newTestWalker(f, newFakeStore(), 3, WithCache(cache))
	site := crawler.Site{ID: 1, SeedURL: "https://example.com"}

	_, err := w.Walk(context.Background(), site)
	require.NoError(t, err)
	res, err := w.Walk(context.Background(), site)
	require.NoError(t, err)

	require.Equal(t, 1, f.calls["https://example.com/sitemap.xml"])
	require.Equal(t, []string{"https://example.com/recipes/pie"}, normalized(res))
	require.Zero(t, res.Stats.Inserted, "second walk inserts nothing new")
}

func TestRunOnceRecordsSiteOutcome(t *testing.T) {
	t.Parallel()
	f := newStubFetcher(map[string]string{
		"https://example.com/sitemap.xml": urlset("https://example.com/recipes/pie"),
	})
	store := newFakeStore(
		crawler.Site{ID: 1, SeedURL: "https://example.com", Status: crawler.StatusPending},
	)
	w := newTestWalker(f, store, 3)

	walked, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, walked)
	site := store.sites[1]
	require.Equal(t, crawler.StatusComplete, site.Status)
	require.Equal(t, testNow, *site.LastProcessed)

	walked, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	require.False(t, walked, "a freshly walked site is not stale")
}

func TestRunOnceStoreFailureMarksSiteFailed(t *testing.T) {
	t.Parallel()
	f := newStubFetcher(map[string]string{
		"https://example.com/sitemap.xml": urlset("https://example.com/recipes/pie"),
	})
	store := newFakeStore(crawler.Site{ID: 7, SeedURL: "https://example.com", Status: crawler.StatusPending})
	store.insertErr = errors.New("db down")
	w := newTestWalker(f, store, 3)

	walked, err := w.RunOnce(context.Background())
	require.True(t, walked)
	require.Error(t, err)
	require.Equal(t, crawler.StatusFailed, store.sites[7].Status)
	require.Contains(t, store.sites[7].FailureReason, "db down")
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	w := newTestWalker(newStubFetcher(nil), newFakeStore(), 3)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()
	require.Eventually(t, func() bool {
		select {
		case err := <-done:
			return err == nil
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestSeedSitemaps(t *testing.T) {
	t.Parallel()
	got := seedSitemaps(crawler.Site{
		SeedURL:        "http://example.com/blog/",
		ManualSitemaps: []string{"https://cdn.example.com/s.xml"},
	})
	require.Equal(t, []string{
		"https://cdn.example.com/s.xml",
		"http://example.com/blog/sitemap.xml",
		"http://example.com/blog/sitemap_index.xml",
		"http://example.com/blog/sitemap",
		"http://example.com/blog/sitemaps.xml",
	}, got)

	got = seedSitemaps(crawler.Site{SeedURL: "example.com"})
	require.Equal(t, "https://example.com/sitemap.xml", got[0])
}

func TestSitemapKey(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{in: " https://Example.com/sitemap.xml ", want: "https://example.com/sitemap.xml"},
		{in: "https://example.com/sitemap.xml/", want: "https://example.com/sitemap.xml"},
		{in: "https://example.com/sitemap.xml?page=2", want: "https://example.com/sitemap.xml?page=2"},
		{in: "https://example.com/sitemap.xml#top", want: "https://example.com/sitemap.xml"},
		{in: "not a url", want: "not a url"},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, sitemapKey(tc.in), tc.in)
	}
}

func TestWalkPaginatedSitemaps(t *testing.T) {
	t.Parallel()
	f := newStubFetcher(map[string]string{
		"https://example.com/sitemap.xml": index(
			"https://example.com/sitemap-posts.xml?page=1",
			"https://example.com/sitemap-posts.xml?page=2",
		),
		"https://example.com/sitemap-posts.xml?page=1": urlset("https://example.com/recipes/a"),
		"https://example.com/sitemap-posts.xml?page=2": urlset("https://example.com/recipes/b"),
	})
	cache := &memCache{data: map[string][]byte{}}
	w := newTestWalker(f, newFakeStore(), 3, WithCache(cache))

	res, err := w.Walk(context.Background(), crawler.Site{ID: 1, SeedURL: "https://example.com"})
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://example.com/recipes/a",
		"https://example.com/recipes/b",
	}, normalized(res))
	require.Equal(t, 1, f.calls["https://example.com/sitemap-posts.xml?page=1"])
	require.Equal(t, 1, f.calls["https://example.com/sitemap-posts.xml?page=2"])
	require.Len(t, cache.data, 3)
}
