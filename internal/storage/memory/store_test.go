package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func seedURLs(t *testing.T, s *Store, n int) {
	t.Helper()
	urls := make([]crawler.DiscoveredURL, 0, n)
	for i := 0; i < n; i++ {
		raw := fmt.Sprintf("https://example.com/recipes/%d", i)
		urls = append(urls, crawler.DiscoveredURL{
			OriginalURL:   raw,
			NormalizedURL: crawler.NormalizeURL(raw),
			SiteID:        1,
			DiscoveredAt:  t0,
		})
	}
	inserted, err := s.InsertURLs(context.Background(), urls)
	require.NoError(t, err)
	require.Equal(t, n, inserted)
}

func claimReq(owner string, limit int, now time.Time) crawler.ClaimRequest {
	return crawler.ClaimRequest{Owner: owner, Limit: limit, Now: now, LeaseCutoff: now.Add(-30 * time.Minute)}
}

func recipeOutcome(id int64) crawler.CrawlOutcome {
	return crawler.CrawlOutcome{
		ID:        id,
		Page:      crawler.Page{Title: "Apple Pie Recipe", Text: "ingredients\nsteps"},
		IsRecipe:  true,
		ProxyUsed: "datacenter",
		CrawledAt: t0,
	}
}

func TestInsertURLsIsIdempotent(t *testing.T) {
	t.Parallel()
	s := NewStore()
	ctx := context.Background()
	d := crawler.DiscoveredURL{OriginalURL: "https://Example.com/r/", NormalizedURL: "https://example.com/r", SiteID: 1}

	n, err := s.InsertURLs(ctx, []crawler.DiscoveredURL{d, d})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = s.InsertURLs(ctx, []crawler.DiscoveredURL{d})
	require.NoError(t, err)
	require.Zero(t, n)

	rec, err := s.GetURL(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusPending, rec.CrawlStatus)
	require.Equal(t, crawler.StatusNone, rec.LLMStatus)
	require.Equal(t, "https://Example.com/r/", rec.OriginalURL)
}

func TestClaimCrawlConcurrentClaimsNeverOverlap(t *testing.T) {
	t.Parallel()
	s := NewStore()
	seedURLs(t, s, 200)

	const workers = 16
	claims := make([][]int64, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			owner := fmt.Sprintf("worker-%d", w)
			for {
				tasks, err := s.ClaimCrawl(context.Background(), claimReq(owner, 7, t0))
				if err != nil {
					errs[w] = err
					return
				}
				if len(tasks) == 0 {
					return
				}
				for _, task := range tasks {
					claims[w] = append(claims[w], task.ID)
				}
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[int64]int)
	for w, ids := range claims {
		require.NoError(t, errs[w])
		for _, id := range ids {
			prev, dup := seen[id]
			require.False(t, dup, "url %d claimed by workers %d and %d", id, prev, w)
			seen[id] = w
		}
	}
	require.Len(t, seen, 200)
}

func TestCommitCrawlSetsExtractionGate(t *testing.T) {
	t.Parallel()
	s := NewStore()
	ctx := context.Background()
	seedURLs(t, s, 3)

	tasks, err := s.ClaimCrawl(ctx, claimReq("w1", 10, t0))
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	notRecipe := recipeOutcome(tasks[1].ID)
	notRecipe.IsRecipe = false
	emptyText := recipeOutcome(tasks[2].ID)
	emptyText.Page.Text = ""
	require.NoError(t, s.CommitCrawl(ctx, "w1",
		[]crawler.CrawlOutcome{recipeOutcome(tasks[0].ID), notRecipe, emptyText}, nil))

	want := []crawler.Status{crawler.StatusPending, crawler.StatusNone, crawler.StatusNone}
	for i, task := range tasks {
		rec, err := s.GetURL(ctx, task.ID)
		require.NoError(t, err)
		require.Equal(t, crawler.StatusComplete, rec.CrawlStatus)
		require.Equal(t, want[i], rec.LLMStatus, "url %d", task.ID)
		require.Empty(t, rec.CrawlClaimedBy)
	}
}

func TestCommitCrawlIgnoresStaleOwner(t *testing.T) {
	t.Parallel()
	s := NewStore()
	ctx := context.Background()
	seedURLs(t, s, 1)

	_, err := s.ClaimCrawl(ctx, claimReq("old", 1, t0))
	require.NoError(t, err)

	later := t0.Add(time.Hour)
	tasks, err := s.ClaimCrawl(ctx, claimReq("new", 1, later))
	require.NoError(t, err)
	require.Len(t, tasks, 1, "expired lease should be reclaimable")

	require.NoError(t, s.CommitCrawl(ctx, "old", []crawler.CrawlOutcome{recipeOutcome(tasks[0].ID)}, nil))
	rec, err := s.GetURL(ctx, tasks[0].ID)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusInProgress, rec.CrawlStatus)
	require.Equal(t, "new", rec.CrawlClaimedBy)
}

func TestPhaseClaimsTrackOwnersSeparately(t *testing.T) {
	t.Parallel()
	s := NewStore()
	ctx := context.Background()
	seedURLs(t, s, 1)

	tasks, err := s.ClaimCrawl(ctx, claimReq("crawl-1", 1, t0))
	require.NoError(t, err)
	require.NoError(t, s.CommitCrawl(ctx, "crawl-1", []crawler.CrawlOutcome{recipeOutcome(tasks[0].ID)}, nil))

	claimed, err := s.ClaimExtraction(ctx, claimReq("llm-1", 1, t0))
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	n, err := s.ReclaimExpired(ctx, crawler.PhaseCrawl, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)

	rec, err := s.GetURL(ctx, claimed[0].ID)
	require.NoError(t, err)
	require.Empty(t, rec.CrawlClaimedBy)
	require.Equal(t, "llm-1", rec.LLMClaimedBy)

	require.ErrorIs(t, s.SaveDish(ctx, claimed[0].ID, "crawl-1", crawler.Dish{DishName: "Pie"}), crawler.ErrLeaseLost)
	require.NoError(t, s.SaveDish(ctx, claimed[0].ID, "llm-1", crawler.Dish{DishName: "Pie"}))
}

func TestFailedCrawlIsNeverReclaimed(t *testing.T) {
	t.Parallel()
	s := NewStore()
	ctx := context.Background()
	seedURLs(t, s, 1)

	tasks, err := s.ClaimCrawl(ctx, claimReq("w1", 1, t0))
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	fail := crawler.CrawlOutcome{
		ID:        tasks[0].ID,
		CrawledAt: t0,
		Err:       crawler.NewError(crawler.KindTransport, crawler.ReasonNoResponse, nil),
	}
	require.NoError(t, s.CommitCrawl(ctx, "w1", nil, []crawler.CrawlOutcome{fail}))

	rec, err := s.GetURL(ctx, tasks[0].ID)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusFailed, rec.CrawlStatus)
	require.Equal(t, crawler.ReasonNoResponse, rec.FailureReason)
	require.Equal(t, crawler.KindTransport, rec.FailureKind)

	tasks, err = s.ClaimCrawl(ctx, claimReq("w2", 10, t0.Add(48*time.Hour)))
	require.NoError(t, err)
	require.Empty(t, tasks)

	n, err := s.ReclaimExpired(ctx, crawler.PhaseCrawl, t0.Add(48*time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestClaimExtractionOrdersByLastCrawled(t *testing.T) {
	t.Parallel()
	s := NewStore()
	ctx := context.Background()
	seedURLs(t, s, 3)

	tasks, err := s.ClaimCrawl(ctx, claimReq("w1", 10, t0))
	require.NoError(t, err)
	outcomes := make([]crawler.CrawlOutcome, 0, len(tasks))
	for i, task := range tasks {
		o := recipeOutcome(task.ID)
		o.CrawledAt = t0.Add(time.Duration(i) * time.Minute)
		outcomes = append(outcomes, o)
	}
	require.NoError(t, s.CommitCrawl(ctx, "w1", outcomes, nil))

	claimed, err := s.ClaimExtraction(ctx, claimReq("x1", 2, t0))
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, tasks[2].ID, claimed[0].ID)
	require.Equal(t, tasks[1].ID, claimed[1].ID)
	require.Equal(t, "Apple Pie Recipe", claimed[0].Title)
}

func prepareExtraction(t *testing.T, s *Store, owner string) int64 {
	t.Helper()
	ctx := context.Background()
	tasks, err := s.ClaimCrawl(ctx, claimReq("crawler", 1, t0))
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NoError(t, s.CommitCrawl(ctx, "crawler", []crawler.CrawlOutcome{recipeOutcome(tasks[0].ID)}, nil))
	claimed, err := s.ClaimExtraction(ctx, claimReq(owner, 1, t0))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0].ID
}

func dishWith(names ...string) crawler.Dish {
	d := crawler.Dish{DishName: "Apple Pie"}
	for _, n := range names {
		d.Ingredients = append(d.Ingredients, crawler.Ingredient{Ingredient: n})
	}
	return d
}

func TestSaveDishReplacesIngredients(t *testing.T) {
	t.Parallel()
	s := NewStore()
	ctx := context.Background()
	seedURLs(t, s, 1)

	id := prepareExtraction(t, s, "x1")
	require.NoError(t, s.SaveDish(ctx, id, "x1", dishWith("apple", "flour", "butter")))

	n, err := s.ResetFailed(ctx, crawler.PhaseExtract, "")
	require.NoError(t, err)
	require.Zero(t, n, "complete rows are not reset")

	// Force a second extraction of the same record.
	s.mu.Lock()
	s.urls[id].LLMStatus = crawler.StatusPending
	s.mu.Unlock()
	claimed, err := s.ClaimExtraction(ctx, claimReq("x2", 1, t0))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, s.SaveDish(ctx, id, "x2", dishWith("apple", "sugar")))

	dish, err := s.GetDish(ctx, id)
	require.NoError(t, err)
	require.Len(t, dish.Ingredients, 2)

	rec, err := s.GetURL(ctx, id)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusComplete, rec.LLMStatus)
}

func TestSaveDishRejectsLostLease(t *testing.T) {
	t.Parallel()
	s := NewStore()
	ctx := context.Background()
	seedURLs(t, s, 1)

	id := prepareExtraction(t, s, "x1")
	require.ErrorIs(t, s.SaveDish(ctx, id, "someone-else", dishWith("apple")), crawler.ErrLeaseLost)
	require.ErrorIs(t, s.SaveDish(ctx, 999, "x1", dishWith("apple")), crawler.ErrNotFound)

	_, err := s.GetDish(ctx, id)
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestResetFailedFiltersByKind(t *testing.T) {
	t.Parallel()
	s := NewStore()
	ctx := context.Background()
	seedURLs(t, s, 2)

	tasks, err := s.ClaimCrawl(ctx, claimReq("w1", 2, t0))
	require.NoError(t, err)
	require.NoError(t, s.CommitCrawl(ctx, "w1", nil, []crawler.CrawlOutcome{
		{ID: tasks[0].ID, CrawledAt: t0, Err: crawler.NewError(crawler.KindTransport, "down", nil)},
		{ID: tasks[1].ID, CrawledAt: t0, Err: crawler.NewError(crawler.KindParse, "bad html", nil)},
	}))

	n, err := s.ResetFailed(ctx, crawler.PhaseCrawl, crawler.KindTransport)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	rec, err := s.GetURL(ctx, tasks[0].ID)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusPending, rec.CrawlStatus)
	require.Empty(t, rec.FailureReason)

	n, err = s.ResetFailed(ctx, crawler.PhaseCrawl, "")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = s.ResetFailed(ctx, crawler.Phase("bogus"), "")
	require.Error(t, err)
}

func TestReclaimExpiredAndStatusCounts(t *testing.T) {
	t.Parallel()
	s := NewStore()
	ctx := context.Background()
	seedURLs(t, s, 3)

	_, err := s.ClaimCrawl(ctx, claimReq("w1", 2, t0))
	require.NoError(t, err)

	n, err := s.ReclaimExpired(ctx, crawler.PhaseCrawl, t0.Add(-time.Minute))
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = s.ReclaimExpired(ctx, crawler.PhaseCrawl, t0.Add(time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	counts, err := s.StatusCounts(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, counts[crawler.PhaseCrawl][crawler.StatusPending])
	require.Empty(t, counts[crawler.PhaseExtract])
}

func TestSiteLifecycle(t *testing.T) {
	t.Parallel()
	s := NewStore()
	ctx := context.Background()

	site, err := s.CreateSite(ctx, "https://example.com", nil)
	require.NoError(t, err)
	again, err := s.CreateSite(ctx, "https://example.com", []string{"https://example.com/s.xml"})
	require.NoError(t, err)
	require.Equal(t, site.ID, again.ID)
	require.Equal(t, []string{"https://example.com/s.xml"}, again.ManualSitemaps)

	_, err = s.CreateSite(ctx, "  ", nil)
	require.Error(t, err)

	claim := crawler.SiteClaim{Now: t0, StaleBefore: t0.Add(-720 * time.Hour), LeaseCutoff: t0.Add(-30 * time.Minute)}
	got, ok, err := s.ClaimSite(ctx, claim)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, crawler.StatusInProgress, got.Status)

	_, ok, err = s.ClaimSite(ctx, claim)
	require.NoError(t, err)
	require.False(t, ok, "in-progress site with a live lease")

	require.NoError(t, s.CompleteSite(ctx, site.ID, crawler.StatusComplete, "", t0))
	_, ok, err = s.ClaimSite(ctx, claim)
	require.NoError(t, err)
	require.False(t, ok, "fresh site")

	stale := crawler.SiteClaim{Now: t0.Add(800 * time.Hour), StaleBefore: t0.Add(80 * time.Hour)}
	_, ok, err = s.ClaimSite(ctx, stale)
	require.NoError(t, err)
	require.True(t, ok, "stale site")

	require.ErrorIs(t, s.CompleteSite(ctx, 42, crawler.StatusFailed, "x", t0), crawler.ErrNotFound)
	sites, err := s.ListSites(ctx)
	require.NoError(t, err)
	require.Len(t, sites, 1)
}
