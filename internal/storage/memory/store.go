package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
)

// Store is an in-memory crawler.Store for development and tests. A single
// store-wide mutex makes every claim atomic.
type Store struct {
	mu           sync.Mutex
	nextSiteID   int64
	nextURLID    int64
	sites        map[int64]crawler.Site
	seeds        map[string]int64
	urls         map[int64]*crawler.URLRecord
	byNormalized map[string]int64
	dishes       map[int64]crawler.Dish
	nextMenuID   int64
	menuItems    map[int64]*crawler.MenuItem
	menuDishes   map[int64]crawler.Dish
}

var _ crawler.Store = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		sites:        make(map[int64]crawler.Site),
		seeds:        make(map[string]int64),
		urls:         make(map[int64]*crawler.URLRecord),
		byNormalized: make(map[string]int64),
		dishes:       make(map[int64]crawler.Dish),
		menuItems:    make(map[int64]*crawler.MenuItem),
		menuDishes:   make(map[int64]crawler.Dish),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

// CreateSite registers a seed. Registering an existing seed replaces its
// manual sitemaps.
func (s *Store) CreateSite(_ context.Context, seedURL string, manualSitemaps []string) (crawler.Site, error) {
	seedURL = strings.TrimSpace(seedURL)
	if seedURL == "" {
		return crawler.Site{}, fmt.Errorf("seed url is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.seeds[seedURL]; ok {
		site := s.sites[id]
		site.ManualSitemaps = append([]string(nil), manualSitemaps...)
		s.sites[id] = site
		return cloneSite(site), nil
	}
	s.nextSiteID++
	site := crawler.Site{
		ID:             s.nextSiteID,
		SeedURL:        seedURL,
		ManualSitemaps: append([]string(nil), manualSitemaps...),
		Status:         crawler.StatusPending,
	}
	s.sites[site.ID] = site
	s.seeds[seedURL] = site.ID
	return cloneSite(site), nil
}

// GetSite returns a site by id.
func (s *Store) GetSite(_ context.Context, id int64) (crawler.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[id]
	if !ok {
		return crawler.Site{}, crawler.ErrNotFound
	}
	return cloneSite(site), nil
}

// ListSites returns every site ordered by id.
func (s *Store) ListSites(context.Context) ([]crawler.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.Site, 0, len(s.sites))
	for _, site := range s.sites {
		out = append(out, cloneSite(site))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ClaimSite moves the lowest-id eligible site to in_progress.
func (s *Store) ClaimSite(_ context.Context, claim crawler.SiteClaim) (crawler.Site, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range sortedKeys(s.sites) {
		site := s.sites[id]
		if !siteEligible(site, claim) {
			continue
		}
		now := claim.Now
		site.Status = crawler.StatusInProgress
		site.ClaimedAt = &now
		s.sites[id] = site
		return cloneSite(site), true, nil
	}
	return crawler.Site{}, false, nil
}

func siteEligible(site crawler.Site, claim crawler.SiteClaim) bool {
	switch site.Status {
	case crawler.StatusPending:
		return true
	case crawler.StatusInProgress:
		return site.ClaimedAt == nil || site.ClaimedAt.Before(claim.LeaseCutoff)
	case crawler.StatusComplete, crawler.StatusFailed:
		return site.LastProcessed == nil || site.LastProcessed.Before(claim.StaleBefore)
	default:
		return false
	}
}

// CompleteSite records the outcome of a walk.
func (s *Store) CompleteSite(_ context.Context, id int64, status crawler.Status, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[id]
	if !ok {
		return crawler.ErrNotFound
	}
	site.Status = status
	site.FailureReason = reason
	site.LastProcessed = &at
	site.ClaimedAt = nil
	s.sites[id] = site
	return nil
}

// InsertURLs adds records whose normalized URL is new.
func (s *Store) InsertURLs(_ context.Context, urls []crawler.DiscoveredURL) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, d := range urls {
		if d.NormalizedURL == "" {
			continue
		}
		if _, exists := s.byNormalized[d.NormalizedURL]; exists {
			continue
		}
		s.nextURLID++
		s.urls[s.nextURLID] = &crawler.URLRecord{
			ID:               s.nextURLID,
			OriginalURL:      d.OriginalURL,
			NormalizedURL:    d.NormalizedURL,
			SiteID:           d.SiteID,
			SitemapSourceURL: d.SitemapSourceURL,
			LastModified:     d.LastModified,
			DiscoveredAt:     d.DiscoveredAt,
			CrawlStatus:      crawler.StatusPending,
		}
		s.byNormalized[d.NormalizedURL] = s.nextURLID
		inserted++
	}
	return inserted, nil
}

// GetURL returns a copy of a URL record.
func (s *Store) GetURL(_ context.Context, id int64) (crawler.URLRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.urls[id]
	if !ok {
		return crawler.URLRecord{}, crawler.ErrNotFound
	}
	return *rec, nil
}

// ClaimCrawl claims pending rows and rows whose crawl lease expired.
func (s *Store) ClaimCrawl(_ context.Context, req crawler.ClaimRequest) ([]crawler.CrawlTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tasks []crawler.CrawlTask
	for _, id := range sortedKeys(s.urls) {
		if len(tasks) >= req.Limit {
			break
		}
		rec := s.urls[id]
		if !claimable(rec.CrawlStatus, rec.CrawlClaimedAt, req.LeaseCutoff) {
			continue
		}
		now := req.Now
		rec.CrawlStatus = crawler.StatusInProgress
		rec.CrawlClaimedAt = &now
		rec.CrawlClaimedBy = req.Owner
		tasks = append(tasks, crawler.CrawlTask{
			ID:            rec.ID,
			SiteID:        rec.SiteID,
			URL:           rec.OriginalURL,
			NormalizedURL: rec.NormalizedURL,
		})
	}
	return tasks, nil
}

// CommitCrawl writes crawl outcomes for rows still owned by owner.
func (s *Store) CommitCrawl(_ context.Context, owner string, succeeded, failed []crawler.CrawlOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range succeeded {
		rec := s.owned(o.ID, owner, crawlLease)
		if rec == nil {
			continue
		}
		crawledAt := o.CrawledAt
		isRecipe := o.IsRecipe
		rec.CrawlStatus = crawler.StatusComplete
		rec.FailureReason, rec.FailureKind = "", ""
		rec.LastCrawled = &crawledAt
		rec.ProxyUsed = o.ProxyUsed
		rec.RawBlobURI = o.RawBlobURI
		rec.PageTitle = o.Page.Title
		rec.PageDescription = o.Page.Description
		rec.ParsedText = o.Page.Text
		rec.ParsedMarkdown = o.Page.Markdown
		rec.IsRecipe = &isRecipe
		rec.LLMStatus = crawler.StatusNone
		if o.ExtractionEligible() {
			rec.LLMStatus = crawler.StatusPending
		}
		rec.LLMClaimedBy = ""
		rec.CrawlClaimedBy = ""
	}
	for _, o := range failed {
		rec := s.owned(o.ID, owner, crawlLease)
		if rec == nil {
			continue
		}
		crawledAt := o.CrawledAt
		rec.CrawlStatus = crawler.StatusFailed
		rec.FailureReason = crawler.Reason(o.Err)
		rec.FailureKind = o.Kind()
		rec.LastCrawled = &crawledAt
		rec.CrawlClaimedBy = ""
	}
	return nil
}

// ClaimExtraction claims rows that passed the crawl gate, most recently
// crawled first.
func (s *Store) ClaimExtraction(_ context.Context, req crawler.ClaimRequest) ([]crawler.ExtractTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	candidates := make([]*crawler.URLRecord, 0)
	for _, rec := range s.urls {
		if !extractionGate(rec) || !claimable(rec.LLMStatus, rec.LLMClaimedAt, req.LeaseCutoff) {
			continue
		}
		candidates = append(candidates, rec)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].LastCrawled, candidates[j].LastCrawled
		if !a.Equal(*b) {
			return a.After(*b)
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > req.Limit {
		candidates = candidates[:req.Limit]
	}
	tasks := make([]crawler.ExtractTask, 0, len(candidates))
	for _, rec := range candidates {
		now := req.Now
		rec.LLMStatus = crawler.StatusInProgress
		rec.LLMClaimedAt = &now
		rec.LLMClaimedBy = req.Owner
		tasks = append(tasks, crawler.ExtractTask{
			ID:          rec.ID,
			URL:         rec.OriginalURL,
			Title:       rec.PageTitle,
			Description: rec.PageDescription,
			Text:        rec.ParsedText,
		})
	}
	return tasks, nil
}

// FailExtraction records failed extraction outcomes for rows still owned by owner.
func (s *Store) FailExtraction(_ context.Context, owner string, failed []crawler.ExtractOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range failed {
		rec := s.owned(o.ID, owner, llmLease)
		if rec == nil {
			continue
		}
		rec.LLMStatus = crawler.StatusFailed
		rec.LLMFailureReason = crawler.Reason(o.Err)
		rec.LLMFailureKind = o.Kind()
		rec.LLMClaimedBy = ""
	}
	return nil
}

// SaveDish replaces the dish for urlID and marks extraction complete.
func (s *Store) SaveDish(_ context.Context, urlID int64, owner string, dish crawler.Dish) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.urls[urlID]; !ok {
		return crawler.ErrNotFound
	}
	rec := s.owned(urlID, owner, llmLease)
	if rec == nil {
		return crawler.ErrLeaseLost
	}
	s.dishes[urlID] = cloneDish(dish)
	rec.LLMStatus = crawler.StatusComplete
	rec.LLMFailureReason, rec.LLMFailureKind = "", ""
	rec.LLMClaimedBy = ""
	return nil
}

// GetDish returns the dish saved for urlID.
func (s *Store) GetDish(_ context.Context, urlID int64) (crawler.Dish, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dish, ok := s.dishes[urlID]
	if !ok {
		return crawler.Dish{}, crawler.ErrNotFound
	}
	return cloneDish(dish), nil
}

// ResetFailed returns failed rows of a phase to pending.
func (s *Store) ResetFailed(_ context.Context, phase crawler.Phase, kind crawler.ErrorKind) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if phase == crawler.PhaseMenu {
		return s.resetMenu(kind), nil
	}
	var n int64
	for _, rec := range s.urls {
		switch phase {
		case crawler.PhaseCrawl:
			if rec.CrawlStatus != crawler.StatusFailed || (kind != "" && rec.FailureKind != kind) {
				continue
			}
			rec.CrawlStatus = crawler.StatusPending
			rec.FailureReason, rec.FailureKind = "", ""
		case crawler.PhaseExtract:
			if rec.LLMStatus != crawler.StatusFailed || (kind != "" && rec.LLMFailureKind != kind) {
				continue
			}
			rec.LLMStatus = crawler.StatusPending
			rec.LLMFailureReason, rec.LLMFailureKind = "", ""
		default:
			return 0, fmt.Errorf("reset failed: unknown phase %q", phase)
		}
		n++
	}
	return n, nil
}

// ReclaimExpired returns in_progress rows claimed before cutoff to pending.
func (s *Store) ReclaimExpired(_ context.Context, phase crawler.Phase, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if phase == crawler.PhaseMenu {
		return s.reclaimMenu(cutoff), nil
	}
	var n int64
	for _, rec := range s.urls {
		switch phase {
		case crawler.PhaseCrawl:
			if !expired(rec.CrawlStatus, rec.CrawlClaimedAt, cutoff) {
				continue
			}
			rec.CrawlStatus = crawler.StatusPending
			rec.CrawlClaimedBy = ""
		case crawler.PhaseExtract:
			if !expired(rec.LLMStatus, rec.LLMClaimedAt, cutoff) {
				continue
			}
			rec.LLMStatus = crawler.StatusPending
			rec.LLMClaimedBy = ""
		default:
			return 0, fmt.Errorf("reclaim expired: unknown phase %q", phase)
		}
		n++
	}
	return n, nil
}

// StatusCounts tallies records per phase and status. Records not yet eligible
// for extraction are not counted under the extract phase. Menu items are
// counted under the menu phase.
func (s *Store) StatusCounts(context.Context) (crawler.StatusCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := crawler.StatusCounts{}
	for _, rec := range s.urls {
		counts.Add(crawler.PhaseCrawl, rec.CrawlStatus, 1)
		if rec.LLMStatus != crawler.StatusNone {
			counts.Add(crawler.PhaseExtract, rec.LLMStatus, 1)
		}
	}
	for _, item := range s.menuItems {
		counts.Add(crawler.PhaseMenu, item.LLMStatus, 1)
	}
	return counts, nil
}

// phaseLease reads one phase's status and claim owner from a record.
type phaseLease func(*crawler.URLRecord) (crawler.Status, string)

func crawlLease(r *crawler.URLRecord) (crawler.Status, string) { return r.CrawlStatus, r.CrawlClaimedBy }
func llmLease(r *crawler.URLRecord) (crawler.Status, string)   { return r.LLMStatus, r.LLMClaimedBy }

// owned returns the record when it is in_progress for the phase and claimed
// by owner for that phase.
func (s *Store) owned(id int64, owner string, lease phaseLease) *crawler.URLRecord {
	rec, ok := s.urls[id]
	if !ok {
		return nil
	}
	if status, by := lease(rec); status != crawler.StatusInProgress || by != owner {
		return nil
	}
	return rec
}

func claimable(status crawler.Status, claimedAt *time.Time, cutoff time.Time) bool {
	return status == crawler.StatusPending || expired(status, claimedAt, cutoff)
}

func expired(status crawler.Status, claimedAt *time.Time, cutoff time.Time) bool {
	return status == crawler.StatusInProgress && (claimedAt == nil || claimedAt.Before(cutoff))
}

func extractionGate(rec *crawler.URLRecord) bool {
	return rec.CrawlStatus == crawler.StatusComplete &&
		rec.IsRecipe != nil && *rec.IsRecipe &&
		rec.ParsedText != "" &&
		rec.LastCrawled != nil
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func cloneSite(site crawler.Site) crawler.Site {
	site.ManualSitemaps = append([]string(nil), site.ManualSitemaps...)
	return site
}

func cloneDish(d crawler.Dish) crawler.Dish {
	d.Ingredients = append([]crawler.Ingredient(nil), d.Ingredients...)
	if d.Attributes != nil {
		attrs := *d.Attributes
		d.Attributes = &attrs
	}
	return d
}
