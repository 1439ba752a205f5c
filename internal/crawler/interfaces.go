package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher retrieves a URL, returning the body and the label of the proxy that
// served it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResult, error)
}

// SiteStore persists seed sites and their walk status.
type SiteStore interface {
	CreateSite(ctx context.Context, seedURL string, manualSitemaps []string) (Site, error)
	GetSite(ctx context.Context, id int64) (Site, error)
	ListSites(ctx context.Context) ([]Site, error)
	// ClaimSite atomically moves the next eligible site to in_progress. It
	// returns false when nothing is eligible.
	ClaimSite(ctx context.Context, claim SiteClaim) (Site, bool, error)
	CompleteSite(ctx context.Context, id int64, status Status, reason string, at time.Time) error
}

// URLStore persists URL records and implements the claim/commit protocol for
// both phases.
type URLStore interface {
	// InsertURLs inserts records that are absent by normalized URL and
	// returns how many were new.
	InsertURLs(ctx context.Context, urls []DiscoveredURL) (int, error)
	GetURL(ctx context.Context, id int64) (URLRecord, error)

	ClaimCrawl(ctx context.Context, req ClaimRequest) ([]CrawlTask, error)
	CommitCrawl(ctx context.Context, owner string, succeeded, failed []CrawlOutcome) error

	ClaimExtraction(ctx context.Context, req ClaimRequest) ([]ExtractTask, error)
	FailExtraction(ctx context.Context, owner string, failed []ExtractOutcome) error

	// ResetFailed moves failed rows of a phase back to pending. An empty kind
	// matches every failure.
	ResetFailed(ctx context.Context, phase Phase, kind ErrorKind) (int64, error)
	// ReclaimExpired moves in_progress rows claimed before cutoff back to pending.
	ReclaimExpired(ctx context.Context, phase Phase, cutoff time.Time) (int64, error)
	StatusCounts(ctx context.Context) (StatusCounts, error)
}

// DishStore persists extraction results.
type DishStore interface {
	// SaveDish replaces the dish, its ingredients, and attributes for urlID
	// and marks the record's llm_status complete, all in one unit.
	SaveDish(ctx context.Context, urlID int64, owner string, dish Dish) error
	GetDish(ctx context.Context, urlID int64) (Dish, error)
}

// Store aggregates every persistence capability the pipeline needs.
type Store interface {
	SiteStore
	URLStore
	DishStore
	// Menu returns the menu item store sharing this store's connection.
	Menu() MenuStore
	Ping(ctx context.Context) error
	Close()
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes pipeline events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests used for archive paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces lease owner tokens.
type IDGenerator interface {
	NewID() (string, error)
}

// DishExtracted is published after a dish is saved. Recipe dishes set URLID
// and URL; menu dishes set MenuItemID.
type DishExtracted struct {
	Source      string    `json:"source"`
	URLID       int64     `json:"url_id,omitempty"`
	URL         string    `json:"url,omitempty"`
	MenuItemID  int64     `json:"menu_item_id,omitempty"`
	DishName    string    `json:"dish_name"`
	Ingredients int       `json:"ingredients"`
	ExtractedAt time.Time `json:"extracted_at"`
}
