package crawler

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of a row within one pipeline phase.
type Status string

// Status values persisted for sites, crawl_status, and llm_status. StatusNone
// marks a record that is not (yet) eligible for the extraction phase.
const (
	StatusNone       Status = ""
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status ends a phase.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Phase names one of the status columns driven by a worker loop: the two
// carried by a URL record and the one carried by a menu item.
type Phase string

// Supported pipeline phases.
const (
	PhaseCrawl   Phase = "crawl"
	PhaseExtract Phase = "extract"
	PhaseMenu    Phase = "menu"
)

// ParsePhase converts operator input into a Phase.
func ParsePhase(raw string) (Phase, error) {
	switch Phase(raw) {
	case PhaseCrawl, PhaseExtract, PhaseMenu:
		return Phase(raw), nil
	default:
		return "", fmt.Errorf("unknown phase %q (want crawl, extract, or menu)", raw)
	}
}

// Site is an operator-registered seed whose sitemaps feed the pipeline.
type Site struct {
	ID             int64      `json:"id"`
	SeedURL        string     `json:"seed_url"`
	ManualSitemaps []string   `json:"manual_sitemaps,omitempty"`
	Status         Status     `json:"status"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	LastProcessed  *time.Time `json:"last_processed,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
}

// DiscoveredURL is a candidate page produced by a sitemap walk.
type DiscoveredURL struct {
	OriginalURL      string
	NormalizedURL    string
	SiteID           int64
	SitemapSourceURL string
	LastModified     *time.Time
	DiscoveredAt     time.Time
}

// URLRecord is the persisted row that moves through both pipeline phases.
type URLRecord struct {
	ID               int64      `json:"id"`
	OriginalURL      string     `json:"original_url"`
	NormalizedURL    string     `json:"normalized_url"`
	SiteID           int64      `json:"site_id"`
	SitemapSourceURL string     `json:"sitemap_source_url"`
	LastModified     *time.Time `json:"last_modified,omitempty"`
	DiscoveredAt     time.Time  `json:"discovered_at"`

	CrawlStatus    Status     `json:"crawl_status"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	FailureKind    ErrorKind  `json:"failure_kind,omitempty"`
	LastCrawled    *time.Time `json:"last_crawled,omitempty"`
	CrawlClaimedAt *time.Time `json:"crawl_claimed_at,omitempty"`
	CrawlClaimedBy string     `json:"crawl_claimed_by,omitempty"`
	ProxyUsed      string     `json:"proxy_used,omitempty"`
	RawBlobURI     string     `json:"raw_blob_uri,omitempty"`

	PageTitle       string `json:"page_title"`
	PageDescription string `json:"page_description"`
	ParsedText      string `json:"parsed_text"`
	ParsedMarkdown  string `json:"parsed_markdown"`
	IsRecipe        *bool  `json:"is_recipe,omitempty"`

	LLMStatus        Status     `json:"llm_status"`
	LLMFailureReason string     `json:"llm_failure_reason,omitempty"`
	LLMFailureKind   ErrorKind  `json:"llm_failure_kind,omitempty"`
	LLMClaimedAt     *time.Time `json:"llm_claimed_at,omitempty"`
	LLMClaimedBy     string     `json:"llm_claimed_by,omitempty"`
}

// ClaimRequest parameterizes an atomic batch claim. Rows left in_progress
// with a claim timestamp before LeaseCutoff are treated as abandoned and may
// be claimed again.
type ClaimRequest struct {
	Owner       string
	Limit       int
	Now         time.Time
	LeaseCutoff time.Time
}

// SiteClaim parameterizes claiming the next site for a sitemap walk.
type SiteClaim struct {
	Now         time.Time
	StaleBefore time.Time
	LeaseCutoff time.Time
}

// CrawlTask is a URL record claimed for the fetch phase.
type CrawlTask struct {
	ID            int64
	SiteID        int64
	URL           string
	NormalizedURL string
}

// Page is the cleaned content derived from a fetched HTML document.
type Page struct {
	Title       string
	Description string
	Text        string
	Markdown    string
}

// CrawlOutcome is the terminal result of processing one CrawlTask.
type CrawlOutcome struct {
	ID         int64
	URL        string
	Page       Page
	IsRecipe   bool
	ProxyUsed  string
	RawBlobURI string
	CrawledAt  time.Time
	Err        *Error
}

// Failed reports whether the outcome carries an error.
func (o CrawlOutcome) Failed() bool { return o.Err != nil }

// Kind returns the error kind of a failed outcome.
func (o CrawlOutcome) Kind() ErrorKind {
	if o.Err == nil {
		return ""
	}
	return o.Err.Kind
}

// ExtractionEligible reports whether a successful crawl should be handed to
// the extraction phase.
func (o CrawlOutcome) ExtractionEligible() bool {
	return o.Err == nil && o.IsRecipe && o.Page.Text != ""
}

// ExtractTask is a URL record or menu item claimed for LLM extraction. Menu
// items carry the item name in Title and no URL or Text.
type ExtractTask struct {
	ID          int64
	URL         string
	Title       string
	Description string
	Text        string
	Category    string
	UploadedAt  *time.Time
}

// ExtractOutcome is the terminal result of processing one ExtractTask.
type ExtractOutcome struct {
	ID   int64
	URL  string
	Dish *Dish
	Err  *Error
}

// Failed reports whether the outcome carries an error.
func (o ExtractOutcome) Failed() bool { return o.Err != nil }

// Kind returns the error kind of a failed outcome.
func (o ExtractOutcome) Kind() ErrorKind {
	if o.Err == nil {
		return ""
	}
	return o.Err.Kind
}

// FetchResult is returned by a Fetcher on success.
type FetchResult struct {
	URL        string
	StatusCode int
	Body       []byte
	ProxyLabel string
	Duration   time.Duration
}

// StatusCounts groups URL record counts by phase and status.
type StatusCounts map[Phase]map[Status]int64

// Add increments the count for the phase and status.
func (c StatusCounts) Add(phase Phase, status Status, n int64) {
	if c[phase] == nil {
		c[phase] = make(map[Status]int64)
	}
	c[phase][status] += n
}
