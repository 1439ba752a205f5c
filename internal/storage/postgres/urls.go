package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
)

// InsertURLs inserts records whose normalized URL is new in one statement and
// returns how many rows were added.
func (s *Store) InsertURLs(ctx context.Context, urls []crawler.DiscoveredURL) (int, error) {
	var (
		original   = make([]string, 0, len(urls))
		normalized = make([]string, 0, len(urls))
		siteIDs    = make([]int64, 0, len(urls))
		sources    = make([]string, 0, len(urls))
		lastMods   = make([]*time.Time, 0, len(urls))
		discovered = make([]time.Time, 0, len(urls))
	)
	for _, d := range urls {
		if d.NormalizedURL == "" {
			continue
		}
		original = append(original, d.OriginalURL)
		normalized = append(normalized, d.NormalizedURL)
		siteIDs = append(siteIDs, d.SiteID)
		sources = append(sources, d.SitemapSourceURL)
		lastMods = append(lastMods, d.LastModified)
		discovered = append(discovered, d.DiscoveredAt)
	}
	if len(normalized) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO urls (original_url, normalized_url, site_id, sitemap_source_url, last_modified, discovered_at, crawl_status)
		SELECT v.original_url, v.normalized_url, v.site_id, v.sitemap_source_url, v.last_modified, v.discovered_at, 'pending'
		FROM unnest($1::text[], $2::text[], $3::bigint[], $4::text[], $5::timestamptz[], $6::timestamptz[])
			AS v(original_url, normalized_url, site_id, sitemap_source_url, last_modified, discovered_at)
		ON CONFLICT (normalized_url) DO NOTHING`,
		original, normalized, siteIDs, sources, lastMods, discovered)
	if err != nil {
		return 0, fmt.Errorf("insert urls: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

const urlColumns = `id, original_url, normalized_url, site_id, sitemap_source_url, last_modified, discovered_at,
	crawl_status, COALESCE(failure_reason, ''), COALESCE(failure_kind, ''), last_crawled, crawl_claimed_at, COALESCE(crawl_claimed_by, ''),
	COALESCE(proxy_used, ''), COALESCE(raw_blob_uri, ''),
	COALESCE(page_title, ''), COALESCE(page_description, ''), COALESCE(parsed_text, ''), COALESCE(parsed_markdown, ''), is_recipe,
	COALESCE(llm_status, ''), COALESCE(llm_failure_reason, ''), COALESCE(llm_failure_kind, ''), llm_claimed_at, COALESCE(llm_claimed_by, '')`

// GetURL returns one URL record.
func (s *Store) GetURL(ctx context.Context, id int64) (crawler.URLRecord, error) {
	var (
		r                         crawler.URLRecord
		crawlStatus, failureKind  string
		llmStatus, llmFailureKind string
	)
	err := s.pool.QueryRow(ctx, `SELECT `+urlColumns+` FROM urls WHERE id = $1`, id).Scan(
		&r.ID, &r.OriginalURL, &r.NormalizedURL, &r.SiteID, &r.SitemapSourceURL, &r.LastModified, &r.DiscoveredAt,
		&crawlStatus, &r.FailureReason, &failureKind, &r.LastCrawled, &r.CrawlClaimedAt, &r.CrawlClaimedBy,
		&r.ProxyUsed, &r.RawBlobURI,
		&r.PageTitle, &r.PageDescription, &r.ParsedText, &r.ParsedMarkdown, &r.IsRecipe,
		&llmStatus, &r.LLMFailureReason, &llmFailureKind, &r.LLMClaimedAt, &r.LLMClaimedBy,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.URLRecord{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.URLRecord{}, fmt.Errorf("get url: %w", err)
	}
	r.CrawlStatus, r.FailureKind = crawler.Status(crawlStatus), crawler.ErrorKind(failureKind)
	r.LLMStatus, r.LLMFailureKind = crawler.Status(llmStatus), crawler.ErrorKind(llmFailureKind)
	return r, nil
}

// ClaimCrawl claims pending rows and rows whose crawl lease expired, lowest
// id first.
func (s *Store) ClaimCrawl(ctx context.Context, req crawler.ClaimRequest) ([]crawler.CrawlTask, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE urls SET crawl_status = 'in_progress', crawl_claimed_at = $1, crawl_claimed_by = $2
		WHERE id IN (
			SELECT id FROM urls
			WHERE crawl_status = 'pending'
				OR (crawl_status = 'in_progress' AND (crawl_claimed_at IS NULL OR crawl_claimed_at < $3))
			ORDER BY id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, site_id, original_url, normalized_url`,
		req.Now, req.Owner, req.LeaseCutoff, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("claim crawl: %w", err)
	}
	tasks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (crawler.CrawlTask, error) {
		var t crawler.CrawlTask
		err := row.Scan(&t.ID, &t.SiteID, &t.URL, &t.NormalizedURL)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan crawl claims: %w", err)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// CommitCrawl writes crawl outcomes for rows still owned by owner in one
// transaction. llm_status is derived in SQL from the committed payload.
func (s *Store) CommitCrawl(ctx context.Context, owner string, succeeded, failed []crawler.CrawlOutcome) error {
	if len(succeeded) == 0 && len(failed) == 0 {
		return nil
	}
	var written int64
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if len(succeeded) > 0 {
			n, err := commitCrawlSuccess(ctx, tx, owner, succeeded)
			if err != nil {
				return err
			}
			written += n
		}
		if len(failed) > 0 {
			n, err := commitCrawlFailure(ctx, tx, owner, failed)
			if err != nil {
				return err
			}
			written += n
		}
		return nil
	})
	if err != nil {
		return err
	}
	if total := int64(len(succeeded) + len(failed)); written < total {
		s.logger.Warn("crawl commit skipped rows no longer owned",
			zap.String("owner", owner), zap.Int64("skipped", total-written))
	}
	return nil
}

func commitCrawlSuccess(ctx context.Context, tx pgx.Tx, owner string, outcomes []crawler.CrawlOutcome) (int64, error) {
	n := len(outcomes)
	var (
		ids         = make([]int64, n)
		crawledAt   = make([]time.Time, n)
		proxies     = make([]string, n)
		blobs       = make([]string, n)
		titles      = make([]string, n)
		descs       = make([]string, n)
		texts       = make([]string, n)
		markdowns   = make([]string, n)
		recipeFlags = make([]bool, n)
	)
	for i, o := range outcomes {
		ids[i] = o.ID
		crawledAt[i] = o.CrawledAt
		proxies[i] = o.ProxyUsed
		blobs[i] = o.RawBlobURI
		titles[i] = o.Page.Title
		descs[i] = o.Page.Description
		texts[i] = o.Page.Text
		markdowns[i] = o.Page.Markdown
		recipeFlags[i] = o.IsRecipe
	}
	tag, err := tx.Exec(ctx, `
		UPDATE urls AS u SET
			crawl_status = 'complete',
			failure_reason = NULL,
			failure_kind = NULL,
			last_crawled = v.crawled_at,
			proxy_used = NULLIF(v.proxy_used, ''),
			raw_blob_uri = NULLIF(v.raw_blob_uri, ''),
			page_title = v.page_title,
			page_description = v.page_description,
			parsed_text = v.parsed_text,
			parsed_markdown = v.parsed_markdown,
			is_recipe = v.is_recipe,
			llm_status = CASE WHEN v.is_recipe AND v.parsed_text <> '' THEN 'pending' ELSE NULL END,
			llm_failure_reason = NULL,
			llm_failure_kind = NULL,
			llm_claimed_at = NULL,
			llm_claimed_by = NULL,
			crawl_claimed_by = NULL
		FROM unnest($2::bigint[], $3::timestamptz[], $4::text[], $5::text[], $6::text[], $7::text[], $8::text[], $9::text[], $10::boolean[])
			AS v(id, crawled_at, proxy_used, raw_blob_uri, page_title, page_description, parsed_text, parsed_markdown, is_recipe)
		WHERE u.id = v.id AND u.crawl_status = 'in_progress' AND u.crawl_claimed_by = $1`,
		owner, ids, crawledAt, proxies, blobs, titles, descs, texts, markdowns, recipeFlags)
	if err != nil {
		return 0, fmt.Errorf("commit crawl successes: %w", err)
	}
	return tag.RowsAffected(), nil
}

func commitCrawlFailure(ctx context.Context, tx pgx.Tx, owner string, outcomes []crawler.CrawlOutcome) (int64, error) {
	n := len(outcomes)
	var (
		ids       = make([]int64, n)
		reasons   = make([]string, n)
		kinds     = make([]string, n)
		crawledAt = make([]time.Time, n)
	)
	for i, o := range outcomes {
		ids[i] = o.ID
		reasons[i] = crawler.Reason(o.Err)
		kinds[i] = string(o.Kind())
		crawledAt[i] = o.CrawledAt
	}
	tag, err := tx.Exec(ctx, `
		UPDATE urls AS u SET
			crawl_status = 'failed',
			failure_reason = v.reason,
			failure_kind = v.kind,
			last_crawled = v.crawled_at,
			crawl_claimed_by = NULL
		FROM unnest($2::bigint[], $3::text[], $4::text[], $5::timestamptz[]) AS v(id, reason, kind, crawled_at)
		WHERE u.id = v.id AND u.crawl_status = 'in_progress' AND u.crawl_claimed_by = $1`,
		owner, ids, reasons, kinds, crawledAt)
	if err != nil {
		return 0, fmt.Errorf("commit crawl failures: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ClaimExtraction claims rows that passed the crawl gate, most recently
// crawled first.
func (s *Store) ClaimExtraction(ctx context.Context, req crawler.ClaimRequest) ([]crawler.ExtractTask, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE urls SET llm_status = 'in_progress', llm_claimed_at = $1, llm_claimed_by = $2
		WHERE id IN (
			SELECT id FROM urls
			WHERE crawl_status = 'complete'
				AND is_recipe
				AND COALESCE(parsed_text, '') <> ''
				AND last_crawled IS NOT NULL
				AND (llm_status = 'pending'
					OR (llm_status = 'in_progress' AND (llm_claimed_at IS NULL OR llm_claimed_at < $3)))
			ORDER BY last_crawled DESC, id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, original_url, COALESCE(page_title, ''), COALESCE(page_description, ''), parsed_text, last_crawled`,
		req.Now, req.Owner, req.LeaseCutoff, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("claim extraction: %w", err)
	}
	type claimed struct {
		task        crawler.ExtractTask
		lastCrawled time.Time
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (claimed, error) {
		var c claimed
		err := row.Scan(&c.task.ID, &c.task.URL, &c.task.Title, &c.task.Description, &c.task.Text, &c.lastCrawled)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan extraction claims: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].lastCrawled.Equal(out[j].lastCrawled) {
			return out[i].lastCrawled.After(out[j].lastCrawled)
		}
		return out[i].task.ID < out[j].task.ID
	})
	tasks := make([]crawler.ExtractTask, len(out))
	for i, c := range out {
		tasks[i] = c.task
	}
	return tasks, nil
}

// FailExtraction records failed extraction outcomes for rows still owned by owner.
func (s *Store) FailExtraction(ctx context.Context, owner string, failed []crawler.ExtractOutcome) error {
	if len(failed) == 0 {
		return nil
	}
	var (
		ids     = make([]int64, len(failed))
		reasons = make([]string, len(failed))
		kinds   = make([]string, len(failed))
	)
	for i, o := range failed {
		ids[i] = o.ID
		reasons[i] = crawler.Reason(o.Err)
		kinds[i] = string(o.Kind())
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE urls AS u SET
			llm_status = 'failed',
			llm_failure_reason = v.reason,
			llm_failure_kind = v.kind,
			llm_claimed_by = NULL
		FROM unnest($2::bigint[], $3::text[], $4::text[]) AS v(id, reason, kind)
		WHERE u.id = v.id AND u.llm_status = 'in_progress' AND u.llm_claimed_by = $1`,
		owner, ids, reasons, kinds)
	if err != nil {
		return fmt.Errorf("fail extraction: %w", err)
	}
	if skipped := int64(len(failed)) - tag.RowsAffected(); skipped > 0 {
		s.logger.Warn("extraction commit skipped rows no longer owned",
			zap.String("owner", owner), zap.Int64("skipped", skipped))
	}
	return nil
}

// ResetFailed returns failed rows of a phase to pending. An empty kind
// matches every failure.
func (s *Store) ResetFailed(ctx context.Context, phase crawler.Phase, kind crawler.ErrorKind) (int64, error) {
	var query string
	switch phase {
	case crawler.PhaseCrawl:
		query = `
			UPDATE urls SET crawl_status = 'pending', failure_reason = NULL, failure_kind = NULL
			WHERE crawl_status = 'failed' AND ($1::text = '' OR failure_kind = $1)`
	case crawler.PhaseExtract:
		query = `
			UPDATE urls SET llm_status = 'pending', llm_failure_reason = NULL, llm_failure_kind = NULL
			WHERE llm_status = 'failed' AND ($1::text = '' OR llm_failure_kind = $1)`
	case crawler.PhaseMenu:
		query = `
			UPDATE menu_items SET llm_status = 'pending', llm_failure_reason = NULL, llm_failure_kind = NULL
			WHERE llm_status = 'failed' AND ($1::text = '' OR llm_failure_kind = $1)`
	default:
		return 0, fmt.Errorf("reset failed: unknown phase %q", phase)
	}
	tag, err := s.pool.Exec(ctx, query, string(kind))
	if err != nil {
		return 0, fmt.Errorf("reset failed %s: %w", phase, err)
	}
	return tag.RowsAffected(), nil
}

// ReclaimExpired returns in_progress rows claimed before cutoff to pending.
func (s *Store) ReclaimExpired(ctx context.Context, phase crawler.Phase, cutoff time.Time) (int64, error) {
	var query string
	switch phase {
	case crawler.PhaseCrawl:
		query = `
			UPDATE urls SET crawl_status = 'pending', crawl_claimed_by = NULL
			WHERE crawl_status = 'in_progress' AND (crawl_claimed_at IS NULL OR crawl_claimed_at < $1)`
	case crawler.PhaseExtract:
		query = `
			UPDATE urls SET llm_status = 'pending', llm_claimed_by = NULL
			WHERE llm_status = 'in_progress' AND (llm_claimed_at IS NULL OR llm_claimed_at < $1)`
	case crawler.PhaseMenu:
		query = `
			UPDATE menu_items SET llm_status = 'pending', llm_claimed_by = NULL
			WHERE llm_status = 'in_progress' AND (llm_claimed_at IS NULL OR llm_claimed_at < $1)`
	default:
		return 0, fmt.Errorf("reclaim expired: unknown phase %q", phase)
	}
	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired %s: %w", phase, err)
	}
	return tag.RowsAffected(), nil
}

// StatusCounts tallies URL records per phase and status, with menu items
// under the menu phase.
func (s *Store) StatusCounts(ctx context.Context) (crawler.StatusCounts, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT 'crawl', crawl_status, count(*) FROM urls GROUP BY crawl_status
		UNION ALL
		SELECT 'extract', llm_status, count(*) FROM urls WHERE llm_status IS NOT NULL GROUP BY llm_status
		UNION ALL
		SELECT 'menu', llm_status, count(*) FROM menu_items GROUP BY llm_status`)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()
	counts := crawler.StatusCounts{}
	for rows.Next() {
		var (
			phase, status string
			n             int64
		)
		if err := rows.Scan(&phase, &status, &n); err != nil {
			return nil, fmt.Errorf("scan status counts: %w", err)
		}
		counts.Add(crawler.Phase(phase), crawler.Status(status), n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	return counts, nil
}
