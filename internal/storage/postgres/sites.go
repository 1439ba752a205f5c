package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
)

const siteColumns = `id, seed_url, manual_sitemaps, status, COALESCE(failure_reason, ''), last_processed, claimed_at`

func scanSite(row pgx.Row) (crawler.Site, error) {
	var (
		site   crawler.Site
		status string
	)
	err := row.Scan(
		&site.ID,
		&site.SeedURL,
		&site.ManualSitemaps,
		&status,
		&site.FailureReason,
		&site.LastProcessed,
		&site.ClaimedAt,
	)
	site.Status = crawler.Status(status)
	return site, err
}

// CreateSite upserts a seed. Registering an existing seed replaces its manual
// sitemaps.
func (s *Store) CreateSite(ctx context.Context, seedURL string, manualSitemaps []string) (crawler.Site, error) {
	seedURL = strings.TrimSpace(seedURL)
	if seedURL == "" {
		return crawler.Site{}, fmt.Errorf("seed url is required")
	}
	query := `
		INSERT INTO sites (seed_url, manual_sitemaps, status)
		VALUES ($1, $2, 'pending')
		ON CONFLICT (seed_url) DO UPDATE SET manual_sitemaps = EXCLUDED.manual_sitemaps
		RETURNING ` + siteColumns
	site, err := scanSite(s.pool.QueryRow(ctx, query, seedURL, append([]string{}, manualSitemaps...)))
	if err != nil {
		return crawler.Site{}, fmt.Errorf("create site: %w", err)
	}
	return site, nil
}

// GetSite returns a site by id.
func (s *Store) GetSite(ctx context.Context, id int64) (crawler.Site, error) {
	site, err := scanSite(s.pool.QueryRow(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Site{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Site{}, fmt.Errorf("get site: %w", err)
	}
	return site, nil
}

// ListSites returns every site ordered by id.
func (s *Store) ListSites(ctx context.Context) ([]crawler.Site, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+siteColumns+` FROM sites ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	sites, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (crawler.Site, error) {
		return scanSite(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan sites: %w", err)
	}
	return sites, nil
}

// ClaimSite moves the lowest-id eligible site to in_progress.
func (s *Store) ClaimSite(ctx context.Context, claim crawler.SiteClaim) (crawler.Site, bool, error) {
	query := `
		UPDATE sites SET status = 'in_progress', claimed_at = $1
		WHERE id = (
			SELECT id FROM sites
			WHERE status = 'pending'
				OR (status = 'in_progress' AND (claimed_at IS NULL OR claimed_at < $2))
				OR (status IN ('complete', 'failed') AND (last_processed IS NULL OR last_processed < $3))
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + siteColumns
	site, err := scanSite(s.pool.QueryRow(ctx, query, claim.Now, claim.LeaseCutoff, claim.StaleBefore))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Site{}, false, nil
	}
	if err != nil {
		return crawler.Site{}, false, fmt.Errorf("claim site: %w", err)
	}
	return site, true, nil
}

// CompleteSite records the outcome of a walk.
func (s *Store) CompleteSite(ctx context.Context, id int64, status crawler.Status, reason string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sites SET status = $2, failure_reason = $3, last_processed = $4, claimed_at = NULL
		WHERE id = $1`, id, string(status), textOrNil(reason), at)
	if err != nil {
		return fmt.Errorf("complete site: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}
