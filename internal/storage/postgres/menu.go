package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
)

// Menu persists menu items in menu_items and their dishes in the menu_*
// tables, which share the recipe tables' field mapping.
type Menu struct {
	s *Store
}

var _ crawler.MenuStore = (*Menu)(nil)

// Menu implements crawler.Store.
func (s *Store) Menu() crawler.MenuStore { return &Menu{s: s} }

// InsertMenuItems adds every item as pending in one statement.
func (m *Menu) InsertMenuItems(ctx context.Context, items []crawler.MenuItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	var (
		names        = make([]string, len(items))
		descriptions = make([]string, len(items))
		categories   = make([]string, len(items))
		uploaded     = make([]*time.Time, len(items))
	)
	for i, item := range items {
		names[i] = item.Name
		descriptions[i] = item.Description
		categories[i] = item.Category
		uploaded[i] = item.DateUploaded
	}
	tag, err := m.s.pool.Exec(ctx, `
		INSERT INTO menu_items (name, description, category, date_uploaded, llm_status)
		SELECT v.name, v.description, NULLIF(v.category, ''), v.date_uploaded, 'pending'
		FROM unnest($1::text[], $2::text[], $3::text[], $4::timestamptz[])
			AS v(name, description, category, date_uploaded)`,
		names, descriptions, categories, uploaded)
	if err != nil {
		return 0, fmt.Errorf("insert menu items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ClaimExtraction claims items with a description, most recently uploaded
// first.
func (m *Menu) ClaimExtraction(ctx context.Context, req crawler.ClaimRequest) ([]crawler.ExtractTask, error) {
	rows, err := m.s.pool.Query(ctx, `
		UPDATE menu_items SET llm_status = 'in_progress', llm_claimed_at = $1, llm_claimed_by = $2
		WHERE id IN (
			SELECT id FROM menu_items
			WHERE btrim(description) <> ''
				AND (llm_status = 'pending'
					OR (llm_status = 'in_progress' AND (llm_claimed_at IS NULL OR llm_claimed_at < $3)))
			ORDER BY date_uploaded DESC NULLS LAST, id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, name, description, COALESCE(category, ''), date_uploaded`,
		req.Now, req.Owner, req.LeaseCutoff, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("claim menu items: %w", err)
	}
	tasks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (crawler.ExtractTask, error) {
		var t crawler.ExtractTask
		err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Category, &t.UploadedAt)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan menu claims: %w", err)
	}
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i].UploadedAt, tasks[j].UploadedAt
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.After(*b)
		case (a == nil) != (b == nil):
			return a != nil
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

// FailExtraction records failed outcomes for items still owned by owner.
func (m *Menu) FailExtraction(ctx context.Context, owner string, failed []crawler.ExtractOutcome) error {
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
	tag, err := m.s.pool.Exec(ctx, `
		UPDATE menu_items AS m SET
			llm_status = 'failed',
			llm_failure_reason = v.reason,
			llm_failure_kind = v.kind,
			llm_claimed_by = NULL
		FROM unnest($2::bigint[], $3::text[], $4::text[]) AS v(id, reason, kind)
		WHERE m.id = v.id AND m.llm_status = 'in_progress' AND m.llm_claimed_by = $1`,
		owner, ids, reasons, kinds)
	if err != nil {
		return fmt.Errorf("fail menu extraction: %w", err)
	}
	if skipped := int64(len(failed)) - tag.RowsAffected(); skipped > 0 {
		m.s.logger.Warn("menu commit skipped items no longer owned",
			zap.String("owner", owner), zap.Int64("skipped", skipped))
	}
	return nil
}

// SaveDish replaces the dish for itemID in the menu tables and marks the
// item complete in one transaction.
func (m *Menu) SaveDish(ctx context.Context, itemID int64, owner string, dish crawler.Dish) error {
	return m.s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE menu_items SET llm_status = 'complete', llm_failure_reason = NULL, llm_failure_kind = NULL, llm_claimed_by = NULL
			WHERE id = $1 AND llm_status = 'in_progress' AND llm_claimed_by = $2`, itemID, owner)
		if err != nil {
			return fmt.Errorf("mark menu item complete: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM menu_items WHERE id = $1)`, itemID).Scan(&exists); err != nil {
				return fmt.Errorf("check menu item %d: %w", itemID, err)
			}
			if !exists {
				return crawler.ErrNotFound
			}
			return crawler.ErrLeaseLost
		}
		return writeDish(ctx, tx, menuTables, itemID, crawler.SourceMenu, dish)
	})
}

// GetDish returns the dish saved for itemID.
func (m *Menu) GetDish(ctx context.Context, itemID int64) (crawler.Dish, error) {
	return m.s.readDish(ctx, menuTables, itemID)
}
