package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
	"github.com/JakeFAU/recipe-crawler/internal/export"
)

var _ export.Source = (*Store)(nil)

// ExportTables lists the dish, ingredient, and attribute tables of source in
// the column order of their field mapping.
func (s *Store) ExportTables(source string) ([]export.Table, error) {
	var t dishTables
	switch source {
	case crawler.SourceRecipe:
		t = recipeTables
	case crawler.SourceMenu:
		t = menuTables
	default:
		return nil, fmt.Errorf("unknown dish source %q (want %s or %s)", source, crawler.SourceRecipe, crawler.SourceMenu)
	}
	return []export.Table{
		{Name: t.dishes.Table, Columns: append([]string{t.dishes.Key, "source"}, t.dishes.Names()...), Order: 1},
		{Name: t.ingredients.Table, Columns: append([]string{t.ingredients.Key, "position"}, t.ingredients.Names()...), Order: 2},
		{Name: t.attributes.Table, Columns: t.attributes.columnNames(), Order: 1},
	}, nil
}

// ExportPage reads one keyset page of a table returned by ExportTables.
func (s *Store) ExportPage(ctx context.Context, t export.Table, after []any, limit int) ([][]any, error) {
	if !exportable(t.Name) {
		return nil, fmt.Errorf("table %q is not exportable", t.Name)
	}
	if t.Order <= 0 || t.Order > len(t.Columns) {
		return nil, fmt.Errorf("table %s: invalid keyset width %d", t.Name, t.Order)
	}
	order := strings.Join(t.Columns[:t.Order], ", ")
	args := []any{limit}
	where := ""
	if after != nil {
		if len(after) != t.Order {
			return nil, fmt.Errorf("table %s: keyset has %d values, want %d", t.Name, len(after), t.Order)
		}
		where = fmt.Sprintf(" WHERE (%s) > (%s)", order, placeholders(2, len(after)))
		args = append(args, after...)
	}
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s LIMIT $1",
		strings.Join(t.Columns, ", "), t.Name, where, order)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", t.Name, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) ([]any, error) {
		return row.Values()
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", t.Name, err)
	}
	return out, nil
}

func exportable(name string) bool {
	for _, t := range append(recipeTables.tables(), menuTables.tables()...) {
		if t.tableName() == name {
			return true
		}
	}
	return false
}
