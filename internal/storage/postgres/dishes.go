package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
)

// SaveDish replaces the dish, its ingredients, and its attributes for urlID
// and marks extraction complete in one transaction. It returns
// crawler.ErrLeaseLost when owner no longer holds the row's claim.
func (s *Store) SaveDish(ctx context.Context, urlID int64, owner string, dish crawler.Dish) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE urls SET llm_status = 'complete', llm_failure_reason = NULL, llm_failure_kind = NULL, llm_claimed_by = NULL
			WHERE id = $1 AND llm_status = 'in_progress' AND llm_claimed_by = $2`, urlID, owner)
		if err != nil {
			return fmt.Errorf("mark extraction complete: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM urls WHERE id = $1)`, urlID).Scan(&exists); err != nil {
				return fmt.Errorf("check url %d: %w", urlID, err)
			}
			if !exists {
				return crawler.ErrNotFound
			}
			return crawler.ErrLeaseLost
		}

		return writeDish(ctx, tx, recipeTables, urlID, crawler.SourceRecipe, dish)
	})
}

// writeDish upserts the dish row, replaces its ingredients, and upserts or
// removes its attributes in the given table set.
func writeDish(ctx context.Context, tx pgx.Tx, t dishTables, id int64, source string, dish crawler.Dish) error {
	args := append([]any{id, source}, t.dishes.values(&dish)...)
	if _, err := tx.Exec(ctx, t.dishes.upsertSQL("source"), args...); err != nil {
		return fmt.Errorf("upsert dish: %w", err)
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = $1", t.ingredients.Table, t.ingredients.Key), id); err != nil {
		return fmt.Errorf("delete ingredients: %w", err)
	}
	if len(dish.Ingredients) > 0 {
		query, args := insertIngredientsSQL(t.ingredients, id, dish.Ingredients)
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert ingredients: %w", err)
		}
	}

	if dish.Attributes == nil {
		if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = $1", t.attributes.Table, t.attributes.Key), id); err != nil {
			return fmt.Errorf("delete attributes: %w", err)
		}
		return nil
	}
	args = append([]any{id}, t.attributes.values(dish.Attributes)...)
	if _, err := tx.Exec(ctx, t.attributes.upsertSQL(), args...); err != nil {
		return fmt.Errorf("upsert attributes: %w", err)
	}
	return nil
}

// insertIngredientsSQL builds one multi-row insert preserving list order in
// the position column.
func insertIngredientsSQL(m Mapping[crawler.Ingredient], dishID int64, ingredients []crawler.Ingredient) (string, []any) {
	cols := append([]string{m.Key, "position"}, m.Names()...)
	width := len(cols)
	rows := make([]string, len(ingredients))
	args := make([]any, 0, width*len(ingredients))
	for i := range ingredients {
		rows[i] = "(" + placeholders(i*width+1, width) + ")"
		args = append(args, dishID, i)
		args = append(args, m.values(&ingredients[i])...)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		m.Table, strings.Join(cols, ", "), strings.Join(rows, ", "))
	return query, args
}

// GetDish returns the dish saved for urlID with its ingredients and attributes.
func (s *Store) GetDish(ctx context.Context, urlID int64) (crawler.Dish, error) {
	return s.readDish(ctx, recipeTables, urlID)
}

func (s *Store) readDish(ctx context.Context, t dishTables, id int64) (crawler.Dish, error) {
	var dish crawler.Dish
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1", t.dishes.selectList(), t.dishes.Table, t.dishes.Key),
		id,
	).Scan(t.dishes.targets(&dish)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Dish{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Dish{}, fmt.Errorf("get dish: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1 ORDER BY position",
			t.ingredients.selectList(), t.ingredients.Table, t.ingredients.Key),
		id)
	if err != nil {
		return crawler.Dish{}, fmt.Errorf("get ingredients: %w", err)
	}
	dish.Ingredients, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (crawler.Ingredient, error) {
		var ing crawler.Ingredient
		err := row.Scan(t.ingredients.targets(&ing)...)
		return ing, err
	})
	if err != nil {
		return crawler.Dish{}, fmt.Errorf("scan ingredients: %w", err)
	}

	var attrs crawler.Attributes
	err = s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1",
			t.attributes.selectList(), t.attributes.Table, t.attributes.Key),
		id,
	).Scan(t.attributes.targets(&attrs)...)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return crawler.Dish{}, fmt.Errorf("get attributes: %w", err)
	default:
		dish.Attributes = &attrs
	}
	return dish, nil
}
