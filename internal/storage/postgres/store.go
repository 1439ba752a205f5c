// Package postgres implements crawler.Store on Postgres with pgx.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
)

//go:embed schema.sql
var schemaSQL string

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Schema          string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store uses. pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store persists sites, URL records, and dishes in Postgres. Claims use
// FOR UPDATE SKIP LOCKED so concurrent workers never receive the same row.
type Store struct {
	pool   pool
	schema string
	logger *zap.Logger
}

var _ crawler.Store = (*Store)(nil)

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	if cfg.Schema != "" && !validIdentifier.MatchString(cfg.Schema) {
		return nil, fmt.Errorf("invalid schema name %q", cfg.Schema)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.Schema != "" {
		poolCfg.ConnConfig.RuntimeParams["search_path"] = cfg.Schema
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg.Schema, logger)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, schema string, logger *zap.Logger) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if schema != "" && !validIdentifier.MatchString(schema) {
		return nil, fmt.Errorf("invalid schema name %q", schema)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: p, schema: schema, logger: logger.Named("postgres")}, nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if s.schema != "" {
		if _, err := s.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+s.schema); err != nil {
			return fmt.Errorf("create schema %s: %w", s.schema, err)
		}
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	s.logger.Info("schema applied")
	return nil
}

// ValidateMapping checks the field-mapping tables against their Go structs
// and against the live columns in information_schema.
func (s *Store) ValidateMapping(ctx context.Context) error {
	if err := CheckMappings(); err != nil {
		return err
	}
	for _, t := range append(recipeTables.tables(), menuTables.tables()...) {
		existing, err := s.tableColumns(ctx, t.tableName())
		if err != nil {
			return err
		}
		for _, col := range t.columnNames() {
			if _, ok := existing[col]; !ok {
				return fmt.Errorf("field mapping: column %s.%s does not exist", t.tableName(), col)
			}
		}
	}
	return nil
}

func (s *Store) tableColumns(ctx context.Context, tableName string) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1`, tableName)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", tableName, err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan columns of %s: %w", tableName, err)
	}
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out, nil
}

// inTx runs fn inside a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func textOrNil(v string) any {
	if v == "" {
		return nil
	}
	return v
}
