// Package export copies the dish tables of one source out of the store as
// JSON Lines files, one file per batch, written through a crawler.BlobStore.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
)

// DefaultBatchSize is the page size used when Config.BatchSize is unset.
const DefaultBatchSize = 1000

// Table describes one exported table. The first Order columns form the
// keyset the source pages by.
type Table struct {
	Name    string
	Columns []string
	Order   int
}

// Source pages through exportable tables in keyset order.
type Source interface {
	// ExportTables lists the tables holding dishes of the given source.
	ExportTables(source string) ([]Table, error)
	// ExportPage returns up to limit rows ordered by the keyset, starting
	// after the keyset values in after. A nil after starts at the beginning.
	ExportPage(ctx context.Context, t Table, after []any, limit int) ([][]any, error)
}

// Config tunes an export run.
type Config struct {
	BatchSize int
	Prefix    string
}

// Result summarizes one exported table.
type Result struct {
	Table string
	Rows  int
	Files []string
}

// Exporter writes every table of a source to the sink.
type Exporter struct {
	src    Source
	sink   crawler.BlobStore
	clock  crawler.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs an Exporter.
func New(src Source, sink crawler.BlobStore, clock crawler.Clock, cfg Config, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Exporter{src: src, sink: sink, clock: clock, cfg: cfg, logger: logger.Named("export")}
}

// Export copies every table of source. Files land under
// <prefix>/<source>/<run timestamp>/<table>/part-NNNNN.jsonl.
func (e *Exporter) Export(ctx context.Context, source string) ([]Result, error) {
	tables, err := e.src.ExportTables(source)
	if err != nil {
		return nil, fmt.Errorf("list export tables: %w", err)
	}
	run := e.clock.Now().UTC().Format("20060102T150405Z")
	results := make([]Result, 0, len(tables))
	for _, t := range tables {
		res, err := e.exportTable(ctx, path.Join(e.cfg.Prefix, source, run, t.Name), t)
		if err != nil {
			return results, fmt.Errorf("export %s: %w", t.Name, err)
		}
		e.logger.Info("table exported",
			zap.String("table", t.Name),
			zap.Int("rows", res.Rows),
			zap.Int("files", len(res.Files)),
		)
		results = append(results, res)
	}
	return results, nil
}

func (e *Exporter) exportTable(ctx context.Context, dir string, t Table) (Result, error) {
	res := Result{Table: t.Name}
	var after []any
	for part := 0; ; part++ {
		rows, err := e.src.ExportPage(ctx, t, after, e.cfg.BatchSize)
		if err != nil {
			return res, fmt.Errorf("read page %d: %w", part, err)
		}
		if len(rows) == 0 {
			return res, nil
		}
		body, err := encodeRows(t.Columns, rows)
		if err != nil {
			return res, fmt.Errorf("encode page %d: %w", part, err)
		}
		uri, err := e.sink.PutObject(ctx, path.Join(dir, fmt.Sprintf("part-%05d.jsonl", part)), "application/x-ndjson", bytes.NewReader(body))
		if err != nil {
			return res, fmt.Errorf("write page %d: %w", part, err)
		}
		res.Rows += len(rows)
		res.Files = append(res.Files, uri)
		if len(rows) < e.cfg.BatchSize {
			return res, nil
		}
		last := rows[len(rows)-1]
		if len(last) < t.Order {
			return res, fmt.Errorf("row has %d values, keyset needs %d", len(last), t.Order)
		}
		after = last[:t.Order]
	}
}

// encodeRows renders one JSON object per row, keyed by column name.
func encodeRows(columns []string, rows [][]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("row has %d values for %d columns (%s)", len(row), len(columns), strings.Join(columns, ", "))
		}
		obj := make(map[string]any, len(columns))
		for i, c := range columns {
			obj[c] = row[i]
		}
		if err := enc.Encode(obj); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
