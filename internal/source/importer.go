package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/lib/pq"

	"mailpace/internal/storage"
	logx "mailpace/pkg/logx"
)

const DefaultBatchSize = 50

type ImportConfig struct {
	DSN       string
	Table     string
	BatchSize int
	Output    string
}

// Importer moves rows from a Postgres table into a JSON recipient file:
// fetch a batch, append it to the file, delete it from the table, repeat
// until the table is empty.
type Importer struct {
	db    *sql.DB
	cfg   ImportConfig
	log   logx.Logger
	owned bool
}

func NewImporter(cfg ImportConfig, log logx.Logger) (*Importer, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("import: dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	im, err := NewImporterDB(db, cfg, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	im.owned = true
	return im, nil
}

// NewImporterDB uses an existing connection pool; Close leaves it open.
func NewImporterDB(db *sql.DB, cfg ImportConfig, log logx.Logger) (*Importer, error) {
	if strings.TrimSpace(cfg.Table) == "" {
		cfg.Table = "emails"
	}
	if strings.TrimSpace(cfg.Output) == "" {
		return nil, errors.New("import: output path is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Importer{db: db, cfg: cfg, log: log}, nil
}

// Run returns the number of rows moved.
func (im *Importer) Run(ctx context.Context) (int, error) {
	table := pq.QuoteIdentifier(im.cfg.Table)
	selectQ := fmt.Sprintf(`SELECT t.id::text, row_to_json(t)::text FROM %s t ORDER BY t.id LIMIT $1`, table)
	deleteQ := fmt.Sprintf(`DELETE FROM %s WHERE id::text = ANY($1)`, table)

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		ids, rows, err := im.fetch(ctx, selectQ)
		if err != nil {
			return total, err
		}
		if len(ids) == 0 {
			im.log.Info("no more rows to import", logx.Int("imported", total))
			return total, nil
		}
		if err := AppendJSON(im.cfg.Output, rows); err != nil {
			return total, fmt.Errorf("append %s: %w", im.cfg.Output, err)
		}
		if _, err := im.db.ExecContext(ctx, deleteQ, pq.Array(ids)); err != nil {
			return total, fmt.Errorf("delete imported rows: %w", err)
		}
		total += len(ids)
		im.log.Info("imported batch", logx.Int("rows", len(ids)), logx.Int("total", total))
	}
}

func (im *Importer) fetch(ctx context.Context, q string) ([]string, []json.RawMessage, error) {
	rs, err := im.db.QueryContext(ctx, q, im.cfg.BatchSize)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch batch: %w", err)
	}
	defer rs.Close()
	var (
		ids  []string
		rows []json.RawMessage
	)
	for rs.Next() {
		var id, doc string
		if err := rs.Scan(&id, &doc); err != nil {
			return nil, nil, fmt.Errorf("scan row: %w", err)
		}
		ids = append(ids, id)
		rows = append(rows, json.RawMessage(doc))
	}
	return ids, rows, rs.Err()
}

func (im *Importer) Close() error {
	if im.owned {
		return im.db.Close()
	}
	return nil
}

// AppendJSON extends the JSON array in path with rows, creating the file
// if needed. The file is replaced atomically.
func AppendJSON(path string, rows []json.RawMessage) error {
	var all []json.RawMessage
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(strings.TrimSpace(string(b))) > 0 {
			if err := json.Unmarshal(b, &all); err != nil {
				return fmt.Errorf("existing file is not a JSON array: %w", err)
			}
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return err
	}
	all = append(all, rows...)
	return storage.WriteJSONAtomic(path, all)
}
