package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "mailpace/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteStore serves both the ledger and the identity list. OpenLedger and
// OpenIdentities each get their own handle; WAL keeps them from blocking
// each other for long.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// sqliteLedger and sqliteIdentities split the method sets so a single store
// can satisfy both interfaces.
type (
	sqliteLedger     struct{ *sqliteStore }
	sqliteIdentities struct{ *sqliteStore }
)

func openSQLiteDB(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s sqliteLedger) Load(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address FROM ledger ORDER BY address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s sqliteLedger) Add(ctx context.Context, address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger(address, recorded_at) VALUES(?, ?) ON CONFLICT(address) DO NOTHING`,
		address, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Claim inserts address and reports whether this call inserted it, so
// processes sharing the database file never both win the same address.
func (s sqliteLedger) Claim(ctx context.Context, address string) (bool, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger(address, recorded_at) VALUES(?, ?) ON CONFLICT(address) DO NOTHING`,
		address, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s sqliteIdentities) Load(ctx context.Context) ([]IdentityRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, credential, sent, last_reset, is_probe, daily_quota FROM identities ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []IdentityRecord
	for rows.Next() {
		var (
			r         IdentityRecord
			lastReset sql.NullString
		)
		if err := rows.Scan(&r.Address, &r.Credential, &r.SentToday, &lastReset, &r.IsProbe, &r.DailyQuota); err != nil {
			return nil, err
		}
		r.LastReset = lastReset.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Save replaces the whole table in one transaction.
func (s sqliteIdentities) Save(ctx context.Context, recs []IdentityRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM identities`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO identities(position, address, credential, sent, last_reset, is_probe, daily_quota) VALUES(?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, r := range recs {
		if _, err := stmt.ExecContext(ctx, i, r.Address, r.Credential, r.SentToday, nullStr(r.LastReset), r.IsProbe, r.DailyQuota); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
