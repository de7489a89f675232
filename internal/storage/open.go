package storage

import (
	"context"
	"fmt"
	"strings"

	logx "mailpace/pkg/logx"
)

// OpenLedger initializes the configured ledger backend.
func OpenLedger(cfg Config, log logx.Logger) (LedgerStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver(cfg) {
	case "file":
		st, err := openFileLedger(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "sqlite", "sqlite3":
		st, err := openSQLiteDB(cfg, log)
		if err != nil {
			return nil, err
		}
		return sqliteLedger{st}, nil
	case "redis":
		st, err := openRedisLedger(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "none":
		return nil, ErrDisabled
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Driver)
	}
}

// OpenIdentities initializes the configured identity backend.
func OpenIdentities(cfg Config, log logx.Logger) (IdentityStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver(cfg) {
	case "file":
		st, err := openFileIdentities(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "sqlite", "sqlite3":
		st, err := openSQLiteDB(cfg, log)
		if err != nil {
			return nil, err
		}
		ids := sqliteIdentities{st}
		if seed := strings.TrimSpace(cfg.Seed); seed != "" {
			if err := seedIdentities(context.Background(), ids, seed, log); err != nil {
				_ = st.Close()
				return nil, err
			}
		}
		return ids, nil
	case "none":
		return nil, ErrDisabled
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Driver)
	}
}

// seedIdentities copies the credentials file at path into dst when dst
// holds no identities yet. A populated dst is left alone: it carries the
// live counters.
func seedIdentities(ctx context.Context, dst IdentityStore, path string, log logx.Logger) error {
	have, err := dst.Load(ctx)
	if err != nil {
		return fmt.Errorf("seed identities: %w", err)
	}
	if len(have) > 0 {
		log.Debug("identity table already populated; seed ignored", logx.Int("identities", len(have)))
		return nil
	}
	recs, err := (&fileIdentities{log: log, path: path}).Load(ctx)
	if err != nil {
		return fmt.Errorf("seed identities from %s: %w", path, err)
	}
	if err := dst.Save(ctx, recs); err != nil {
		return fmt.Errorf("seed identities: %w", err)
	}
	log.Info("identities seeded", logx.String("from", path), logx.Int("identities", len(recs)))
	return nil
}

func driver(cfg Config) string {
	d := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if d == "" {
		return "file"
	}
	return d
}
