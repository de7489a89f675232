package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrClosed        = errors.New("storage closed")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Config configures one store.
//
// Driver values:
//   - "file": JSON files (ledger: snapshot + journal; identities: atomic replace)
//   - "sqlite": SQLite database file
//   - "redis": redis set (ledger only)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Seed is a credentials file copied into an empty sqlite identity
	// table on open.
	Seed string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string
}

// IdentityRecord is the persisted shape of a sender or probe identity.
//
// Field names match the credentials file the operator maintains:
// email/password/sent/last_reset/is_test.
type IdentityRecord struct {
	Address    string `json:"email"`
	Credential string `json:"password"`
	SentToday  int    `json:"sent"`
	LastReset  string `json:"last_reset,omitempty"`
	IsProbe    bool   `json:"is_test,omitempty"`
	DailyQuota int    `json:"daily_quota,omitempty"`
}

// LedgerStore persists normalized recipient addresses.
type LedgerStore interface {
	Load(ctx context.Context) ([]string, error)
	Add(ctx context.Context, address string) error
	Close() error
}

// IdentityStore persists the whole identity list. Save always writes a
// complete replacement.
type IdentityStore interface {
	Load(ctx context.Context) ([]IdentityRecord, error)
	Save(ctx context.Context, recs []IdentityRecord) error
	Close() error
}
