// Package ledger is the durable record of recipients already processed.
//
// The full set is loaded into memory once; every Record is written through
// to the backing store before it becomes visible.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	logx "mailpace/pkg/logx"
)

var ErrNoStore = errors.New("ledger store is nil")

// Store is the persistence behind a Ledger.
type Store interface {
	Load(ctx context.Context) ([]string, error)
	Add(ctx context.Context, address string) error
}

// Claimer is implemented by stores shared between processes (redis). Claim
// must add address and report whether the caller added it first.
type Claimer interface {
	Claim(ctx context.Context, address string) (bool, error)
}

// Normalize returns the form stored in the ledger.
func Normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Ledger is safe for concurrent use; all reads and writes are serialized
// through one mutex.
type Ledger struct {
	mu    sync.Mutex
	set   map[string]struct{}
	store Store
	log   logx.Logger
}

// Open loads the whole store eagerly.
func Open(ctx context.Context, store Store, log logx.Logger) (*Ledger, error) {
	if store == nil {
		return nil, ErrNoStore
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	entries, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	set := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if n := Normalize(e); n != "" {
			set[n] = struct{}{}
		}
	}
	log.Debug("ledger loaded", logx.Int("entries", len(set)))
	return &Ledger{set: set, store: store, log: log}, nil
}

func (l *Ledger) Contains(address string) bool {
	n := Normalize(address)
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.set[n]
	return ok
}

// Record adds address. Recording an address already present is a no-op.
// The entry only becomes visible once the store accepted it.
func (l *Ledger) Record(ctx context.Context, address string) error {
	n := Normalize(address)
	if n == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.set[n]; ok {
		return nil
	}
	if err := l.store.Add(ctx, n); err != nil {
		return fmt.Errorf("record %s: %w", n, err)
	}
	l.set[n] = struct{}{}
	return nil
}

// Claim records address unless it is already present and reports whether
// this call recorded it. Two concurrent callers can never both get true.
func (l *Ledger) Claim(ctx context.Context, address string) (bool, error) {
	n := Normalize(address)
	if n == "" {
		return false, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.set[n]; ok {
		return false, nil
	}
	if c, ok := l.store.(Claimer); ok {
		won, err := c.Claim(ctx, n)
		if err != nil {
			return false, fmt.Errorf("claim %s: %w", n, err)
		}
		l.set[n] = struct{}{}
		if !won {
			l.log.Debug("address claimed by another process", logx.Addr("to", n))
		}
		return won, nil
	}
	if err := l.store.Add(ctx, n); err != nil {
		return false, fmt.Errorf("record %s: %w", n, err)
	}
	l.set[n] = struct{}{}
	return true, nil
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.set)
}
