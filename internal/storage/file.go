package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "mailpace/pkg/logx"
)

// compactEvery bounds journal growth between snapshots.
const compactEvery = 500

// fileLedger is a dependency-free ledger backend.
//
// Files:
//   - <path>          snapshot, {"emails": [...]}
//   - <path>.journal  append-only JSON Lines, one address per line
//
// The journal is fsynced on every append and periodically compacted into
// the snapshot.
type fileLedger struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	set          map[string]struct{}
	writes       int
}

type ledgerSnapshot struct {
	Emails []string `json:"emails"`
}

type journalRecord struct {
	Email string `json:"email"`
}

func openFileLedger(cfg Config, log logx.Logger) (*fileLedger, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("ledger.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	set := map[string]struct{}{}
	if err := loadLedgerSnapshot(path, set); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	journalPath := path + ".journal"
	if err := replayLedgerJournal(journalPath, set); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileLedger{log: log, snapshotPath: path, journal: jf, set: set}, nil
}

func (s *fileLedger) Load(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.set))
	for k := range s.set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *fileLedger) Add(ctx context.Context, address string) error {
	_ = ctx
	address = strings.TrimSpace(address)
	if address == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, ok := s.set[address]; ok {
		return nil
	}
	if err := json.NewEncoder(s.journal).Encode(journalRecord{Email: address}); err != nil {
		return err
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}
	s.set[address] = struct{}{}

	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact; the journal still holds everything on failure.
		if err := s.compactLocked(); err != nil {
			s.log.Warn("ledger compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileLedger) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileLedger) compactLocked() error {
	snap := ledgerSnapshot{Emails: make([]string, 0, len(s.set))}
	for k := range s.set {
		snap.Emails = append(snap.Emails, k)
	}
	sort.Strings(snap.Emails)
	if err := WriteJSONAtomic(s.snapshotPath, snap); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err := s.journal.Seek(0, 2)
	return err
}

func loadLedgerSnapshot(path string, out map[string]struct{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	var snap ledgerSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	for _, e := range snap.Emails {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			out[e] = struct{}{}
		}
	}
	return nil
}

func replayLedgerJournal(path string, out map[string]struct{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn final line from a crash is skipped.
			continue
		}
		if e := strings.ToLower(strings.TrimSpace(r.Email)); e != "" {
			out[e] = struct{}{}
		}
	}
	return sc.Err()
}

// WriteJSONAtomic writes v to a temp file in the same directory, fsyncs it
// and renames it over path, so readers only ever see a complete file.
func WriteJSONAtomic(path string, v any) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
