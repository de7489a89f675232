package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "mailpace/pkg/logx"
)

// fileIdentities keeps identity state in a single JSON array that is
// rewritten wholesale on every Save.
type fileIdentities struct {
	log  logx.Logger
	path string
	mu   sync.Mutex
}

func openFileIdentities(cfg Config, log logx.Logger) (*fileIdentities, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("identities.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileIdentities{log: log, path: path}, nil
}

func (s *fileIdentities) Load(ctx context.Context) ([]IdentityRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var recs []IdentityRecord
	if err := json.Unmarshal(b, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *fileIdentities) Save(ctx context.Context, recs []IdentityRecord) error {
	_ = ctx
	if recs == nil {
		recs = []IdentityRecord{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteJSONAtomic(s.path, recs)
}

func (s *fileIdentities) Close() error { return nil }
