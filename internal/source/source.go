// Package source loads the recipient list for a run.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"mailpace/internal/dispatch"
)

var ErrFormat = errors.New("unexpected recipient file format")

// Source yields the recipients of one run, in order.
type Source interface {
	Name() string
	Recipients(ctx context.Context) ([]dispatch.Recipient, error)
	Close() error
}

// Committer is implemented by sources that should only forget their
// records once a run consumed all of them.
type Committer interface {
	Commit(ctx context.Context) error
}

// KafkaScheme selects the kafka source in Open.
const KafkaScheme = "kafka"

// Open returns the source named by id: "kafka" for the configured topic,
// anything else is a JSON file path.
func Open(id string, kafka *KafkaConfig) (Source, error) {
	id = strings.TrimSpace(id)
	switch {
	case id == "":
		return nil, errors.New("recipient source is empty")
	case id == KafkaScheme:
		if kafka == nil {
			return nil, errors.New("kafka source selected but kafka is not configured")
		}
		return NewKafka(*kafka)
	default:
		return File{Path: id}, nil
	}
}

// File reads a JSON recipient file.
type File struct {
	Path string
}

func (f File) Name() string { return f.Path }
func (File) Close() error   { return nil }

func (f File) Recipients(context.Context) ([]dispatch.Recipient, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read recipients: %w", err)
	}
	recs, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Path, err)
	}
	return recs, nil
}

// Parse accepts a list of objects carrying an "email" key, a list of
// address strings, or an object {"emails": [...]} holding either. Entries
// with an empty address are dropped; other object keys become metadata.
func Parse(b []byte) ([]dispatch.Recipient, error) {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("decode recipients: %w", err)
	}
	var list []any
	switch v := raw.(type) {
	case []any:
		list = v
	case map[string]any:
		inner, ok := v["emails"].([]any)
		if !ok {
			return nil, ErrFormat
		}
		list = inner
	default:
		return nil, ErrFormat
	}

	out := make([]dispatch.Recipient, 0, len(list))
	for i, item := range list {
		r, ok, err := recipientFrom(item)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func recipientFrom(item any) (dispatch.Recipient, bool, error) {
	switch v := item.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return dispatch.Recipient{}, false, nil
		}
		return dispatch.NewRecipient(v, nil), true, nil
	case map[string]any:
		addr, _ := v["email"].(string)
		if strings.TrimSpace(addr) == "" {
			return dispatch.Recipient{}, false, nil
		}
		var meta map[string]any
		if len(v) > 1 {
			meta = make(map[string]any, len(v)-1)
			for k, val := range v {
				if k != "email" {
					meta[k] = val
				}
			}
		}
		return dispatch.NewRecipient(addr, meta), true, nil
	case nil:
		return dispatch.Recipient{}, false, nil
	default:
		return dispatch.Recipient{}, false, ErrFormat
	}
}
