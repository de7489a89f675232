package imap

import (
	"testing"
	"time"

	goimap "github.com/emersion/go-imap"

	"mailpace/internal/transport"
	logx "mailpace/pkg/logx"
)

func TestToSearchCriteria(t *testing.T) {
	since := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	sc := toSearchCriteria(transport.Criteria{Subject: " probe-123 ", Since: since})
	if got := sc.Header.Get("Subject"); got != "probe-123" {
		t.Fatalf("subject header = %q", got)
	}
	if sc.Header.Get("From") != "" {
		t.Fatalf("unexpected from header")
	}
	if !sc.Since.Equal(since) {
		t.Fatalf("since = %v, want %v", sc.Since, since)
	}

	empty := toSearchCriteria(transport.Criteria{})
	if len(empty.Header) != 0 || !empty.Since.IsZero() {
		t.Fatalf("empty criteria should match all, got %+v", empty)
	}
}

func TestToSummary(t *testing.T) {
	m := &goimap.Message{
		SeqNum: 7,
		Envelope: &goimap.Envelope{
			Subject: "hello",
			From:    []*goimap.Address{{MailboxName: "a", HostName: "example.com"}},
		},
	}
	s := toSummary(m)
	if s.SeqNum != 7 || s.Subject != "hello" || s.From != "a@example.com" {
		t.Fatalf("unexpected summary %+v", s)
	}
	if got := toSummary(&goimap.Message{SeqNum: 1}); got.Subject != "" {
		t.Fatalf("nil envelope should yield empty subject")
	}
}

func TestNewDefaults(t *testing.T) {
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty host")
	}
	c, err := New(Config{Host: "imap.example.com"}, logx.Logger{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.cfg.Port != DefaultPort {
		t.Fatalf("port = %d", c.cfg.Port)
	}
}
