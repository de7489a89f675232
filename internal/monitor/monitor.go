// Package monitor detects deliverability filtering by sending a probe
// message to a dedicated mailbox and looking for it afterwards.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mailpace/internal/identity"
	"mailpace/internal/transport"
	logx "mailpace/pkg/logx"
)

type FilterState int

const (
	Unknown FilterState = iota
	Clear
	Filtered
)

func (s FilterState) String() string {
	switch s {
	case Clear:
		return "clear"
	case Filtered:
		return "filtered"
	default:
		return "unknown"
	}
}

func (s FilterState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

const (
	DefaultPrimaryFolder  = "INBOX"
	DefaultFilteredFolder = "[Gmail]/Spam"
	DefaultTimeout        = 10 * time.Second
	DefaultSubject        = "Test Email - Spam Check"
	DefaultBody           = "This is a test email to check if emails are being spammed."
)

type Config struct {
	PrimaryFolder  string
	FilteredFolder string
	// Timeout bounds each send and each folder search.
	Timeout time.Duration
	// SettleDelay is waited between sending the probe and inspecting.
	SettleDelay time.Duration
	Subject     string
	Body        string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.PrimaryFolder) == "" {
		c.PrimaryFolder = DefaultPrimaryFolder
	}
	if strings.TrimSpace(c.FilteredFolder) == "" {
		c.FilteredFolder = DefaultFilteredFolder
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if strings.TrimSpace(c.Subject) == "" {
		c.Subject = DefaultSubject
	}
	if strings.TrimSpace(c.Body) == "" {
		c.Body = DefaultBody
	}
	return c
}

type Monitor struct {
	cfg      Config
	sender   transport.Sender
	searcher transport.Searcher
	log      logx.Logger

	prefix string
	seq    atomic.Uint64
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, sender transport.Sender, searcher transport.Searcher, log logx.Logger) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{
		cfg:      cfg.withDefaults(),
		sender:   sender,
		searcher: searcher,
		log:      log,
		prefix:   uuid.NewString()[:8],
		sleep:    sleepCtx,
	}
}

// Probe sends the diagnostic message from sender to the probe mailbox and
// returns the token that identifies it.
func (m *Monitor) Probe(ctx context.Context, sender, probe identity.Identity) (string, error) {
	token := fmt.Sprintf("%s-%d", m.prefix, m.seq.Add(1))
	msg := transport.Message{
		Subject: fmt.Sprintf("%s [%s]", m.cfg.Subject, token),
		Body:    m.cfg.Body,
	}
	sctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	if err := m.sender.Send(sctx, sender.Account(), probe.Address, msg); err != nil {
		return "", err
	}
	m.log.Debug("probe sent", logx.String("from", sender.Address), logx.String("to", probe.Address), logx.String("token", token))
	return token, nil
}

// CheckStatus looks for the probe message carrying token. The primary
// folder is inspected first; the filtered folder only when the message is
// not there. Failures are logged and reported as Unknown.
func (m *Monitor) CheckStatus(ctx context.Context, probe identity.Identity, token string) FilterState {
	crit := transport.Criteria{Subject: token}

	found, err := m.search(ctx, probe, m.cfg.PrimaryFolder, crit)
	if err != nil {
		m.log.Warn("probe inspection failed", logx.String("folder", m.cfg.PrimaryFolder), logx.Err(err))
		return Unknown
	}
	if found {
		return Clear
	}

	found, err = m.search(ctx, probe, m.cfg.FilteredFolder, crit)
	if err != nil {
		m.log.Warn("probe inspection failed", logx.String("folder", m.cfg.FilteredFolder), logx.Err(err))
		return Unknown
	}
	if found {
		m.log.Warn("probe message landed in filtered folder", logx.String("folder", m.cfg.FilteredFolder), logx.String("token", token))
		return Filtered
	}
	m.log.Info("probe message not found yet", logx.String("token", token))
	return Unknown
}

// Check runs one full probe cycle: send, wait, inspect.
func (m *Monitor) Check(ctx context.Context, sender, probe identity.Identity) FilterState {
	token, err := m.Probe(ctx, sender, probe)
	if err != nil {
		m.log.Warn("probe send failed", logx.String("from", sender.Address), logx.Err(err))
		return Unknown
	}
	if m.cfg.SettleDelay > 0 {
		if err := m.sleep(ctx, m.cfg.SettleDelay); err != nil {
			return Unknown
		}
	}
	return m.CheckStatus(ctx, probe, token)
}

func (m *Monitor) search(ctx context.Context, probe identity.Identity, folder string, crit transport.Criteria) (bool, error) {
	sctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	matches, err := m.searcher.SearchFolder(sctx, probe.Account(), folder, crit)
	if err != nil {
		return false, err
	}
	return len(matches) > 0, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
