// Package imap implements transport.Searcher over IMAP with implicit TLS.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"mailpace/internal/transport"
	logx "mailpace/pkg/logx"
)

const (
	DefaultPort    = 993
	DefaultTimeout = 10 * time.Second

	// maxFetch bounds how many envelopes a single search returns.
	maxFetch = 50
)

type Config struct {
	Host    string
	Port    int
	Timeout time.Duration
}

type Client struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("imap host is empty")
	}
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{cfg: cfg, log: log}, nil
}

// SearchFolder logs in, selects folder read-only and returns the messages
// matching c. The session is closed before returning.
func (c *Client) SearchFolder(ctx context.Context, acct transport.Account, folder string, crit transport.Criteria) ([]transport.Summary, error) {
	wrap := func(err error) error {
		return &transport.Error{Op: transport.OpSearch, Addr: acct.Address + "/" + folder, Err: err}
	}

	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprint(c.cfg.Port))
	dialer := &net.Dialer{Timeout: c.cfg.Timeout}
	cl, err := client.DialWithDialerTLS(dialer, addr, &tls.Config{ServerName: c.cfg.Host})
	if err != nil {
		return nil, wrap(err)
	}
	cl.Timeout = c.cfg.Timeout

	// go-imap v1 is not context aware; tear the connection down on cancel.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = cl.Terminate()
		case <-stop:
		}
	}()
	defer func() { _ = cl.Logout() }()

	if err := cl.Login(acct.Address, acct.Credential); err != nil {
		return nil, wrap(err)
	}
	if _, err := cl.Select(folder, true); err != nil {
		return nil, wrap(err)
	}

	ids, err := cl.Search(toSearchCriteria(crit))
	if err != nil {
		return nil, wrap(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > maxFetch {
		ids = ids[len(ids)-maxFetch:]
	}

	seq := new(goimap.SeqSet)
	seq.AddNum(ids...)
	msgs := make(chan *goimap.Message, len(ids))
	if err := cl.Fetch(seq, []goimap.FetchItem{goimap.FetchEnvelope}, msgs); err != nil {
		return nil, wrap(err)
	}

	out := make([]transport.Summary, 0, len(ids))
	for m := range msgs {
		out = append(out, toSummary(m))
	}
	c.log.Debug("imap folder searched", logx.String("folder", folder), logx.Int("matches", len(out)))
	if ctx.Err() != nil {
		return out, wrap(ctx.Err())
	}
	return out, nil
}

func toSearchCriteria(c transport.Criteria) *goimap.SearchCriteria {
	sc := goimap.NewSearchCriteria()
	if s := strings.TrimSpace(c.Subject); s != "" {
		sc.Header.Add("Subject", s)
	}
	if s := strings.TrimSpace(c.From); s != "" {
		sc.Header.Add("From", s)
	}
	if !c.Since.IsZero() {
		sc.Since = c.Since
	}
	return sc
}

func toSummary(m *goimap.Message) transport.Summary {
	s := transport.Summary{SeqNum: m.SeqNum}
	if env := m.Envelope; env != nil {
		s.Subject = env.Subject
		s.Date = env.Date
		if len(env.From) > 0 && env.From[0] != nil {
			s.From = env.From[0].Address()
		}
	}
	return s
}
