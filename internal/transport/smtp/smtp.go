// Package smtp submits messages over implicit-TLS SMTP with PLAIN auth.
package smtp

import (
	"context"
	"errors"
	"strings"
	"time"

	mail "github.com/wneessen/go-mail"

	"mailpace/internal/transport"
	logx "mailpace/pkg/logx"
)

const (
	DefaultPort    = 465
	DefaultTimeout = 10 * time.Second
)

type Config struct {
	Host    string
	Port    int
	Timeout time.Duration
	// StartTLS switches from implicit TLS to STARTTLS on a plain port (e.g. 587).
	StartTLS bool
}

type Client struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is empty")
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

// Send opens one authenticated session per message. Connections are not
// reused because every send may come from a different identity.
func (c *Client) Send(ctx context.Context, from transport.Account, to string, msg transport.Message) error {
	m, err := buildMessage(from.Address, to, msg)
	if err != nil {
		return &transport.Error{Op: transport.OpSend, Addr: to, Err: err}
	}

	opts := []mail.Option{
		mail.WithPort(c.cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(from.Address),
		mail.WithPassword(from.Credential),
		mail.WithTimeout(c.cfg.Timeout),
	}
	if c.cfg.StartTLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithSSL())
	}
	cl, err := mail.NewClient(c.cfg.Host, opts...)
	if err != nil {
		return &transport.Error{Op: transport.OpSend, Addr: to, Err: err}
	}

	start := time.Now()
	if err := cl.DialAndSendWithContext(ctx, m); err != nil {
		return &transport.Error{Op: transport.OpSend, Addr: to, Err: err}
	}
	c.log.Debug("smtp message submitted", logx.String("host", c.cfg.Host), logx.Duration("took", time.Since(start)))
	return nil
}

func buildMessage(from, to string, msg transport.Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(from); err != nil {
		return nil, err
	}
	if err := m.To(to); err != nil {
		return nil, err
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)
	return m, nil
}
