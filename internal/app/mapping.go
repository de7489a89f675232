package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"mailpace/internal/config"
	"mailpace/internal/dispatch"
	"mailpace/internal/identity"
	"mailpace/internal/monitor"
	"mailpace/internal/source"
	"mailpace/internal/storage"
	"mailpace/internal/transport"
	"mailpace/internal/transport/imap"
	"mailpace/internal/transport/smtp"
	logx "mailpace/pkg/logx"
)

const (
	defaultIdentitiesPath = "credentials.json"
	defaultLedgerPath     = "sent.json"
	defaultPacingMin      = 1 * time.Second
	defaultPacingMax      = 3 * time.Second
	defaultSettleDelay    = 5 * time.Second
	defaultServeAddr      = "127.0.0.1:9465"
	defaultServeSchedule  = "@every 24h"
)

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:           c.Level,
		Console:         c.Console,
		Format:          c.Format,
		File:            logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		RedactAddresses: c.RedactRecipients,
	}
}

func mapStore(section string, sc config.StoreConfig, defPath string) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "file"
	}
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path)}
	switch driver {
	case "file":
		if out.Path == "" {
			out.Path = defPath
		}
		if strings.TrimSpace(sc.Seed) != "" {
			return storage.Config{}, fmt.Errorf("%s.seed requires driver=sqlite", section)
		}
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, fmt.Errorf("%s.path is required when driver=sqlite", section)
		}
		busy, err := config.ParseDurationOrDefault(section+".busy_timeout", sc.BusyTimeout, 0)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
		if seed := strings.TrimSpace(sc.Seed); seed != "" {
			if section != "identities" {
				return storage.Config{}, fmt.Errorf("%s.seed only applies to identities", section)
			}
			out.Seed = seed
		}
	case "redis":
		if section != "ledger" {
			return storage.Config{}, fmt.Errorf("%s: redis driver only backs the ledger", section)
		}
		if sc.Redis == nil || strings.TrimSpace(sc.Redis.Addr) == "" {
			return storage.Config{}, fmt.Errorf("%s.redis.addr is required when driver=redis", section)
		}
		out.RedisAddr = sc.Redis.Addr
		out.RedisPassword = sc.Redis.Password
		out.RedisDB = sc.Redis.DB
		out.RedisKey = sc.Redis.Key
	default:
		return storage.Config{}, fmt.Errorf("%w: %s.driver=%s", storage.ErrUnknownDriver, section, sc.Driver)
	}
	return out, nil
}

func mapQuota(d config.DispatchConfig) (identity.QuotaTracker, error) {
	window, err := config.ParseDurationOrDefault("dispatch.quota_window", d.QuotaWindow, identity.DefaultWindow)
	if err != nil {
		return identity.QuotaTracker{}, err
	}
	q := identity.QuotaTracker{Window: window, DefaultQuota: d.DailyQuota}
	if q.DefaultQuota <= 0 {
		q.DefaultQuota = identity.DefaultDailyQuota
	}
	if len(d.QuotaOverrides) > 0 {
		q.Overrides = make(map[string]int, len(d.QuotaOverrides))
		for addr, n := range d.QuotaOverrides {
			q.Overrides[strings.ToLower(strings.TrimSpace(addr))] = n
		}
	}
	return q, nil
}

func mapPolicy(cfg *config.Config) (dispatch.Policy, error) {
	d := cfg.Dispatch
	minD, err := config.ParseDurationOrDefault("dispatch.pacing_min", d.PacingMin, defaultPacingMin)
	if err != nil {
		return dispatch.Policy{}, err
	}
	maxD, err := config.ParseDurationOrDefault("dispatch.pacing_max", d.PacingMax, defaultPacingMax)
	if err != nil {
		return dispatch.Policy{}, err
	}
	if maxD < minD {
		// only one bound was set
		maxD = minD
	}
	sendTimeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", d.SendTimeout, dispatch.DefaultSendTimeout)
	if err != nil {
		return dispatch.Policy{}, err
	}
	msg, err := mapMessage(cfg.Message)
	if err != nil {
		return dispatch.Policy{}, err
	}
	return dispatch.Policy{
		PacingMin:     minD,
		PacingMax:     maxD,
		ProbeInterval: d.ProbeInterval,
		MaxPerMinute:  d.MaxPerMinute,
		SendTimeout:   sendTimeout,
		Mode:          dispatch.Mode(strings.TrimSpace(d.Mode)),
		DedupOn:       dispatch.DedupOn(strings.TrimSpace(d.DedupOn)),
		Message:       msg,
	}, nil
}

func mapMessage(m config.MessageConfig) (transport.Message, error) {
	body := m.Body
	if p := strings.TrimSpace(m.BodyFile); p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			return transport.Message{}, fmt.Errorf("message.body_file: %w", err)
		}
		body = string(b)
	}
	if strings.TrimSpace(m.Subject) == "" || strings.TrimSpace(body) == "" {
		return transport.Message{}, fmt.Errorf("message.subject and message.body are required")
	}
	return transport.Message{Subject: m.Subject, Body: body}, nil
}

func mapMonitor(p config.ProbeConfig) (monitor.Config, error) {
	settle, err := config.ParseDurationOrDefault("probe.settle_delay", p.SettleDelay, defaultSettleDelay)
	if err != nil {
		return monitor.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("probe.timeout", p.Timeout, monitor.DefaultTimeout)
	if err != nil {
		return monitor.Config{}, err
	}
	return monitor.Config{
		PrimaryFolder:  p.PrimaryFolder,
		FilteredFolder: p.FilteredFolder,
		Timeout:        timeout,
		SettleDelay:    settle,
		Subject:        p.Subject,
		Body:           p.Body,
	}, nil
}

func mapSMTP(c config.SMTPConfig) (smtp.Config, error) {
	timeout, err := config.ParseDurationOrDefault("smtp.timeout", c.Timeout, smtp.DefaultTimeout)
	if err != nil {
		return smtp.Config{}, err
	}
	return smtp.Config{Host: strings.TrimSpace(c.Host), Port: c.Port, Timeout: timeout, StartTLS: c.StartTLS}, nil
}

func mapIMAP(c config.IMAPConfig) (imap.Config, error) {
	timeout, err := config.ParseDurationOrDefault("imap.timeout", c.Timeout, imap.DefaultTimeout)
	if err != nil {
		return imap.Config{}, err
	}
	return imap.Config{Host: strings.TrimSpace(c.Host), Port: c.Port, Timeout: timeout}, nil
}

func mapKafka(k *config.KafkaConfig) (*source.KafkaConfig, error) {
	if k == nil {
		return nil, nil
	}
	idle, err := config.ParseDurationOrDefault("kafka.idle_timeout", k.IdleTimeout, 0)
	if err != nil {
		return nil, err
	}
	return &source.KafkaConfig{Brokers: k.Brokers, Topic: k.Topic, Group: k.Group, IdleTimeout: idle}, nil
}

func mapImport(im *config.ImportConfig) (source.ImportConfig, error) {
	if im == nil {
		return source.ImportConfig{}, fmt.Errorf("import section is missing")
	}
	return source.ImportConfig{DSN: im.DSN, Table: im.Table, BatchSize: im.BatchSize, Output: im.Output}, nil
}

type serveSettings struct {
	Addr       string
	Schedule   string
	Source     string
	Systemd    bool
	RunOnStart bool
}

func mapServe(s *config.ServeConfig) (serveSettings, error) {
	if s == nil || strings.TrimSpace(s.Source) == "" {
		return serveSettings{}, fmt.Errorf("serve.source is required")
	}
	out := serveSettings{
		Addr:       strings.TrimSpace(s.Addr),
		Schedule:   strings.TrimSpace(s.Schedule),
		Source:     strings.TrimSpace(s.Source),
		Systemd:    s.Systemd,
		RunOnStart: s.RunOnStart,
	}
	if out.Addr == "" {
		out.Addr = defaultServeAddr
	}
	if out.Schedule == "" {
		out.Schedule = defaultServeSchedule
	}
	if _, err := cronParser.Parse(out.Schedule); err != nil {
		return serveSettings{}, fmt.Errorf("serve.schedule: %w", err)
	}
	return out, nil
}
