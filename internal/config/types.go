package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Config struct {
	Logging    LoggingConfig  `json:"logging"`
	Identities StoreConfig    `json:"identities"`
	Ledger     StoreConfig    `json:"ledger"`
	SMTP       SMTPConfig     `json:"smtp"`
	IMAP       IMAPConfig     `json:"imap"`
	Message    MessageConfig  `json:"message"`
	Dispatch   DispatchConfig `json:"dispatch"`
	Probe      ProbeConfig    `json:"probe"`

	Kafka  *KafkaConfig  `json:"kafka,omitempty"`
	Serve  *ServeConfig  `json:"serve,omitempty"`
	Alert  *AlertConfig  `json:"alert,omitempty"`
	Import *ImportConfig `json:"import,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"`
	File    LoggingFile `json:"file"`

	// RedactRecipients masks recipient addresses in log output.
	RedactRecipients bool `json:"redact_recipients,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoreConfig selects the backend of the ledger or the identity state.
//
// Example:
//
//	"ledger": { "driver": "file", "path": "./sent.json" }
//	"ledger": { "driver": "redis", "redis": { "addr": "127.0.0.1:6379" } }
type StoreConfig struct {
	Driver      string       `json:"driver"`
	Path        string       `json:"path,omitempty"`
	BusyTimeout string       `json:"busy_timeout,omitempty"` // sqlite
	Redis       *RedisConfig `json:"redis,omitempty"`

	// Seed fills an empty sqlite identity table from a credentials file.
	Seed string `json:"seed,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Key      string `json:"key,omitempty"`
}

type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`    // default 465
	Timeout  string `json:"timeout,omitempty"` // default 10s
	StartTLS bool   `json:"starttls,omitempty"`
}

type IMAPConfig struct {
	Host    string `json:"host"`
	Port    int    `json:"port,omitempty"` // default 993
	Timeout string `json:"timeout,omitempty"`
}

type MessageConfig struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	// BodyFile, when set, replaces Body with the file's content.
	BodyFile string `json:"body_file,omitempty"`
}

// DispatchConfig holds the run policy. All durations are Go duration
// strings.
//
// Defaults (when fields are omitted/zero):
//   - pacing_min / pacing_max: "1s" / "3s"
//   - probe_interval: 20 (negative disables deliverability checks)
//   - daily_quota: 450
//   - quota_window: "24h"
//   - max_per_minute: 0 (no ceiling)
//   - send_timeout: "10s"
//   - mode: "sequential"
//   - dedup_on: "attempted"
type DispatchConfig struct {
	PacingMin      string         `json:"pacing_min,omitempty"`
	PacingMax      string         `json:"pacing_max,omitempty"`
	ProbeInterval  int            `json:"probe_interval,omitempty"`
	DailyQuota     int            `json:"daily_quota,omitempty"`
	QuotaOverrides map[string]int `json:"quota_overrides,omitempty"`
	QuotaWindow    string         `json:"quota_window,omitempty"`
	MaxPerMinute   int            `json:"max_per_minute,omitempty"`
	SendTimeout    string         `json:"send_timeout,omitempty"`
	Mode           string         `json:"mode,omitempty"`
	DedupOn        string         `json:"dedup_on,omitempty"`
}

type ProbeConfig struct {
	PrimaryFolder  string `json:"primary_folder,omitempty"`  // default INBOX
	FilteredFolder string `json:"filtered_folder,omitempty"` // default [Gmail]/Spam
	SettleDelay    string `json:"settle_delay,omitempty"`
	Timeout        string `json:"timeout,omitempty"`
	Subject        string `json:"subject,omitempty"`
	Body           string `json:"body,omitempty"`
}

// KafkaConfig enables the "kafka" recipient source.
type KafkaConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
	Group   string   `json:"group,omitempty"`
	// IdleTimeout ends consumption when no record arrived for this long.
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

// ServeConfig controls the long-running mode.
//
// Prefer binding Addr to localhost; /status exposes recipient counts.
type ServeConfig struct {
	Addr     string `json:"addr,omitempty"`     // default 127.0.0.1:9465
	Schedule string `json:"schedule,omitempty"` // cron spec, default "@every 24h"
	Source   string `json:"source"`
	Systemd  bool   `json:"systemd,omitempty"`
	// RunOnStart triggers a run immediately instead of waiting for the
	// first schedule tick.
	RunOnStart bool `json:"run_on_start,omitempty"`
}

type AlertConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token"` // do not log
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// States lists the run end states that raise an alert.
	// Default: tripped, exhausted, failed, config_error.
	States        []string `json:"states,omitempty"`
	RatePerMinute int      `json:"rate_per_minute,omitempty"`
}

type ImportConfig struct {
	DSN       string `json:"dsn"` // do not log
	Table     string `json:"table"`
	BatchSize int    `json:"batch_size,omitempty"` // default 50
	Output    string `json:"output"`
}

var validModes = map[string]bool{"": true, "sequential": true, "per_identity": true}
var validDedup = map[string]bool{"": true, "attempted": true, "confirmed": true}

// Validate checks the fields that can be checked without I/O.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(c.SMTP.Host) == "" {
		return fmt.Errorf("smtp.host is required")
	}
	if strings.TrimSpace(c.IMAP.Host) == "" {
		return fmt.Errorf("imap.host is required")
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format: unknown value %q", c.Logging.Format)
	}

	d := c.Dispatch
	minD, err := ParseDurationField("dispatch.pacing_min", d.PacingMin)
	if err != nil {
		return err
	}
	maxD, err := ParseDurationField("dispatch.pacing_max", d.PacingMax)
	if err != nil {
		return err
	}
	if d.PacingMin != "" && d.PacingMax != "" && maxD < minD {
		return fmt.Errorf("dispatch.pacing_max (%s) < pacing_min (%s)", d.PacingMax, d.PacingMin)
	}
	for path, raw := range map[string]string{
		"dispatch.quota_window":   d.QuotaWindow,
		"dispatch.send_timeout":   d.SendTimeout,
		"smtp.timeout":            c.SMTP.Timeout,
		"imap.timeout":            c.IMAP.Timeout,
		"probe.settle_delay":      c.Probe.SettleDelay,
		"probe.timeout":           c.Probe.Timeout,
		"identities.busy_timeout": c.Identities.BusyTimeout,
		"ledger.busy_timeout":     c.Ledger.BusyTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if d.DailyQuota < 0 || d.MaxPerMinute < 0 {
		return fmt.Errorf("dispatch.daily_quota and max_per_minute must be >= 0")
	}
	if !validModes[d.Mode] {
		return fmt.Errorf("dispatch.mode: unknown value %q", d.Mode)
	}
	if !validDedup[d.DedupOn] {
		return fmt.Errorf("dispatch.dedup_on: unknown value %q", d.DedupOn)
	}
	if c.Alert != nil && c.Alert.Enabled {
		if strings.TrimSpace(c.Alert.Token) == "" || c.Alert.ChatID == 0 {
			return fmt.Errorf("alert: token and chat_id are required when enabled")
		}
	}
	if c.Kafka != nil {
		if len(c.Kafka.Brokers) == 0 || strings.TrimSpace(c.Kafka.Topic) == "" {
			return fmt.Errorf("kafka: brokers and topic are required")
		}
		if _, err := ParseDurationField("kafka.idle_timeout", c.Kafka.IdleTimeout); err != nil {
			return err
		}
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	out := c
	if c.Alert != nil {
		a := *c.Alert
		if a.Token != "" {
			a.Token = "***"
		}
		out.Alert = &a
	}
	if c.Import != nil {
		im := *c.Import
		if im.DSN != "" {
			im.DSN = "***"
		}
		out.Import = &im
	}
	out.Identities = redactStore(c.Identities)
	out.Ledger = redactStore(c.Ledger)
	return out
}

func redactStore(s StoreConfig) StoreConfig {
	if s.Redis != nil && s.Redis.Password != "" {
		r := *s.Redis
		r.Password = "***"
		s.Redis = &r
	}
	return s
}

// MarshalIndent is used by `mailpace config` to print the effective config.
func (c Config) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(c.Redacted(), "", "  ")
}
