package config

import (
	"reflect"
	"sort"
	"strings"

	logx "mailpace/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and log fields
// describing the new values. Secrets (passwords, tokens, DSNs) never appear
// in the fields; only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.redact_recipients", newCfg.Logging.RedactRecipients),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		d := newCfg.Dispatch
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.pacing_min", d.PacingMin),
			logx.String("dispatch.pacing_max", d.PacingMax),
			logx.Int("dispatch.probe_interval", d.ProbeInterval),
			logx.Int("dispatch.daily_quota", d.DailyQuota),
			logx.Int("dispatch.quota_overrides", len(d.QuotaOverrides)),
			logx.Int("dispatch.max_per_minute", d.MaxPerMinute),
			logx.String("dispatch.mode", d.Mode),
			logx.String("dispatch.dedup_on", d.DedupOn),
		)
	}

	if !reflect.DeepEqual(oldCfg.Message, newCfg.Message) {
		changed = append(changed, "message")
		attrs = append(attrs, logx.String("message.subject", newCfg.Message.Subject))
	}
	if !reflect.DeepEqual(oldCfg.Probe, newCfg.Probe) {
		changed = append(changed, "probe")
		attrs = append(attrs,
			logx.String("probe.primary_folder", newCfg.Probe.PrimaryFolder),
			logx.String("probe.filtered_folder", newCfg.Probe.FilteredFolder),
		)
	}
	if !reflect.DeepEqual(oldCfg.SMTP, newCfg.SMTP) {
		changed = append(changed, "smtp")
		attrs = append(attrs, logx.String("smtp.host", newCfg.SMTP.Host), logx.Int("smtp.port", newCfg.SMTP.Port))
	}
	if !reflect.DeepEqual(oldCfg.IMAP, newCfg.IMAP) {
		changed = append(changed, "imap")
		attrs = append(attrs, logx.String("imap.host", newCfg.IMAP.Host), logx.Int("imap.port", newCfg.IMAP.Port))
	}

	for _, st := range []struct {
		name     string
		old, new StoreConfig
	}{
		{"identities", oldCfg.Identities, newCfg.Identities},
		{"ledger", oldCfg.Ledger, newCfg.Ledger},
	} {
		if !reflect.DeepEqual(st.old, st.new) {
			changed = append(changed, st.name)
			attrs = append(attrs,
				logx.String(st.name+".driver", strings.TrimSpace(st.new.Driver)),
				logx.Bool(st.name+".path_set", strings.TrimSpace(st.new.Path) != ""),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Serve, newCfg.Serve) {
		changed = append(changed, "serve")
		if s := newCfg.Serve; s != nil {
			attrs = append(attrs, logx.String("serve.schedule", s.Schedule), logx.String("serve.addr", s.Addr))
		}
	}
	if !reflect.DeepEqual(oldCfg.Alert, newCfg.Alert) {
		changed = append(changed, "alert")
		if a := newCfg.Alert; a != nil {
			attrs = append(attrs,
				logx.Bool("alert.enabled", a.Enabled),
				logx.Bool("alert.token_set", strings.TrimSpace(a.Token) != ""),
			)
		}
	}
	if !reflect.DeepEqual(oldCfg.Kafka, newCfg.Kafka) {
		changed = append(changed, "kafka")
	}
	if !reflect.DeepEqual(oldCfg.Import, newCfg.Import) {
		changed = append(changed, "import")
	}

	sort.Strings(changed)
	return changed, attrs
}

// RequiresRestart reports sections that only take effect on restart.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, c := range changed {
		switch c {
		case "identities", "ledger", "smtp", "imap", "serve", "kafka":
			out = append(out, c)
		}
	}
	return out
}
