package logx

import (
	"strings"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	// Format selects the console rendering: "text" (default) or "json".
	// JSON suits journald and log shippers.
	Format string
	File   FileConfig
	// RedactAddresses masks the local part of addresses logged with Addr.
	RedactAddresses bool
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultFilePath = "./mailpace.log"

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

// ParseLevel maps a config string to a level; unknown values yield def.
func ParseLevel(s string, def Level) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return def
}
