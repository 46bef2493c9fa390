package internal

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// LogLevelEnv is the environment variable consulted when no explicit log
// level is given.
const LogLevelEnv = "SS_LOG_LEVEL"

// DefaultLogLevel returns the level named by LogLevelEnv, or "info".
func DefaultLogLevel() string {
	if v := os.Getenv(LogLevelEnv); v != "" {
		return v
	}
	return "info"
}

// ParseLogLevel converts a string log level to slog.Level. The empty string
// means info; an unknown level is reported on stderr and also falls back to
// info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "", "info":
		return slog.LevelInfo
	case "debug":
		return slog.LevelDebug
	case "warning", "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		fmt.Fprintf(os.Stderr, "Unknown log level: %s, using 'info'\n", level)
		return slog.LevelInfo
	}
}
