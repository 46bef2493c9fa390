package internal

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLogLevel("debug"))
	require.Equal(t, slog.LevelWarn, ParseLogLevel("WARN"))
	require.Equal(t, slog.LevelWarn, ParseLogLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLogLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLogLevel(""))
	require.Equal(t, slog.LevelInfo, ParseLogLevel("bogus"))
}

func TestDefaultLogLevel(t *testing.T) {
	t.Setenv(LogLevelEnv, "")
	require.Equal(t, "info", DefaultLogLevel())
	t.Setenv(LogLevelEnv, "debug")
	require.Equal(t, "debug", DefaultLogLevel())
}
