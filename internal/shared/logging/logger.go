package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New returns a slog.Logger configured for structured, JSON-oriented output.
// Verbosity follows the QARAX_LOG environment variable (debug, info, warn,
// error); unset or unrecognized values mean info.
func New(subsystem string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: levelFromEnv()})
	return slog.New(handler).With("subsystem", subsystem)
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("QARAX_LOG"))) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
