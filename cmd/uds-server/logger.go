package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/go-uds-server/internal/logging"
)

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogger installs the process logger. Records are also kept in ring
// (when non-nil) for the /logs endpoint.
func setupLogger(format, level string, ring *logging.Ring) *slog.Logger {
	l := logging.New(format, parseLevel(level), os.Stderr, ring).With("app", "uds-server")
	logging.Set(l)
	return l
}
