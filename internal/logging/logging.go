// Package logging configures the process-wide structured logger.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Config controls how the default logger is constructed.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Format is "json" or "text". New uses the text handler only when
	// Format is "text" (any case); every other value, empty included,
	// gives JSON.
	Format string
}

// DefaultConfig returns the configuration used by the server binaries.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json"}
}

// Init installs a slog.Logger built from cfg as the process default and
// returns it. Safe to call once at process start; a second process
// instance in tests gets its own independent *slog.Logger via New.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New builds a *slog.Logger from cfg without touching the package default.
func New(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
