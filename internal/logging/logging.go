// Package logging configures structured slog output for Quarry.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config contains logging configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Output overrides the destination writer (default: stderr).
	Output io.Writer
}

// Setup initializes structured JSON logging and installs the logger as the
// process default. Returns the configured logger.
func Setup(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// Component returns a logger tagged with a component name.
func Component(name string) *slog.Logger {
	return slog.Default().With(slog.String("component", name))
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
