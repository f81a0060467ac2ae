// Package logging builds the process logger from the log config section.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/trymwestin/smartgrade/internal/config"
)

// New creates the root logger. Format "json" selects the JSON handler,
// anything else the text handler. Every record carries service and version.
func New(cfg config.LogConfig, version string) *slog.Logger {
	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}
	return slog.New(newHandler(output, cfg, version))
}

func newHandler(w io.Writer, cfg config.LogConfig, version string) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return handler.WithAttrs([]slog.Attr{
		slog.String("service", "smartgraded"),
		slog.String("version", version),
	})
}

// parseLevel maps debug, info, warn(ing) and error; anything else is info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Component returns a child logger tagged with a component name.
func Component(log *slog.Logger, name string) *slog.Logger {
	return log.With("component", name)
}
