package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger initialises an slog.Logger with the provided level and format ("text" or "json").
func NewLogger(levelStr, format string) *slog.Logger {
	return newLogger(os.Stdout, levelStr, format)
}

func newLogger(w io.Writer, levelStr, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(levelStr)}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Discard returns a logger that drops everything, for tests and tooling.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseLevel(levelStr string) slog.Leveler {
	switch strings.ToLower(levelStr) {
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

// NewStderrLogger is NewLogger writing to stderr, for processes that own stdout.
func NewStderrLogger(levelStr, format string) *slog.Logger {
	return newLogger(os.Stderr, levelStr, format)
}
