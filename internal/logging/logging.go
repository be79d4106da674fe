package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger initialises an slog.Logger writing to stdout. format "json"
// selects the JSON handler, anything else the text handler.
func NewLogger(levelStr, format string) *slog.Logger {
	return slog.New(NewHandler(os.Stdout, levelStr, format))
}

// NewHandler builds the base handler used by NewLogger.
func NewHandler(w io.Writer, levelStr, format string) slog.Handler {
	level := parseLevel(levelStr)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLevel(levelStr string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
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
