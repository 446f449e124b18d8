package logging

import (
	"io"
	"log/slog"
	"strings"
)

// ParseLevel maps a config level name to a slog level. Unknown names are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewLogger builds the process logger: JSON lines on w, plus a copy of every
// warn+ record into lines when lines is non-nil. The level is read from lvl on
// each record so a config reload can change it.
func NewLogger(lvl *slog.LevelVar, w io.Writer, lines *Lines) *slog.Logger {
	var h slog.Handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	if lines != nil {
		h = &teeHandler{next: h, lines: lines, min: slog.LevelWarn}
	}
	return slog.New(h)
}
