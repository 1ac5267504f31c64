// Package logging provides the severity-filtered log sink used by every
// engine component.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Level names accepted by New, ordered from quietest to noisiest.
const (
	LevelNone  = "NONE"
	LevelFatal = "FATAL"
	LevelError = "ERROR"
	LevelWarn  = "WARN"
	LevelInfo  = "INFO"
	LevelDebug = "DEBUG"
)

// slog has no FATAL; map it above ERROR so a FATAL-level sink still
// passes fatal records through.
const slogLevelFatal = slog.LevelError + 4

// New returns a logger filtered at the named level, writing to w.
// Unknown level names fall back to INFO. NONE discards all output.
func New(level string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	var min slog.Level
	switch strings.ToUpper(level) {
	case LevelNone:
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	case LevelFatal:
		min = slogLevelFatal
	case LevelError:
		min = slog.LevelError
	case LevelWarn:
		min = slog.LevelWarn
	case LevelDebug:
		min = slog.LevelDebug
	default:
		min = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: min}))
}

// Default returns an INFO-level logger on stderr.
func Default() *slog.Logger {
	return New(LevelInfo, os.Stderr)
}
