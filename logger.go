package bam

import (
	"io"
	"log/slog"
	"os"
)

// InitLogger installs the process-wide slog logger writing to stderr.
// format is "json" (default) or "text". Every record carries the process
// role so bus logs can be told apart from the embedding program's.
func InitLogger(level slog.Level, format string) {
	slog.SetDefault(newLogger(os.Stderr, level, format))
}

func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With("component", "bam")
}
