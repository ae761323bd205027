package logger

import (
	"io"
	"log/slog"
)

// Setup builds the process logger. format is "text" or "json".
func Setup(level slog.Level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		// TextHandler reads best in a console
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
