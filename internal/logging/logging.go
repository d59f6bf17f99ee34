// Package logging installs the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Service tags every record written through the default logger.
const Service = "cloudai"

// ParseLevel maps debug, warn and error; anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) (slog.Handler, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	}
	return nil, fmt.Errorf("unknown log format %q (want text or json)", format)
}

// Init replaces the default logger. Records go to w, or stderr when w is nil,
// and carry the service name plus any extra attrs such as the build version.
func Init(level slog.Level, format string, w io.Writer, attrs ...slog.Attr) error {
	if w == nil {
		w = os.Stderr
	}
	h, err := newHandler(format, w, &slog.HandlerOptions{Level: level})
	if err != nil {
		return err
	}
	base := append([]slog.Attr{slog.String("service", Service)}, attrs...)
	slog.SetDefault(slog.New(h.WithAttrs(base)))
	return nil
}

// New scopes the default logger to one part of the service.
func New(component string) *slog.Logger {
	return slog.Default().With(slog.String("component", component))
}
