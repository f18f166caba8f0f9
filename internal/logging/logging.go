// Package logging builds the slog logger shared by every worker and adds the
// CRITICAL level used for threshold breaches.
package logging

import (
	"io"
	"log/slog"
)

// LevelCritical sits above slog.LevelError and is reserved for utilization alerts.
const LevelCritical = slog.Level(12)

type Options struct {
	Debug bool
	JSON  bool
}

func New(w io.Writer, opts Options) *slog.Logger {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	hOpts := &slog.HandlerOptions{Level: level, ReplaceAttr: replaceLevel}
	if opts.JSON {
		return slog.New(slog.NewJSONHandler(w, hOpts))
	}
	return slog.New(slog.NewTextHandler(w, hOpts))
}

func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl >= LevelCritical {
		a.Value = slog.StringValue("CRITICAL")
	}
	return a
}
