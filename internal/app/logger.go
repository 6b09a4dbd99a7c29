package app

import (
	"io"
	"log/slog"
)

// newLogger builds the run logger from the configured level and format. It
// does not touch the global default, keeping App instances isolated.
func newLogger(cfg *Config, outW io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.slogLevel()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(outW, opts))
	}
	return slog.New(slog.NewTextHandler(outW, opts))
}
