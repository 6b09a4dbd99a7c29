package app

import (
	"errors"
	"log/slog"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	JobPath string // hcl job description

	LogFormat string
	LogLevel  string
	Workers   int
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.JobPath == "" {
		return nil, errors.New("JobPath is a required configuration field and cannot be empty")
	}
	return &cfg, nil
}

// slogLevel maps the configured level name onto its slog constant, falling
// back to info for anything unrecognized.
func (c *Config) slogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
