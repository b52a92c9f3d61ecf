package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger writes human-readable output in development (or when LogFormat
// is "console") and JSON lines otherwise.
func NewLogger(cfg Config, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	switch {
	case strings.EqualFold(cfg.LogFormat, "json"):
		logger = zerolog.New(out)
	case strings.EqualFold(cfg.LogFormat, "console"), cfg.IsDevelopment():
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	default:
		logger = zerolog.New(out)
	}
	return logger.Level(level).With().Timestamp().Str("service", "relaychat").Logger()
}
