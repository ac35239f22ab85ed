// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level string `koanf:"level"`
	// Format is "text" for human-readable console output or "json".
	Format string `koanf:"format"`
	// File receives the log instead of stderr when set.
	File string `koanf:"file"`
}

func DefaultConfig() Config {
	return Config{Level: "info", Format: "text"}
}

// New constructs a zerolog.Logger from cfg. The returned closer releases the
// log file, if any.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nil, err
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f
	}

	switch strings.ToLower(cfg.Format) {
	case "", "text", "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: cfg.File != ""}
	case "json":
	default:
		closer.Close()
		return zerolog.Nop(), nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	logger := zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Logger()
	return logger, closer, nil
}

// ParseLevel accepts zerolog level names; an empty string means info.
func ParseLevel(s string) (zerolog.Level, error) {
	if strings.TrimSpace(s) == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// Verbosity raises level by one step per count, down to trace.
func Verbosity(level zerolog.Level, count int) zerolog.Level {
	for ; count > 0 && level > zerolog.TraceLevel; count-- {
		level--
	}
	return level
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
