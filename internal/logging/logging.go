// Package logging builds the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Options selects the handler and level.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text, json, tint
	Output io.Writer
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}

// New returns a logger writing to opts.Output (stdout by default).
func New(opts Options) (*slog.Logger, error) {
	level := slog.LevelInfo
	if opts.Level != "" {
		l, err := ParseLevel(opts.Level)
		if err != nil {
			return nil, err
		}
		level = l
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	var h slog.Handler
	switch opts.Format {
	case "", "text":
		h = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	case "json":
		h = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	case "tint":
		h = tint.NewHandler(out, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
	return slog.New(h), nil
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
