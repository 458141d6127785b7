// Package logger builds the process-wide *slog.Logger from the loaded
// configuration. Subsystems receive child loggers tagged with a component
// attribute so one stream can be filtered per concern.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"parley/internal/infra/config"
)

// New builds the root logger from cfg. The returned close function flushes
// and closes a file target; for the standard streams it is a no-op. Unknown
// level or format names are an error, not a silent fallback.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	out, closeFn, err := openTarget(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: open output %q: %w", cfg.Output, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		h = slog.NewJSONHandler(out, opts)
	case "", "text":
		h = slog.NewTextHandler(out, opts)
	default:
		closeFn()
		return nil, nil, fmt.Errorf("logger: unknown format %q", cfg.Format)
	}
	return slog.New(h), closeFn, nil
}

// WithComponent returns a child logger tagged for one subsystem, e.g.
// "engine" or "janitor".
func WithComponent(l *slog.Logger, name string) *slog.Logger {
	return l.With("component", name)
}

// ParseLevel maps a configured level name onto a slog.Level. The empty
// string means info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("logger: unknown level %q", name)
}

func openTarget(target string) (io.Writer, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(target) {
	case "", "stderr":
		return os.Stderr, noop, nil
	case "stdout":
		return os.Stdout, noop, nil
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
