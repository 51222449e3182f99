// Package logging configures the process-wide structured logger.
// Output is JSON on stderr so log lines never mix with command output
// on stdout, with an optional file sink for daemonized runs.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Config controls logger construction.
type Config struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string

	// FilePath, when set, appends log lines to the given file in
	// addition to (or instead of) stderr.
	FilePath string

	// Stderr controls whether lines are written to stderr. Daemonized
	// processes set this false and rely on FilePath.
	Stderr bool
}

// DefaultConfig returns the interactive-CLI logging configuration.
func DefaultConfig() Config {
	return Config{Level: "info", Stderr: true}
}

// Setup builds a JSON slog.Logger from cfg and installs it as the slog
// default. The returned cleanup closes the log file, if any.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var sinks []io.Writer
	cleanup := func() {}

	if cfg.Stderr {
		sinks = append(sinks, os.Stderr)
	}
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		sinks = append(sinks, f)
		cleanup = func() { _ = f.Close() }
	}

	var out io.Writer
	switch len(sinks) {
	case 0:
		out = io.Discard
	case 1:
		out = sinks[0]
	default:
		out = io.MultiWriter(sinks...)
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, cleanup, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
