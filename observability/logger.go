// Package observability builds the process logger and the prometheus
// metrics shared by the API process and the workers.
package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// LogConfig selects level and outputs.
type LogConfig struct {
	// Level is debug, info, warn or error. Default: info.
	Level string `yaml:"level"`
	// File, when set, receives a JSON copy of every record.
	File string `yaml:"file"`
	// Text switches stderr output from JSON to text.
	Text bool `yaml:"text"`
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger returns the process logger and a cleanup func closing the log
// file. stderr gets JSON (or text), the file always gets JSON.
func NewLogger(cfg LogConfig) (*slog.Logger, func() error, error) {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	stderr := handlerFor(os.Stderr, cfg.Text, opts)
	if cfg.File == "" {
		return slog.New(stderr), func() error { return nil }, nil
	}

	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("observability: open log file: %w", err)
	}
	logger := slog.New(slogmulti.Fanout(stderr, slog.NewJSONHandler(f, opts)))
	return logger, f.Close, nil
}

// NewLoggerWithWriters fans out to two writers. Used by tests.
func NewLoggerWithWriters(primary, file io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	return slog.New(slogmulti.Fanout(
		slog.NewTextHandler(primary, opts),
		slog.NewJSONHandler(file, opts),
	))
}

func handlerFor(w io.Writer, text bool, opts *slog.HandlerOptions) slog.Handler {
	if text {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}
