// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"aim-chat/go-jsonrpc/internal/config"
	"aim-chat/go-jsonrpc/internal/platform/privacylog"
)

// New returns a logger writing to stdout; see NewWithWriter.
func New(cfg config.LogConfig, component string) (*slog.Logger, error) {
	return NewWithWriter(os.Stdout, cfg, component)
}

// NewWithWriter builds a JSON or text handler at the configured level, wraps
// it with the privacy sanitizer (plus cfg.RedactKeys) and tags every record
// with component.
func NewWithWriter(w io.Writer, cfg config.LogConfig, component string) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("logging: unknown format %q", cfg.Format)
	}
	policy := privacylog.DefaultPolicy().Redacting(cfg.RedactKeys...)
	logger := slog.New(policy.Wrap(handler))
	if component = strings.TrimSpace(component); component != "" {
		logger = logger.With("component", component)
	}
	return logger, nil
}

// ParseLevel accepts slog level names (debug, info, warn, error), with
// optional offsets such as "info+2". Empty means info.
func ParseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(raw) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging: %w", err)
	}
	return level, nil
}
