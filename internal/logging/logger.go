package logging

import (
	"fmt"
	"os"
	"strings"

	"log/slog"

	"github.com/l0p7/offsync/internal/config"
)

// New shapes slog so emitted telemetry matches the configured level and format.
// Levels accept anything slog.Level parses ("debug", "WARN", "error"), in any
// case; an empty level means info.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	level := slog.LevelInfo
	if text := strings.TrimSpace(cfg.Level); text != "" {
		if err := level.UnmarshalText([]byte(text)); err != nil {
			return nil, fmt.Errorf("logging: unsupported level %q", cfg.Level)
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json", "":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("logging: unsupported format %q", cfg.Format)
	}

	return slog.New(handler).With(slog.String("component", "offsync")), nil
}
