package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gyaneshwarpardhi/paystream/internal/config"
)

// New builds a slog.Logger for cfg. The returned LevelVar lets a config
// reload change the level without rebuilding the handler.
func New(cfg config.LogConf) (*slog.Logger, *slog.LevelVar) {
	return NewWithWriter(os.Stdout, cfg)
}

// NewWithWriter is New with a custom destination.
func NewWithWriter(w io.Writer, cfg config.LogConf) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(ParseLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), level
}

// ParseLevel maps a config level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
