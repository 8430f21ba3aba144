package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds a slog logger writing to w. The LOG_LEVEL and LOG_FORMAT
// environment variables override cfg when set. Debug level adds source
// locations.
func NewLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	levelName := cfg.Level
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		levelName = env
	}
	level, ok := parseLevel(levelName)
	if !ok {
		level = slog.LevelInfo
	}

	format := cfg.Format
	if env := os.Getenv("LOG_FORMAT"); env != "" {
		format = env
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// WithRunID returns logger with a run_id attribute.
func WithRunID(logger *slog.Logger, runID string) *slog.Logger {
	return logger.With(slog.String("run_id", runID))
}

// WithWorkflowID returns logger with a workflow attribute.
func WithWorkflowID(logger *slog.Logger, workflowID string) *slog.Logger {
	return logger.With(slog.String("workflow", workflowID))
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "", "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return 0, false
}
