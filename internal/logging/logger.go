// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns a project-standard slog logger tagged with the emitting
// component (api, worker, cli).
// - env=dev: text handler with source locations
// - env=prod: JSON handler without source locations
// LOG_LEVEL controls the level (debug/info/warn/error), default info.
func NewLogger(env, component string) *slog.Logger {
	level := parseLevel(os.Getenv("LOG_LEVEL"))

	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(env), "prod") {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level:     level,
			AddSource: false,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:     level,
			AddSource: true,
		})
	}

	logger := slog.New(handler)
	if component = strings.TrimSpace(component); component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info", "":
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}
