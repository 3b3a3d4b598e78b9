package main

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var logger = initLogger(os.Stdout)

func initLogger(w io.Writer) *slog.Logger {
	level := new(slog.LevelVar)
	level.Set(parseLogLevel(os.Getenv("LOG_LEVEL")))
	l := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(l)
	return l
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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
