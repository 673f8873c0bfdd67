package main

import (
	"context"
	"log/slog"
	"log/syslog"
	"os"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// loggerKey is the key used to store the slog.Logger in the context.
const loggerKey contextKey = "logger"

// initLogger builds the launcher's logger for the chosen destination.
// Syslog is the default sink so a jail started from init still reports
// somewhere; when the syslog socket is unreachable the logger falls back to
// stderr rather than going dark.
func initLogger(dest LogDestination) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if os.Getenv("DEBUG") != "" {
		opts.Level = slog.LevelDebug
	}

	if dest == LogToSyslog {
		if w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_USER, "microjail"); err == nil {
			return slog.New(slog.NewTextHandler(w, opts))
		}
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// WithLogger stores the logger in the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// Logger retrieves the logger from the context, or the default logger when
// none was stored.
func Logger(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
