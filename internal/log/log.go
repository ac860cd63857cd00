// Package log sets up the process-wide slog logger and carries loggers
// through contexts.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Debug enables debug output. It is set from the command line and also
// makes fetchers dump what they load.
var Debug bool

type ctxKey struct{}

// ParseLevel maps a level name to a slog level. Unknown names give info.
// Debug overrides whatever name is passed.
func ParseLevel(name string) slog.Level {
	if Debug {
		return slog.LevelDebug
	}
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// InitializeDefaultLogger installs a text logger on stdout as the default.
func InitializeDefaultLogger(level string) {
	slog.SetDefault(NewLogger(os.Stdout, level))
}

// NewLogger returns a text logger writing to w.
func NewLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
