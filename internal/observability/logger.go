package observability

import (
	"context"
	"log/slog"
	"os"
)

type ctxKey string

const (
	ctxKeyRoom ctxKey = "room"
)

// basic global logger, JSON to stdout.
var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

func Logger() *slog.Logger {
	return logger
}

// WithFields returns a logger with additional fields.
func WithFields(kv ...any) *slog.Logger {
	return logger.With(kv...)
}

// WithRoom stores a room name in the context.
func WithRoom(ctx context.Context, room string) context.Context {
	return context.WithValue(ctx, ctxKeyRoom, room)
}

// LoggerFromContext adds the room name if present.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	room, _ := ctx.Value(ctxKeyRoom).(string)
	if room == "" {
		return logger
	}
	return logger.With("room", room)
}
