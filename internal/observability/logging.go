package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogConfig configures the process-wide structured logger.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string
	// Format is "json" or "text"; JSON is recommended for production.
	Format string
	// Output defaults to os.Stdout.
	Output io.Writer
	// AddSource includes file and line number in log records.
	AddSource bool
}

// NewLogger builds a *slog.Logger from LogConfig, defaulting to info-level
// JSON output to stdout.
func NewLogger(cfg LogConfig) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	handlerOpts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: cfg.AddSource}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(cfg.Output, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, handlerOpts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
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

// sessionLogKey correlates log lines with a session for operators tailing
// output across concurrent agent runs.
type sessionLogKey struct{}

// WithSessionID attaches a session ID to ctx for logging correlation.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionLogKey{}, sessionID)
}

// SessionIDFromContext retrieves the session ID attached by WithSessionID,
// or "" if none was set.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionLogKey{}).(string)
	return id
}

// LoggerWithSession returns a child logger carrying the session ID from
// ctx, if any, as a structured field.
func LoggerWithSession(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := SessionIDFromContext(ctx); id != "" {
		return logger.With("session_id", id)
	}
	return logger
}
