package eventstore

import (
	"context"
	"errors"
	"log/slog"
)

// NewFromURL constructs a Store from the §6 backend-selection strings:
// "in_memory" or "redis_stream" (the latter expects a redis:// URL for the
// actual connection target).
func NewFromURL(ctx context.Context, backend, redisURL string, logger *slog.Logger) (Store, error) {
	switch backend {
	case "", "in_memory":
		return NewMemoryStore(WithLogger(logger)), nil
	case "redis_stream":
		return NewRedisStreamStore(ctx, redisURL, logger)
	default:
		return nil, errors.New("eventstore: unrecognized backend " + backend)
	}
}
