package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brightloop/agentcore/pkg/models"
)

// RedisStreamStore is the remote streams Event Store backend: one Redis
// Stream key per session id. Subscribers poll from last-seen id with
// blocking reads (XREAD BLOCK); retention is handled by Redis itself
// (the stream is trimmed to a bounded approximate length).
type RedisStreamStore struct {
	client    *redis.Client
	logger    *slog.Logger
	maxLenApprox int64
}

const redisEventStreamKeyPrefix = "agentcore:events:"

// NewRedisStreamStore dials Redis using a redis://host:port[/db] URL.
func NewRedisStreamStore(ctx context.Context, url string, logger *slog.Logger) (*RedisStreamStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}

	return &RedisStreamStore{client: client, logger: logger, maxLenApprox: int64(DefaultRingBufferCapacity)}, nil
}

func (s *RedisStreamStore) Append(ctx context.Context, sessionID string, event models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: redisEventStreamKeyPrefix + sessionID,
		MaxLen: s.maxLenApprox,
		Approx: true,
		Values: map[string]any{"event": payload},
	}).Err()
}

// Stream polls the session's stream from "$" (only entries appended from
// this point on) and delivers them on the returned channel until the
// context is cancelled or unsubscribe is called.
func (s *RedisStreamStore) Stream(ctx context.Context, sessionID string) (<-chan models.Event, func(), error) {
	ch := make(chan models.Event, DefaultSubscriberQueueSize)
	streamCtx, cancel := context.WithCancel(ctx)

	go s.poll(streamCtx, sessionID, ch)

	unsubscribe := func() {
		cancel()
	}
	return ch, unsubscribe, nil
}

func (s *RedisStreamStore) poll(ctx context.Context, sessionID string, ch chan<- models.Event) {
	defer close(ch)
	key := redisEventStreamKeyPrefix + sessionID
	lastID := "$"

	for {
		if ctx.Err() != nil {
			return
		}
		result, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, lastID},
			Block:   2 * time.Second,
			Count:   50,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			s.logger.Warn("redis stream event store: poll error", "session_id", sessionID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}
		for _, stream := range result {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				raw, ok := msg.Values["event"].(string)
				if !ok {
					continue
				}
				var event models.Event
				if err := json.Unmarshal([]byte(raw), &event); err != nil {
					s.logger.Warn("redis stream event store: undecodable event", "session_id", sessionID, "error", err)
					continue
				}
				select {
				case ch <- event:
				case <-ctx.Done():
					return
				default:
					s.logger.Warn("subscriber_lagging: dropping event for slow subscriber", "session_id", sessionID, "event_type", event.Type)
				}
			}
		}
	}
}

// Close releases the underlying Redis connection pool.
func (s *RedisStreamStore) Close() error {
	return s.client.Close()
}
