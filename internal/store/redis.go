package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/brightloop/agentcore/pkg/models"
)

// RedisStore is the remote key-value Message Store backend: each session is
// one list-valued key, messages serialized as JSON. Retention is still
// applied at read time, matching MemoryStore's semantics exactly.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger

	mu       sync.RWMutex
	policies map[string]RetentionPolicy
}

const (
	redisMessageKeyPrefix   = "agentcore:session:"
	redisWatermarkKeyPrefix = "agentcore:watermark:"
)

// NewRedisStore dials Redis using a redis://host:port[/db] URL.
func NewRedisStore(ctx context.Context, url string, opts ...Option) (*RedisStore, error) {
	cfg := newCommonConfig(opts)

	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("store: connect to redis: %w", err)
	}

	return &RedisStore{
		client:   client,
		logger:   cfg.logger,
		policies: make(map[string]RetentionPolicy),
	}, nil
}

func (s *RedisStore) StoreMessage(ctx context.Context, sessionID string, role models.Role, content string, metadata map[string]any) (*models.Message, error) {
	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC().Unix(),
		Metadata:  metadata,
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("store: marshal message: %w", err)
	}
	if err := s.client.RPush(ctx, redisMessageKeyPrefix+sessionID, payload).Err(); err != nil {
		s.logger.Error("redis store append failed", "session_id", sessionID, "error", err)
		return nil, fmt.Errorf("store: append message: %w", err)
	}
	return msg, nil
}

func (s *RedisStore) GetMessages(ctx context.Context, sessionID string, agentNameFilter string) ([]*models.Message, error) {
	raw, err := s.client.LRange(ctx, redisMessageKeyPrefix+sessionID, 0, -1).Result()
	if err != nil {
		s.logger.Error("redis store read failed", "session_id", sessionID, "error", err)
		return nil, fmt.Errorf("store: read messages: %w", err)
	}

	all := make([]*models.Message, 0, len(raw))
	for _, item := range raw {
		var m models.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			s.logger.Warn("redis store: skipping undecodable message", "session_id", sessionID, "error", err)
			continue
		}
		all = append(all, &m)
	}

	s.mu.RLock()
	policy := s.policies[sessionID]
	s.mu.RUnlock()
	return applyRetention(all, agentNameFilter, policy), nil
}

func (s *RedisStore) ClearMemory(ctx context.Context, sessionID string, agentNameFilter string) error {
	if sessionID == "" {
		// Scanning all session keys for a global clear; acceptable for the
		// core's non-goal of per-tenant isolation at scale.
		iter := s.client.Scan(ctx, 0, redisMessageKeyPrefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			if err := s.clearKey(ctx, iter.Val(), agentNameFilter); err != nil {
				return err
			}
		}
		return iter.Err()
	}
	return s.clearKey(ctx, redisMessageKeyPrefix+sessionID, agentNameFilter)
}

func (s *RedisStore) clearKey(ctx context.Context, key, agentNameFilter string) error {
	if agentNameFilter == "" {
		return s.client.Del(ctx, key).Err()
	}

	raw, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("store: read messages for filtered clear: %w", err)
	}
	kept := make([]any, 0, len(raw))
	for _, item := range raw {
		var m models.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			continue
		}
		if name, _ := m.Metadata["agent_name"].(string); name != agentNameFilter {
			kept = append(kept, item)
		}
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(kept) > 0 {
		pipe.RPush(ctx, key, kept...)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) SetRetentionPolicy(sessionID string, policy RetentionPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[sessionID] = policy
}

func (s *RedisStore) SetLastProcessed(ctx context.Context, sessionID, agentName, memoryType string, ts time.Time) error {
	key := redisWatermarkKeyPrefix + watermarkKey(sessionID, agentName, memoryType)
	return s.client.Set(ctx, key, ts.UTC().Format(time.RFC3339Nano), 0).Err()
}

func (s *RedisStore) GetLastProcessed(ctx context.Context, sessionID, agentName, memoryType string) (time.Time, error) {
	key := redisWatermarkKeyPrefix + watermarkKey(sessionID, agentName, memoryType)
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("store: get watermark: %w", err)
	}
	return time.Parse(time.RFC3339Nano, val)
}

// Close releases the underlying Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
