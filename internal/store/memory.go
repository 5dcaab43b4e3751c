package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brightloop/agentcore/pkg/models"
)

// MemoryStore is the ephemeral in-memory Message Store backend: a map from
// session id to a dynamic array, mutex-guarded.
type MemoryStore struct {
	mu        sync.RWMutex
	logger    *slog.Logger
	messages  map[string][]*models.Message
	policies  map[string]RetentionPolicy
	watermark map[string]time.Time
}

// NewMemoryStore constructs an empty ephemeral Message Store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	cfg := newCommonConfig(opts)
	return &MemoryStore{
		logger:    cfg.logger,
		messages:  make(map[string][]*models.Message),
		policies:  make(map[string]RetentionPolicy),
		watermark: make(map[string]time.Time),
	}
}

func (s *MemoryStore) StoreMessage(ctx context.Context, sessionID string, role models.Role, content string, metadata map[string]any) (*models.Message, error) {
	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC().Unix(),
		Metadata:  metadata,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prior := s.messages[sessionID]; len(prior) > 0 {
		if last := prior[len(prior)-1].Timestamp; msg.Timestamp < last {
			msg.Timestamp = last
		}
	}
	s.messages[sessionID] = append(s.messages[sessionID], msg.Clone())
	return msg, nil
}

func (s *MemoryStore) GetMessages(ctx context.Context, sessionID string, agentNameFilter string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := applyRetention(s.messages[sessionID], agentNameFilter, s.policies[sessionID])
	out := make([]*models.Message, len(stored))
	for i, m := range stored {
		out[i] = m.Clone()
	}
	return out, nil
}

func (s *MemoryStore) ClearMemory(ctx context.Context, sessionID string, agentNameFilter string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionIDs := []string{sessionID}
	if sessionID == "" {
		sessionIDs = sessionIDs[:0]
		for id := range s.messages {
			sessionIDs = append(sessionIDs, id)
		}
	}

	for _, id := range sessionIDs {
		if agentNameFilter == "" {
			delete(s.messages, id)
			continue
		}
		kept := make([]*models.Message, 0, len(s.messages[id]))
		for _, m := range s.messages[id] {
			if name, _ := m.Metadata["agent_name"].(string); name != agentNameFilter {
				kept = append(kept, m)
			}
		}
		s.messages[id] = kept
	}
	return nil
}

func (s *MemoryStore) SetRetentionPolicy(sessionID string, policy RetentionPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[sessionID] = policy
}

func (s *MemoryStore) SetLastProcessed(ctx context.Context, sessionID, agentName, memoryType string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermark[watermarkKey(sessionID, agentName, memoryType)] = ts
	return nil
}

func (s *MemoryStore) GetLastProcessed(ctx context.Context, sessionID, agentName, memoryType string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermark[watermarkKey(sessionID, agentName, memoryType)], nil
}

func watermarkKey(sessionID, agentName, memoryType string) string {
	return sessionID + "\x00" + agentName + "\x00" + memoryType
}
