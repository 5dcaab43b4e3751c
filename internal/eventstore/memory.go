package eventstore

import (
	"context"
	"log/slog"
	"sync"

	"github.com/brightloop/agentcore/pkg/models"
)

// MemoryStore is the ephemeral Event Store backend: a map from session id to
// a bounded ring buffer plus a set of live subscriber channels. Subscribers
// receive only events appended after they subscribed; the ring buffer exists
// to bound memory, not to serve replay.
type MemoryStore struct {
	mu       sync.Mutex
	logger   *slog.Logger
	capacity int
	queue    int
	sessions map[string]*sessionState
}

type sessionState struct {
	ring        []models.Event
	subscribers map[int]chan models.Event
	nextSubID   int
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithCapacity overrides the per-session ring buffer capacity.
func WithCapacity(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithSubscriberQueueSize overrides the per-subscriber channel buffer size.
func WithSubscriberQueueSize(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.queue = n
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) MemoryOption {
	return func(s *MemoryStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewMemoryStore constructs an ephemeral Event Store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		logger:   slog.Default(),
		capacity: DefaultRingBufferCapacity,
		queue:    DefaultSubscriberQueueSize,
		sessions: make(map[string]*sessionState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Append(ctx context.Context, sessionID string, event models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.sessionFor(sessionID)
	sess.ring = append(sess.ring, event)
	if over := len(sess.ring) - s.capacity; over > 0 {
		sess.ring = sess.ring[over:]
		s.logger.Warn("event store ring buffer evicted oldest event", "session_id", sessionID, "dropped", over)
	}

	for id, ch := range sess.subscribers {
		select {
		case ch <- event:
		default:
			s.logger.Warn("subscriber_lagging: dropping event for slow subscriber", "session_id", sessionID, "subscriber", id, "event_type", event.Type)
		}
	}
	return nil
}

func (s *MemoryStore) Stream(ctx context.Context, sessionID string) (<-chan models.Event, func(), error) {
	s.mu.Lock()
	sess := s.sessionFor(sessionID)
	id := sess.nextSubID
	sess.nextSubID++
	ch := make(chan models.Event, s.queue)
	sess.subscribers[id] = ch
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.sessions[sessionID]; ok {
			if existing, ok := sub.subscribers[id]; ok {
				delete(sub.subscribers, id)
				close(existing)
			}
		}
	}
	return ch, unsubscribe, nil
}

func (s *MemoryStore) sessionFor(sessionID string) *sessionState {
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &sessionState{subscribers: make(map[int]chan models.Event)}
		s.sessions[sessionID] = sess
	}
	return sess
}
