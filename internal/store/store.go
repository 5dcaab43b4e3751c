// Package store implements the Message Store: append/retrieve messages per
// session, with swappable backends and read-time retention policies.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/brightloop/agentcore/pkg/models"
)

// ErrSessionNotFound is returned when a session has no stored messages and
// the backend distinguishes "empty" from "unknown".
var ErrSessionNotFound = errors.New("store: session not found")

// RetentionMode selects how GetMessages bounds the returned history.
type RetentionMode string

const (
	// RetentionNone returns the full stored sequence.
	RetentionNone RetentionMode = ""
	// RetentionSlidingWindow keeps at most Value most-recent messages.
	RetentionSlidingWindow RetentionMode = "sliding_window"
	// RetentionTokenBudget drops oldest messages until the sum of
	// whitespace-split token counts over content is <= Value.
	RetentionTokenBudget RetentionMode = "token_budget"
)

// RetentionPolicy configures how GetMessages bounds returned history. It is
// applied at read time only; writes never discard.
type RetentionPolicy struct {
	Mode  RetentionMode
	Value int
}

// Store is the Message Store contract. All backends implement the same
// semantics; retention is a pure function of the stored sequence and policy,
// applied at read time after any agent-name filter.
type Store interface {
	// StoreMessage appends one message to the session, generating an ID and
	// timestamp if unset. Never mutates or discards prior messages.
	StoreMessage(ctx context.Context, sessionID string, role models.Role, content string, metadata map[string]any) (*models.Message, error)

	// GetMessages returns the session's messages, most-recent-filter-then-
	// policy applied, in non-decreasing timestamp order. agentNameFilter, if
	// non-empty, restricts to messages whose metadata["agent_name"] matches.
	GetMessages(ctx context.Context, sessionID string, agentNameFilter string) ([]*models.Message, error)

	// ClearMemory deletes messages. Both filters are optional; an empty
	// sessionID means "all sessions"; an empty agentNameFilter means "all
	// agents within the matched sessions".
	ClearMemory(ctx context.Context, sessionID string, agentNameFilter string) error

	// SetRetentionPolicy configures the policy consulted by GetMessages.
	SetRetentionPolicy(sessionID string, policy RetentionPolicy)

	// SetLastProcessed records a watermark for long-term-memory processing.
	SetLastProcessed(ctx context.Context, sessionID, agentName, memoryType string, ts time.Time) error
	// GetLastProcessed retrieves the watermark, or the zero time if unset.
	GetLastProcessed(ctx context.Context, sessionID, agentName, memoryType string) (time.Time, error)
}

// applyRetention is the pure function shared by every backend: filter by
// agent name, then bound by policy. Backends call this against their full
// stored sequence so the bounding logic itself is grounded once.
func applyRetention(messages []*models.Message, agentNameFilter string, policy RetentionPolicy) []*models.Message {
	filtered := messages
	if agentNameFilter != "" {
		filtered = make([]*models.Message, 0, len(messages))
		for _, m := range messages {
			if name, _ := m.Metadata["agent_name"].(string); name == agentNameFilter {
				filtered = append(filtered, m)
			}
		}
	}

	switch policy.Mode {
	case RetentionSlidingWindow:
		if policy.Value > 0 && len(filtered) > policy.Value {
			return filtered[len(filtered)-policy.Value:]
		}
		return filtered
	case RetentionTokenBudget:
		if policy.Value <= 0 {
			return filtered
		}
		total := 0
		for _, m := range filtered {
			total += countTokens(m.Content)
		}
		start := 0
		for total > policy.Value && start < len(filtered) {
			total -= countTokens(filtered[start].Content)
			start++
		}
		return filtered[start:]
	default:
		return filtered
	}
}

func countTokens(content string) int {
	return len(strings.Fields(content))
}

// GetSessionState derives a session's models.SessionState by reading its
// most recent message via GetMessages: no activity within idleAfter of now
// is "idle", no activity within expireAfter is "expired", otherwise
// "active". A session with no stored messages is reported as "expired" —
// the Background Agent Manager uses this to decide whether to reuse a
// managed agent's session or start a fresh one (§3 supplemental feature
// "session state tracking").
func GetSessionState(ctx context.Context, s Store, sessionID string, idleAfter, expireAfter time.Duration, now time.Time) (models.SessionState, error) {
	messages, err := s.GetMessages(ctx, sessionID, "")
	if err != nil {
		return "", err
	}
	if len(messages) == 0 {
		return models.SessionExpired, nil
	}

	lastActivity := time.Unix(messages[len(messages)-1].Timestamp, 0)
	sinceActivity := now.Sub(lastActivity)

	switch {
	case expireAfter > 0 && sinceActivity >= expireAfter:
		return models.SessionExpired, nil
	case idleAfter > 0 && sinceActivity >= idleAfter:
		return models.SessionIdle, nil
	default:
		return models.SessionActive, nil
	}
}

// NewFromURL constructs a Store from a backend-selection string per the
// scheme table: "in_memory", "redis://host:port[/db]", "sqlite:///path.db",
// "postgresql://...", "mysql://...".
func NewFromURL(ctx context.Context, url string, opts ...Option) (Store, error) {
	switch {
	case url == "" || url == "in_memory":
		return NewMemoryStore(opts...), nil
	case strings.HasPrefix(url, "redis://"):
		return NewRedisStore(ctx, url, opts...)
	case strings.HasPrefix(url, "sqlite://"), strings.HasPrefix(url, "postgresql://"), strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "mysql://"):
		return NewSQLStore(ctx, url, opts...)
	default:
		return nil, errors.New("store: unrecognized backend url " + url)
	}
}
