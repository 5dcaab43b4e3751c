package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/brightloop/agentcore/pkg/models"
)

// SQLStore is the relational Message Store backend (§6 persisted state
// layout): a messages table and a last_processed_messages table, with
// metadata stored as JSON text and timestamps stored both as a database
// timestamp and as an ISO-8601 string for portability.
type SQLStore struct {
	db     *sql.DB
	driver string
	logger *slog.Logger

	mu       sync.RWMutex
	policies map[string]RetentionPolicy
}

const createMessagesTable = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMP,
	timestamp_iso TEXT NOT NULL,
	metadata_json TEXT
)`

const createWatermarksTable = `
CREATE TABLE IF NOT EXISTS last_processed_messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	agent_name TEXT NOT NULL,
	memory_type TEXT NOT NULL,
	timestamp TEXT NOT NULL
)`

// NewSQLStore opens a relational Message Store from a sqlite:///path.db,
// postgresql://... or mysql://... URL.
func NewSQLStore(ctx context.Context, url string, opts ...Option) (*SQLStore, error) {
	cfg := newCommonConfig(opts)

	driver, dsn, err := driverAndDSN(url)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("store: ping %s: %w", driver, err)
	}

	s := &SQLStore{db: db, driver: driver, logger: cfg.logger, policies: make(map[string]RetentionPolicy)}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func driverAndDSN(url string) (driver, dsn string, err error) {
	switch {
	case strings.HasPrefix(url, "sqlite://"):
		return "sqlite", strings.TrimPrefix(url, "sqlite://"), nil
	case strings.HasPrefix(url, "postgresql://"), strings.HasPrefix(url, "postgres://"):
		return "postgres", url, nil
	case strings.HasPrefix(url, "mysql://"):
		return "mysql", strings.TrimPrefix(url, "mysql://"), nil
	default:
		return "", "", fmt.Errorf("store: unrecognized relational backend url %q", url)
	}
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createMessagesTable); err != nil {
		return fmt.Errorf("store: create messages table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, createWatermarksTable); err != nil {
		return fmt.Errorf("store: create watermarks table: %w", err)
	}
	return nil
}

// placeholder returns the positional parameter marker for this driver: "?"
// for sqlite/mysql, "$N" for postgres.
func (s *SQLStore) placeholder(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLStore) StoreMessage(ctx context.Context, sessionID string, role models.Role, content string, metadata map[string]any) (*models.Message, error) {
	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC().Unix(),
		Metadata:  metadata,
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("store: marshal metadata: %w", err)
	}
	isoTS := time.Unix(msg.Timestamp, 0).UTC().Format(time.RFC3339)

	query := fmt.Sprintf(
		`INSERT INTO messages (id, session_id, role, content, created_at, timestamp_iso, metadata_json) VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5), s.placeholder(6), s.placeholder(7),
	)
	if _, err := s.db.ExecContext(ctx, query, msg.ID, sessionID, string(role), content, time.Now().UTC(), isoTS, string(metaJSON)); err != nil {
		s.logger.Error("sql store insert failed", "session_id", sessionID, "error", err)
		return nil, fmt.Errorf("store: insert message: %w", err)
	}
	return msg, nil
}

func (s *SQLStore) GetMessages(ctx context.Context, sessionID string, agentNameFilter string) ([]*models.Message, error) {
	query := fmt.Sprintf(`SELECT id, session_id, role, content, timestamp_iso, metadata_json FROM messages WHERE session_id = %s ORDER BY timestamp_iso ASC, id ASC`, s.placeholder(1))
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		s.logger.Error("sql store query failed", "session_id", sessionID, "error", err)
		return nil, fmt.Errorf("store: query messages: %w", err)
	}
	defer rows.Close()

	var all []*models.Message
	for rows.Next() {
		var (
			m        models.Message
			isoTS    string
			metaJSON sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &isoTS, &metaJSON); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339, isoTS); err == nil {
			m.Timestamp = ts.Unix()
		}
		if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
			if err := json.Unmarshal([]byte(metaJSON.String), &m.Metadata); err != nil {
				s.logger.Warn("sql store: undecodable metadata", "message_id", m.ID, "error", err)
			}
		}
		all = append(all, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	policy := s.policies[sessionID]
	s.mu.RUnlock()
	return applyRetention(all, agentNameFilter, policy), nil
}

func (s *SQLStore) ClearMemory(ctx context.Context, sessionID string, agentNameFilter string) error {
	if agentNameFilter == "" {
		var (
			query string
			args  []any
		)
		if sessionID == "" {
			query = `DELETE FROM messages`
		} else {
			query = fmt.Sprintf(`DELETE FROM messages WHERE session_id = %s`, s.placeholder(1))
			args = []any{sessionID}
		}
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("store: clear memory: %w", err)
		}
		return nil
	}

	// agent_name lives inside metadata_json, not a queryable column, so the
	// filtered clear reads candidate rows and deletes by id, the same
	// application-side filtering the Redis backend uses for its filtered
	// clear (see clearKey in redis.go).
	ids, err := s.matchingAgentMessageIDs(ctx, sessionID, agentNameFilter)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = s.placeholder(i + 1)
		args[i] = id
	}
	query := fmt.Sprintf(`DELETE FROM messages WHERE id IN (%s)`, strings.Join(placeholders, ", "))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: clear memory: %w", err)
	}
	return nil
}

// matchingAgentMessageIDs returns the ids of messages (optionally scoped to
// sessionID) whose metadata["agent_name"] equals agentNameFilter.
func (s *SQLStore) matchingAgentMessageIDs(ctx context.Context, sessionID, agentNameFilter string) ([]string, error) {
	var (
		query string
		args  []any
	)
	if sessionID == "" {
		query = `SELECT id, metadata_json FROM messages`
	} else {
		query = fmt.Sprintf(`SELECT id, metadata_json FROM messages WHERE session_id = %s`, s.placeholder(1))
		args = []any{sessionID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query messages for filtered clear: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var (
			id       string
			metaJSON sql.NullString
		)
		if err := rows.Scan(&id, &metaJSON); err != nil {
			return nil, fmt.Errorf("store: scan message for filtered clear: %w", err)
		}
		var metadata map[string]any
		if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
			if err := json.Unmarshal([]byte(metaJSON.String), &metadata); err != nil {
				continue
			}
		}
		if name, _ := metadata["agent_name"].(string); name == agentNameFilter {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

func (s *SQLStore) SetRetentionPolicy(sessionID string, policy RetentionPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[sessionID] = policy
}

func (s *SQLStore) SetLastProcessed(ctx context.Context, sessionID, agentName, memoryType string, ts time.Time) error {
	id := watermarkKey(sessionID, agentName, memoryType)
	del := fmt.Sprintf(`DELETE FROM last_processed_messages WHERE id = %s`, s.placeholder(1))
	if _, err := s.db.ExecContext(ctx, del, id); err != nil {
		return fmt.Errorf("store: clear watermark: %w", err)
	}
	ins := fmt.Sprintf(
		`INSERT INTO last_processed_messages (id, session_id, agent_name, memory_type, timestamp) VALUES (%s, %s, %s, %s, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5),
	)
	_, err := s.db.ExecContext(ctx, ins, id, sessionID, agentName, memoryType, ts.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: insert watermark: %w", err)
	}
	return nil
}

func (s *SQLStore) GetLastProcessed(ctx context.Context, sessionID, agentName, memoryType string) (time.Time, error) {
	id := watermarkKey(sessionID, agentName, memoryType)
	query := fmt.Sprintf(`SELECT timestamp FROM last_processed_messages WHERE id = %s`, s.placeholder(1))
	var raw string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("store: get watermark: %w", err)
	}
	return time.Parse(time.RFC3339Nano, raw)
}

// Close releases the underlying database connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
