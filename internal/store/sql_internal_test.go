package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightloop/agentcore/pkg/models"
)

// newMockedSQLStore builds an *SQLStore around a sqlmock connection, bypassing
// NewSQLStore's driver dial so these tests need no live database.
func newMockedSQLStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return &SQLStore{db: db, driver: "postgres", policies: make(map[string]RetentionPolicy), logger: discardLogger()}, mock
}

func TestSQLStoreStoreMessage(t *testing.T) {
	s, mock := newMockedSQLStore(t)
	mock.ExpectExec("INSERT INTO messages").
		WithArgs(sqlmock.AnyArg(), "s1", "user", "hello", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	msg, err := s.StoreMessage(context.Background(), "s1", models.RoleUser, "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreGetMessagesOrdering(t *testing.T) {
	s, mock := newMockedSQLStore(t)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "session_id", "role", "content", "timestamp_iso", "metadata_json"}).
		AddRow("m1", "s1", "user", "first", now.Format(time.RFC3339), `{"agent_name":"a"}`).
		AddRow("m2", "s1", "assistant", "second", now.Add(time.Second).Format(time.RFC3339), nil)
	mock.ExpectQuery("SELECT id, session_id, role, content").WithArgs("s1").WillReturnRows(rows)

	msgs, err := s.GetMessages(context.Background(), "s1", "")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "a", msgs[0].Metadata["agent_name"])
	assert.Equal(t, "second", msgs[1].Content)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreClearMemoryByAgentNameDeletesOnlyMatchingRows(t *testing.T) {
	s, mock := newMockedSQLStore(t)
	rows := sqlmock.NewRows([]string{"id", "metadata_json"}).
		AddRow("m1", `{"agent_name":"researcher"}`).
		AddRow("m2", `{"agent_name":"other"}`).
		AddRow("m3", `{"agent_name":"researcher"}`)
	mock.ExpectQuery("SELECT id, metadata_json FROM messages WHERE session_id").
		WithArgs("s1").WillReturnRows(rows)
	mock.ExpectExec("DELETE FROM messages WHERE id IN").
		WithArgs("m1", "m3").WillReturnResult(sqlmock.NewResult(0, 2))

	err := s.ClearMemory(context.Background(), "s1", "researcher")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreClearMemoryByAgentNameNoMatchesSkipsDelete(t *testing.T) {
	s, mock := newMockedSQLStore(t)
	rows := sqlmock.NewRows([]string{"id", "metadata_json"}).
		AddRow("m1", `{"agent_name":"other"}`)
	mock.ExpectQuery("SELECT id, metadata_json FROM messages WHERE session_id").
		WithArgs("s1").WillReturnRows(rows)

	err := s.ClearMemory(context.Background(), "s1", "researcher")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStorePlaceholderPerDriver(t *testing.T) {
	pg := &SQLStore{driver: "postgres"}
	assert.Equal(t, "$2", pg.placeholder(2))

	lite := &SQLStore{driver: "sqlite"}
	assert.Equal(t, "?", lite.placeholder(2))
}

func TestDriverAndDSN(t *testing.T) {
	cases := map[string]string{
		"sqlite:///tmp/x.db":            "sqlite",
		"postgresql://localhost/db":     "postgres",
		"postgres://localhost/db":       "postgres",
		"mysql://user:pw@tcp(h:3306)/d": "mysql",
	}
	for url, want := range cases {
		driver, _, err := driverAndDSN(url)
		require.NoError(t, err)
		assert.Equal(t, want, driver)
	}

	_, _, err := driverAndDSN("bogus://x")
	assert.Error(t, err)
}
