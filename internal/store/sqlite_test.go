// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Runs the shared contract plus schema, persistence and timestamp precision checks

package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func TestSQLiteStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return setupTestStore(t)
	})
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created in nested directory")
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	first, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, first.CreateConversation(ctx, newConversation("c1", false, "alice", "bob")))
	require.NoError(t, first.CreateMessage(ctx, newMessage("m1", "c1", "alice", baseTime, "bob")))
	require.NoError(t, first.Close())

	// Schema creation and migrations must be idempotent
	second, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer second.Close()

	conv, err := second.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, conv.Participants)

	msgs, err := second.ListMessagesByConversation(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsRecipient("bob"))
}

func TestSQLiteStore_SubSecondOrdering(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateConversation(ctx, newConversation("c1", false, "alice", "bob")))

	// 9 and 10 nanoseconds apart: lexicographic order must match time order
	t0 := baseTime.Add(9 * time.Nanosecond)
	t1 := baseTime.Add(10 * time.Nanosecond)
	require.NoError(t, store.CreateMessage(ctx, newMessage("zz", "c1", "alice", t0, "bob")))
	require.NoError(t, store.CreateMessage(ctx, newMessage("aa", "c1", "alice", t1, "bob")))

	msgs, err := store.ListMessagesByConversation(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "zz", msgs[0].ID)
	assert.True(t, msgs[0].Timestamp.Equal(t0))
	assert.True(t, msgs[1].Timestamp.Equal(t1))
}

func TestSQLiteStore_MessageTypeCheck(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateConversation(ctx, newConversation("c1", false, "alice", "bob")))

	msg := newMessage("m1", "c1", "alice", baseTime, "bob")
	msg.Type = MessageType("STICKER")
	assert.Error(t, store.CreateMessage(ctx, msg))
}

func TestSQLiteStore_UpdateConversationConcurrent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateConversation(ctx, newConversation("c1", false, "alice", "bob")))

	a, err := store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	b, err := store.GetConversation(ctx, "c1")
	require.NoError(t, err)

	a.ParticipantStatus["alice"] = ParticipantStatus{UnreadCount: 1, LastSeen: baseTime}
	require.NoError(t, store.UpdateConversation(ctx, a))

	b.ParticipantStatus["bob"] = ParticipantStatus{UnreadCount: 1, LastSeen: baseTime}
	require.ErrorIs(t, store.UpdateConversation(ctx, b), ErrConflict)

	// The losing write must not have touched participant rows
	got, err := store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.ParticipantStatus["alice"].UnreadCount)
	assert.Equal(t, 0, got.ParticipantStatus["bob"].UnreadCount)
}

func TestSQLiteStore_PragmasOnEveryConnection(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// Hold several connections at once so the pool has to open new ones
	conns := make([]*sql.Conn, 0, 4)
	for range 4 {
		conn, err := store.db.Conn(ctx)
		require.NoError(t, err)
		conns = append(conns, conn)
	}
	t.Cleanup(func() {
		for _, c := range conns {
			c.Close()
		}
	})

	for i, conn := range conns {
		var timeout, fk int
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout))
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk))
		assert.Equal(t, 5000, timeout, "conn %d", i)
		assert.Equal(t, 1, fk, "conn %d", i)
	}
}
