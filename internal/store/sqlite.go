// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists users, conversations, participants, messages and read receipts with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// sqliteDSN applies per-connection pragmas through the DSN so every pooled
// connection gets them, not just the one that ran an Exec. With busy_timeout
// writers queue behind each other instead of failing with SQLITE_BUSY.
func sqliteDSN(path string) string {
	return path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id           TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			created_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			title           TEXT NOT NULL DEFAULT '',
			is_group        INTEGER NOT NULL,
			icon_url        TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL,
			last_activity   TEXT NOT NULL,
			last_message_id TEXT NOT NULL DEFAULT '',
			direct_key      TEXT NOT NULL DEFAULT '',
			version         INTEGER NOT NULL DEFAULT 0
		);

		-- At most one direct conversation per unordered participant pair
		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_direct_key
			ON conversations(direct_key) WHERE direct_key != '';

		CREATE INDEX IF NOT EXISTS idx_conversations_last_activity
			ON conversations(last_activity DESC);

		CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			user_id         TEXT NOT NULL,
			position        INTEGER NOT NULL,
			unread_count    INTEGER NOT NULL DEFAULT 0,
			last_seen       TEXT NOT NULL,

			PRIMARY KEY (conversation_id, user_id)
		);

		CREATE INDEX IF NOT EXISTS idx_participants_user
			ON conversation_participants(user_id);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			sender_id       TEXT NOT NULL,
			content         TEXT NOT NULL,
			type            TEXT NOT NULL,
			attachment_url  TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL,

			CHECK (type IN ('TEXT', 'IMAGE', 'FILE', 'AUDIO', 'VIDEO'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS message_receipts (
			message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			user_id    TEXT NOT NULL,
			read_at    TEXT,

			PRIMARY KEY (message_id, user_id)
		);

		CREATE INDEX IF NOT EXISTS idx_receipts_unread
			ON message_receipts(user_id) WHERE read_at IS NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "messages",
			column: "client_message_id",
			apply:  `ALTER TABLE messages ADD COLUMN client_message_id TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateUser inserts a user into the directory.
// Returns ErrDuplicateUser if the ID is taken.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, display_name, created_at) VALUES (?, ?, ?)`,
		user.ID, user.DisplayName, formatTime(user.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateUser
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	s.logger.Debug("created user", "id", user.ID)
	return nil
}

// GetUser retrieves a user by ID.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	var createdAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, created_at FROM users WHERE id = ?`, id,
	).Scan(&user.ID, &user.DisplayName, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	user.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &user, nil
}

// UserExists reports whether a user with the given ID exists.
func (s *SQLiteStore) UserExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying user: %w", err)
	}
	return true, nil
}

// CreateConversation inserts a conversation and its participant rows.
// Returns ErrDuplicateConversation if the ID is taken or a direct conversation
// for the same pair already exists.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations
			(id, title, is_group, icon_url, created_at, last_activity, last_message_id, direct_key, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		conv.ID,
		conv.Title,
		conv.IsGroup,
		conv.IconURL,
		formatTime(conv.CreatedAt),
		formatTime(conv.LastActivity),
		conv.LastMessageID,
		directKey(conv),
		conv.Version,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	for i, userID := range conv.Participants {
		status := conv.ParticipantStatus[userID]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, position, unread_count, last_seen)
			VALUES (?, ?, ?, ?, ?)
		`, conv.ID, userID, i, status.UnreadCount, formatTime(status.LastSeen))
		if err != nil {
			return fmt.Errorf("inserting participant %s: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "is_group", conv.IsGroup)
	return nil
}

const conversationColumns = `c.id, c.title, c.is_group, c.icon_url, c.created_at, c.last_activity, c.last_message_id, c.version`

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	convs, err := s.queryConversations(ctx,
		`SELECT `+conversationColumns+` FROM conversations c WHERE c.id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return nil, ErrNotFound
	}
	return convs[0], nil
}

// UpdateConversation writes mutable conversation fields and participant status
// when the stored version matches conv.Version.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET title = ?, icon_url = ?, last_activity = ?, last_message_id = ?, version = version + 1
		WHERE id = ? AND version = ?
	`,
		conv.Title,
		conv.IconURL,
		formatTime(conv.LastActivity),
		conv.LastMessageID,
		conv.ID,
		conv.Version,
	)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conv.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying conversation: %w", err)
		}
		return ErrConflict
	}

	for userID, status := range conv.ParticipantStatus {
		_, err := tx.ExecContext(ctx, `
			UPDATE conversation_participants
			SET unread_count = ?, last_seen = ?
			WHERE conversation_id = ? AND user_id = ?
		`, status.UnreadCount, formatTime(status.LastSeen), conv.ID, userID)
		if err != nil {
			return fmt.Errorf("updating participant %s: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation: %w", err)
	}

	conv.Version++
	return nil
}

// ListConversationsByParticipant returns conversations userID belongs to,
// most recent activity first.
func (s *SQLiteStore) ListConversationsByParticipant(ctx context.Context, userID string) ([]*Conversation, error) {
	return s.queryConversations(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.last_activity DESC, c.id
	`, userID)
}

// ListConversationsWithParticipants returns conversations of the given kind
// that contain both a and b.
func (s *SQLiteStore) ListConversationsWithParticipants(ctx context.Context, a, b string, isGroup bool) ([]*Conversation, error) {
	return s.queryConversations(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations c
		WHERE c.is_group = ?
			AND EXISTS (SELECT 1 FROM conversation_participants p WHERE p.conversation_id = c.id AND p.user_id = ?)
			AND EXISTS (SELECT 1 FROM conversation_participants p WHERE p.conversation_id = c.id AND p.user_id = ?)
		ORDER BY c.last_activity DESC, c.id
	`, isGroup, a, b)
}

// ListConversationsByParticipantAndGroup returns userID's conversations of one kind.
func (s *SQLiteStore) ListConversationsByParticipantAndGroup(ctx context.Context, userID string, isGroup bool) ([]*Conversation, error) {
	return s.queryConversations(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = ? AND c.is_group = ?
		ORDER BY c.last_activity DESC, c.id
	`, userID, isGroup)
}

// queryConversations runs a query selecting conversationColumns and attaches
// participants to each result. Rows are drained before participants are loaded.
func (s *SQLiteStore) queryConversations(ctx context.Context, query string, args ...any) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	convs := make([]*Conversation, 0)
	for rows.Next() {
		var conv Conversation
		var createdAt, lastActivity string

		if err := rows.Scan(
			&conv.ID,
			&conv.Title,
			&conv.IsGroup,
			&conv.IconURL,
			&createdAt,
			&lastActivity,
			&conv.LastMessageID,
			&conv.Version,
		); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}

		if conv.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if conv.LastActivity, err = parseTime(lastActivity); err != nil {
			return nil, fmt.Errorf("parsing last_activity: %w", err)
		}
		convs = append(convs, &conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	rows.Close()

	for _, conv := range convs {
		if err := s.loadParticipants(ctx, conv); err != nil {
			return nil, err
		}
	}
	return convs, nil
}

func (s *SQLiteStore) loadParticipants(ctx context.Context, conv *Conversation) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, unread_count, last_seen
		FROM conversation_participants
		WHERE conversation_id = ?
		ORDER BY position
	`, conv.ID)
	if err != nil {
		return fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	conv.Participants = make([]string, 0, 2)
	conv.ParticipantStatus = make(map[string]ParticipantStatus)
	for rows.Next() {
		var userID, lastSeen string
		var status ParticipantStatus
		if err := rows.Scan(&userID, &status.UnreadCount, &lastSeen); err != nil {
			return fmt.Errorf("scanning participant: %w", err)
		}
		if status.LastSeen, err = parseTime(lastSeen); err != nil {
			return fmt.Errorf("parsing last_seen: %w", err)
		}
		conv.Participants = append(conv.Participants, userID)
		conv.ParticipantStatus[userID] = status
	}
	return rows.Err()
}

// CreateMessage inserts a message and one receipt row per recipient.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages
			(id, conversation_id, sender_id, content, type, attachment_url, client_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ConversationID,
		msg.SenderID,
		msg.Content,
		string(msg.Type),
		msg.AttachmentURL,
		msg.ClientMessageID,
		formatTime(msg.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	for userID, readAt := range msg.Receipts {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO message_receipts (message_id, user_id, read_at) VALUES (?, ?, ?)`,
			msg.ID, userID, nullTime(readAt),
		)
		if err != nil {
			return fmt.Errorf("inserting receipt for %s: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "conversation_id", msg.ConversationID)
	return nil
}

// nullTime converts a receipt timestamp to a SQL value, nil stays NULL
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

const messageColumns = `m.id, m.conversation_id, m.sender_id, m.content, m.type, m.attachment_url, m.client_message_id, m.created_at`

// GetMessage retrieves a message by ID.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	msgs, err := s.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages m WHERE m.id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return msgs[0], nil
}

// UpdateMessage records read receipts. COALESCE keeps the first read time,
// so a stale copy of the message cannot mark a receipt unread again.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, msg *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, msg.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying message: %w", err)
	}

	for userID, readAt := range msg.Receipts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO message_receipts (message_id, user_id, read_at) VALUES (?, ?, ?)
			ON CONFLICT (message_id, user_id) DO UPDATE SET read_at = COALESCE(message_receipts.read_at, excluded.read_at)
		`, msg.ID, userID, nullTime(readAt))
		if err != nil {
			return fmt.Errorf("updating receipt for %s: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing receipts: %w", err)
	}
	return nil
}

// ListMessagesByConversation returns a conversation's messages in timestamp order.
func (s *SQLiteStore) ListMessagesByConversation(ctx context.Context, conversationID string) ([]*Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.conversation_id = ?
		ORDER BY m.created_at, m.id
	`, conversationID)
}

// ListUnreadMessages returns messages where userID holds an unread receipt.
func (s *SQLiteStore) ListUnreadMessages(ctx context.Context, userID string) ([]*Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN message_receipts r ON r.message_id = m.id
		WHERE r.user_id = ? AND r.read_at IS NULL
		ORDER BY m.created_at, m.id
	`, userID)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]*Message, 0)
	for rows.Next() {
		var msg Message
		var msgType, createdAt string

		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.SenderID,
			&msg.Content,
			&msgType,
			&msg.AttachmentURL,
			&msg.ClientMessageID,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}

		msg.Type = MessageType(msgType)
		if msg.Timestamp, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	rows.Close()

	for _, msg := range msgs {
		if err := s.loadReceipts(ctx, msg); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

func (s *SQLiteStore) loadReceipts(ctx context.Context, msg *Message) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, read_at FROM message_receipts WHERE message_id = ?`, msg.ID)
	if err != nil {
		return fmt.Errorf("querying receipts: %w", err)
	}
	defer rows.Close()

	msg.Receipts = make(map[string]*time.Time)
	for rows.Next() {
		var userID string
		var readAt sql.NullString
		if err := rows.Scan(&userID, &readAt); err != nil {
			return fmt.Errorf("scanning receipt: %w", err)
		}
		if !readAt.Valid {
			msg.Receipts[userID] = nil
			continue
		}
		t, err := parseTime(readAt.String)
		if err != nil {
			return fmt.Errorf("parsing read_at: %w", err)
		}
		msg.Receipts[userID] = &t
	}
	return rows.Err()
}
