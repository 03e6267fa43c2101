// Package store provides persistence for users, conversations and messages.
//
// # Architecture
//
// Store is composed of three narrow interfaces so callers can depend on only
// what they use:
//
//   - UserStore: the user directory
//   - ConversationStore: conversations with per-participant status
//   - MessageStore: messages with per-recipient read receipts
//
// Three implementations satisfy Store:
//
//   - SQLiteStore: modernc.org/sqlite, WAL mode, schema created on open
//   - MongoStore: MongoDB via the official v2 driver
//   - MemoryStore: maps behind a mutex, for tests and the "memory" driver
//
// # Constraints
//
// Every implementation enforces the same rules:
//
//   - At most one direct conversation exists per unordered participant pair.
//     A second insert returns ErrDuplicateConversation.
//   - UpdateConversation is a compare-and-swap on Conversation.Version and
//     returns ErrConflict when another writer got there first.
//   - UpdateMessage never turns a read receipt back to unread.
//   - Values are copied in and out; callers never share memory with the store.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// Use NewSQLiteStore(":memory:") or NewMemoryStore() in tests.
package store
