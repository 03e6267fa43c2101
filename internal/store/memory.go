// ABOUTME: In-memory Store implementation used for tests and the "memory" driver
// ABOUTME: Mirrors the SQLite constraints: unique direct pairs, versioned updates, copies in and out

package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]*User         // keyed by user ID
	conversations map[string]*Conversation // keyed by conversation ID
	directIndex   map[string]string        // direct pair key -> conversation ID
	messages      map[string]*Message      // keyed by message ID
	byConv        map[string][]string      // conversation ID -> message IDs in insertion order
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]*User),
		conversations: make(map[string]*Conversation),
		directIndex:   make(map[string]string),
		messages:      make(map[string]*Message),
		byConv:        make(map[string][]string),
	}
}

var _ Store = (*MemoryStore)(nil)

// CreateUser stores a new user.
func (m *MemoryStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[user.ID]; ok {
		return ErrDuplicateUser
	}
	u := *user
	m.users[u.ID] = &u
	return nil
}

// GetUser retrieves a user by ID.
func (m *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// UserExists reports whether the user is in the directory.
func (m *MemoryStore) UserExists(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.users[id]
	return ok, nil
}

// CreateConversation stores a new conversation.
func (m *MemoryStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conv.ID]; ok {
		return ErrDuplicateConversation
	}

	// Match the UNIQUE index on direct_key in SQLite
	key := directKey(conv)
	if key != "" {
		if _, ok := m.directIndex[key]; ok {
			return ErrDuplicateConversation
		}
		m.directIndex[key] = conv.ID
	}

	m.conversations[conv.ID] = conv.Clone()
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MemoryStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// UpdateConversation replaces a conversation if its version matches.
func (m *MemoryStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.conversations[conv.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != conv.Version {
		return ErrConflict
	}

	conv.Version++
	m.conversations[conv.ID] = conv.Clone()
	return nil
}

// ListConversationsByParticipant returns conversations userID belongs to.
func (m *MemoryStore) ListConversationsByParticipant(ctx context.Context, userID string) ([]*Conversation, error) {
	return m.filterConversations(func(c *Conversation) bool {
		return c.HasParticipant(userID)
	}), nil
}

// ListConversationsWithParticipants returns conversations containing both a and b.
func (m *MemoryStore) ListConversationsWithParticipants(ctx context.Context, a, b string, isGroup bool) ([]*Conversation, error) {
	return m.filterConversations(func(c *Conversation) bool {
		return c.IsGroup == isGroup && c.HasParticipant(a) && c.HasParticipant(b)
	}), nil
}

// ListConversationsByParticipantAndGroup returns userID's conversations of one kind.
func (m *MemoryStore) ListConversationsByParticipantAndGroup(ctx context.Context, userID string, isGroup bool) ([]*Conversation, error) {
	return m.filterConversations(func(c *Conversation) bool {
		return c.IsGroup == isGroup && c.HasParticipant(userID)
	}), nil
}

func (m *MemoryStore) filterConversations(keep func(*Conversation) bool) []*Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Conversation, 0)
	for _, c := range m.conversations {
		if keep(c) {
			result = append(result, c.Clone())
		}
	}
	SortConversations(result)
	return result
}

// CreateMessage stores a new message.
func (m *MemoryStore) CreateMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages[msg.ID] = msg.Clone()
	m.byConv[msg.ConversationID] = append(m.byConv[msg.ConversationID], msg.ID)
	return nil
}

// GetMessage retrieves a message by ID.
func (m *MemoryStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return msg.Clone(), nil
}

// UpdateMessage records read receipts; existing reads are kept.
func (m *MemoryStore) UpdateMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.messages[msg.ID]
	if !ok {
		return ErrNotFound
	}
	updated := existing.Clone()
	for userID, readAt := range msg.Clone().Receipts {
		if current, ok := updated.Receipts[userID]; ok && current != nil {
			continue
		}
		updated.Receipts[userID] = readAt
	}
	m.messages[msg.ID] = updated
	return nil
}

// ListMessagesByConversation returns a conversation's messages in timestamp order.
func (m *MemoryStore) ListMessagesByConversation(ctx context.Context, conversationID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byConv[conversationID]
	result := make([]*Message, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.messages[id].Clone())
	}
	SortMessages(result)
	return result, nil
}

// ListUnreadMessages returns messages userID has not read yet.
func (m *MemoryStore) ListUnreadMessages(ctx context.Context, userID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Message, 0)
	for _, msg := range m.messages {
		if msg.IsRecipient(userID) && !msg.ReadBy(userID) {
			result = append(result, msg.Clone())
		}
	}
	SortMessages(result)
	return result, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
