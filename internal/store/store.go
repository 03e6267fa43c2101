// ABOUTME: Store interfaces and data types for parley persistence
// ABOUTME: Defines Conversation, Message, User and the access patterns the managers rely on

package store

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when a direct conversation for the same
// participant pair already exists
var ErrDuplicateConversation = errors.New("direct conversation already exists")

// ErrDuplicateUser is returned when creating a user whose ID is taken
var ErrDuplicateUser = errors.New("user already exists")

// ErrConflict is returned by optimistic updates when the stored version moved on
var ErrConflict = errors.New("version conflict")

// MessageType enumerates message payload kinds
type MessageType string

const (
	MessageTypeText  MessageType = "TEXT"
	MessageTypeImage MessageType = "IMAGE"
	MessageTypeFile  MessageType = "FILE"
	MessageTypeAudio MessageType = "AUDIO"
	MessageTypeVideo MessageType = "VIDEO"
)

// MessageTypes lists every valid MessageType.
var MessageTypes = []MessageType{
	MessageTypeText,
	MessageTypeImage,
	MessageTypeFile,
	MessageTypeAudio,
	MessageTypeVideo,
}

// ParseMessageType resolves a type name case-insensitively.
func ParseMessageType(s string) (MessageType, bool) {
	t := MessageType(strings.ToUpper(strings.TrimSpace(s)))
	if slices.Contains(MessageTypes, t) {
		return t, true
	}
	return "", false
}

// User is an entry in the user directory
type User struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

// ParticipantStatus is per-participant bookkeeping on a conversation
type ParticipantStatus struct {
	UnreadCount int
	LastSeen    time.Time
}

// Conversation is a direct or group conversation between users
type Conversation struct {
	ID                string
	Participants      []string // insertion order preserved
	Title             string
	IsGroup           bool
	IconURL           string
	CreatedAt         time.Time
	LastActivity      time.Time
	LastMessageID     string // empty until the first send
	ParticipantStatus map[string]ParticipantStatus
	Version           int64 // bumped by every UpdateConversation
}

// HasParticipant reports whether userID is a member.
func (c *Conversation) HasParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Participants = slices.Clone(c.Participants)
	out.ParticipantStatus = make(map[string]ParticipantStatus, len(c.ParticipantStatus))
	for k, v := range c.ParticipantStatus {
		out.ParticipantStatus[k] = v
	}
	return &out
}

// DirectKey returns the order-independent key of a participant pair.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "\x00" + b
}

// directKey is the uniqueness key stored alongside a conversation; empty for groups
// and for anything that is not exactly two participants.
func directKey(c *Conversation) string {
	if c.IsGroup || len(c.Participants) != 2 {
		return ""
	}
	return DirectKey(c.Participants[0], c.Participants[1])
}

// Message is a single message within a conversation.
// Receipts has one entry per intended recipient: nil means unread.
type Message struct {
	ID              string
	ConversationID  string
	SenderID        string
	Content         string
	Type            MessageType
	AttachmentURL   string
	ClientMessageID string
	Timestamp       time.Time
	Receipts        map[string]*time.Time
}

// Read reports whether every recipient has read the message.
func (m *Message) Read() bool {
	if len(m.Receipts) == 0 {
		return false
	}
	for _, at := range m.Receipts {
		if at == nil {
			return false
		}
	}
	return true
}

// IsRecipient reports whether userID is an intended recipient.
func (m *Message) IsRecipient(userID string) bool {
	_, ok := m.Receipts[userID]
	return ok
}

// ReadBy reports whether userID has read the message.
func (m *Message) ReadBy(userID string) bool {
	return m.Receipts[userID] != nil
}

// Recipients returns recipient IDs in sorted order.
func (m *Message) Recipients() []string {
	ids := make([]string, 0, len(m.Receipts))
	for id := range m.Receipts {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Receipts = make(map[string]*time.Time, len(m.Receipts))
	for k, v := range m.Receipts {
		if v != nil {
			t := *v
			out.Receipts[k] = &t
		} else {
			out.Receipts[k] = nil
		}
	}
	return &out
}

// SortMessages orders messages by timestamp ascending, ties broken by ID.
func SortMessages(msgs []*Message) {
	slices.SortStableFunc(msgs, func(a, b *Message) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// SortConversations orders conversations by last activity, most recent first.
func SortConversations(convs []*Conversation) {
	slices.SortStableFunc(convs, func(a, b *Conversation) int {
		if c := b.LastActivity.Compare(a.LastActivity); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// UserStore is the user directory
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	UserExists(ctx context.Context, id string) (bool, error)
}

// ConversationStore persists conversations
type ConversationStore interface {
	// CreateConversation inserts a new conversation. Returns ErrDuplicateConversation
	// when a direct conversation for the same pair exists.
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// UpdateConversation writes conv if the stored version equals conv.Version and
	// bumps conv.Version on success. Returns ErrConflict otherwise.
	UpdateConversation(ctx context.Context, conv *Conversation) error
	ListConversationsByParticipant(ctx context.Context, userID string) ([]*Conversation, error)
	ListConversationsWithParticipants(ctx context.Context, a, b string, isGroup bool) ([]*Conversation, error)
	ListConversationsByParticipantAndGroup(ctx context.Context, userID string, isGroup bool) ([]*Conversation, error)
}

// MessageStore persists messages and their read receipts
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	// UpdateMessage records the read receipts set on msg. A receipt that is
	// already read is never reset to unread.
	UpdateMessage(ctx context.Context, msg *Message) error
	// ListMessagesByConversation returns messages ordered by timestamp ascending.
	ListMessagesByConversation(ctx context.Context, conversationID string) ([]*Message, error)
	// ListUnreadMessages returns messages where userID holds an unread receipt.
	ListUnreadMessages(ctx context.Context, userID string) ([]*Message, error)
}

// Store is the complete persistence surface
type Store interface {
	UserStore
	ConversationStore
	MessageStore

	// Ping checks the backend is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
