// ABOUTME: JSON views of conversations and messages shared by events and HTTP responses
// ABOUTME: Keeps the wire shape in one place so SSE payloads match REST bodies

package notify

import (
	"time"

	"github.com/2389/parley/internal/store"
)

// ParticipantStatusView is the wire form of store.ParticipantStatus.
type ParticipantStatusView struct {
	UnreadCount int       `json:"unread_count"`
	LastSeen    time.Time `json:"last_seen"`
}

// ConversationView is the wire form of store.Conversation.
type ConversationView struct {
	ID                string                           `json:"id"`
	Participants      []string                         `json:"participants"`
	Title             string                           `json:"title,omitempty"`
	IsGroup           bool                             `json:"is_group"`
	IconURL           string                           `json:"icon_url,omitempty"`
	CreatedAt         time.Time                        `json:"created_at"`
	LastActivity      time.Time                        `json:"last_activity"`
	LastMessageID     string                           `json:"last_message_id,omitempty"`
	ParticipantStatus map[string]ParticipantStatusView `json:"participant_status"`
}

// NewConversationView converts a stored conversation.
func NewConversationView(c *store.Conversation) *ConversationView {
	v := &ConversationView{
		ID:                c.ID,
		Participants:      append([]string(nil), c.Participants...),
		Title:             c.Title,
		IsGroup:           c.IsGroup,
		IconURL:           c.IconURL,
		CreatedAt:         c.CreatedAt,
		LastActivity:      c.LastActivity,
		LastMessageID:     c.LastMessageID,
		ParticipantStatus: make(map[string]ParticipantStatusView, len(c.ParticipantStatus)),
	}
	for id, s := range c.ParticipantStatus {
		v.ParticipantStatus[id] = ParticipantStatusView{UnreadCount: s.UnreadCount, LastSeen: s.LastSeen}
	}
	return v
}

// MessageView is the wire form of store.Message.
// Receipts maps each recipient to the time they read the message, null while unread.
type MessageView struct {
	ID              string                `json:"id"`
	ConversationID  string                `json:"conversation_id"`
	SenderID        string                `json:"sender_id"`
	Content         string                `json:"content"`
	Type            store.MessageType     `json:"type"`
	AttachmentURL   string                `json:"attachment_url,omitempty"`
	ClientMessageID string                `json:"client_message_id,omitempty"`
	Timestamp       time.Time             `json:"timestamp"`
	Read            bool                  `json:"read"`
	Receipts        map[string]*time.Time `json:"receipts"`
}

// NewMessageView converts a stored message.
func NewMessageView(m *store.Message) *MessageView {
	cp := m.Clone()
	return &MessageView{
		ID:              cp.ID,
		ConversationID:  cp.ConversationID,
		SenderID:        cp.SenderID,
		Content:         cp.Content,
		Type:            cp.Type,
		AttachmentURL:   cp.AttachmentURL,
		ClientMessageID: cp.ClientMessageID,
		Timestamp:       cp.Timestamp,
		Read:            cp.Read(),
		Receipts:        cp.Receipts,
	}
}
