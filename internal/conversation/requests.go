// ABOUTME: Typed requests for creating conversations and sending messages
// ABOUTME: Validation normalizes participants and enforces content and type rules

package conversation

import (
	"strings"

	"github.com/2389/parley/internal/store"
)

// CreateConversationRequest describes a new conversation.
type CreateConversationRequest struct {
	Participants []string
	Title        string
	IsGroup      bool
	IconURL      string
}

// normalizedParticipants trims IDs and drops duplicates, keeping the first
// occurrence. It rejects empty IDs, fewer than two distinct members, and
// direct conversations with more than two.
func (r CreateConversationRequest) normalizedParticipants() ([]string, error) {
	seen := make(map[string]bool, len(r.Participants))
	out := make([]string, 0, len(r.Participants))
	for _, p := range r.Participants {
		id := strings.TrimSpace(p)
		if id == "" {
			return nil, ValidationError("participant ids must not be empty")
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}

	if len(out) < 2 {
		return nil, ValidationError("a conversation needs at least 2 distinct participants, got %d", len(out))
	}
	if !r.IsGroup && len(out) > 2 {
		return nil, ValidationError("a direct conversation has exactly 2 participants, got %d", len(out))
	}
	return out, nil
}

// SendMessageRequest describes a message to send. An empty Type means TEXT.
type SendMessageRequest struct {
	ConversationID  string
	SenderID        string
	Content         string
	Type            store.MessageType
	AttachmentURL   string
	ClientMessageID string
}

// validate returns the resolved message type.
func (r SendMessageRequest) validate() (store.MessageType, error) {
	if strings.TrimSpace(r.ConversationID) == "" {
		return "", ValidationError("conversation id is required")
	}
	if strings.TrimSpace(r.SenderID) == "" {
		return "", ValidationError("sender id is required")
	}

	msgType := store.MessageTypeText
	if r.Type != "" {
		t, ok := store.ParseMessageType(string(r.Type))
		if !ok {
			return "", ValidationError("unknown message type %q", r.Type)
		}
		msgType = t
	}

	hasAttachment := strings.TrimSpace(r.AttachmentURL) != ""
	if msgType != store.MessageTypeText && !hasAttachment {
		return "", ValidationError("%s messages require an attachment url", msgType)
	}
	if strings.TrimSpace(r.Content) == "" && !hasAttachment {
		return "", ValidationError("message content is required")
	}
	return msgType, nil
}
