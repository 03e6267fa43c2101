// ABOUTME: Request and response bodies for the HTTP API
// ABOUTME: Decoding checks shape only; the managers own the domain rules

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/notify"
	"github.com/2389/parley/internal/store"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// CreateConversationBody is the body of POST /api/conversations.
// The caller is added to Participants if missing.
type CreateConversationBody struct {
	Participants []string `json:"participants"`
	Title        string   `json:"title,omitempty"`
	IsGroup      bool     `json:"is_group"`
	IconURL      string   `json:"icon_url,omitempty"`
}

func (b CreateConversationBody) toRequest(callerID string) conversation.CreateConversationRequest {
	participants := b.Participants
	if !slices.Contains(participants, callerID) {
		participants = append([]string{callerID}, participants...)
	}
	return conversation.CreateConversationRequest{
		Participants: participants,
		Title:        strings.TrimSpace(b.Title),
		IsGroup:      b.IsGroup,
		IconURL:      strings.TrimSpace(b.IconURL),
	}
}

// SendMessageBody is the body of POST /api/conversations/{id}/messages.
type SendMessageBody struct {
	Content         string `json:"content"`
	Type            string `json:"type,omitempty"`
	AttachmentURL   string `json:"attachment_url,omitempty"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

func (b SendMessageBody) toRequest(conversationID, callerID string) conversation.SendMessageRequest {
	return conversation.SendMessageRequest{
		ConversationID:  conversationID,
		SenderID:        callerID,
		Content:         b.Content,
		Type:            store.MessageType(b.Type),
		AttachmentURL:   strings.TrimSpace(b.AttachmentURL),
		ClientMessageID: strings.TrimSpace(b.ClientMessageID),
	}
}

// UnreadBody is the body of POST /api/conversations/{id}/unread.
type UnreadBody struct {
	Increment *bool `json:"increment"`
}

type conversationsResponse struct {
	Conversations []*notify.ConversationView `json:"conversations"`
}

type messagesResponse struct {
	Messages []*notify.MessageView `json:"messages"`
}

type readResponse struct {
	Read bool `json:"read"`
}

type markedResponse struct {
	Marked int `json:"marked"`
}

func conversationViews(convs []*store.Conversation) []*notify.ConversationView {
	out := make([]*notify.ConversationView, 0, len(convs))
	for _, c := range convs {
		out = append(out, notify.NewConversationView(c))
	}
	return out
}

func messageViews(msgs []*store.Message) []*notify.MessageView {
	out := make([]*notify.MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, notify.NewMessageView(m))
	}
	return out
}

// decodeBody reads a single JSON object into dst, rejecting unknown fields.
// Malformed bodies come back as validation errors.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return conversation.ValidationError("request body exceeds %d bytes", maxErr.Limit)
		case errors.Is(err, io.EOF):
			return conversation.ValidationError("request body is empty")
		default:
			return conversation.ValidationError("invalid JSON body: %v", err)
		}
	}
	if dec.More() {
		return conversation.ValidationError("request body must contain a single JSON object")
	}
	return nil
}

func (b CreateConversationBody) validate() error {
	if len(b.Participants) == 0 {
		return conversation.ValidationError("participants is required")
	}
	return nil
}

func (b UnreadBody) validate() error {
	if b.Increment == nil {
		return conversation.ValidationError("increment is required")
	}
	return nil
}

// conversationKind parses the kind query parameter of GET /api/conversations.
func conversationKind(r *http.Request) (string, error) {
	kind := r.URL.Query().Get("kind")
	switch kind {
	case "", "all":
		return "all", nil
	case "group", "direct":
		return kind, nil
	}
	return "", conversation.ValidationError("kind must be all, group or direct, got %q", kind)
}
