// ABOUTME: Notifier contract, route table and the Event envelope published for every change
// ABOUTME: Routes keep the exchange, routing key and queue names of the original broker topology

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/store"
)

// Route names a logical notification channel.
type Route string

const (
	// RouteMessage carries newly sent messages.
	RouteMessage Route = "message"
	// RouteUserEvent carries per-user events such as read receipts.
	RouteUserEvent Route = "user_event"
	// RouteConversationNotification carries newly created conversations.
	RouteConversationNotification Route = "conversation"
)

// DefaultExchange is the topic exchange every route is bound to.
const DefaultExchange = "messages-exchange"

// Binding is the broker address of a route.
type Binding struct {
	Exchange   string
	RoutingKey string
	Queue      string
}

var bindings = map[Route]Binding{
	RouteMessage:                  {Exchange: DefaultExchange, RoutingKey: "messages.routing.key", Queue: "messages-queue"},
	RouteUserEvent:                {Exchange: DefaultExchange, RoutingKey: "user-events.routing.key", Queue: "user-events-queue"},
	RouteConversationNotification: {Exchange: DefaultExchange, RoutingKey: "notifications.routing.key", Queue: "notifications-queue"},
}

// Routes returns every known route in a stable order.
func Routes() []Route {
	return []Route{RouteMessage, RouteUserEvent, RouteConversationNotification}
}

// Binding returns the broker address of r. ok is false for unknown routes.
func (r Route) Binding() (Binding, bool) {
	b, ok := bindings[r]
	return b, ok
}

// ErrUnknownRoute is returned when publishing to a route with no binding.
var ErrUnknownRoute = errors.New("unknown route")

// ErrUnsupportedPayload is returned when the payload is not a conversation or message.
var ErrUnsupportedPayload = errors.New("unsupported payload")

// Notifier publishes a payload on a route. Delivery is best effort.
type Notifier interface {
	Publish(ctx context.Context, route Route, payload any) error
	Close() error
}

// Event types, one per route.
const (
	EventMessageSent         = "message.sent"
	EventMessageRead         = "message.read"
	EventConversationCreated = "conversation.created"
)

var eventTypes = map[Route]string{
	RouteMessage:                  EventMessageSent,
	RouteUserEvent:                EventMessageRead,
	RouteConversationNotification: EventConversationCreated,
}

// Event is the envelope every notifier delivers.
type Event struct {
	ID           string            `json:"id"`
	Route        Route             `json:"route"`
	Type         string            `json:"type"`
	OccurredAt   time.Time         `json:"occurred_at"`
	Conversation *ConversationView `json:"conversation,omitempty"`
	Message      *MessageView      `json:"message,omitempty"`
}

// NewEvent wraps payload in an Event for route.
// Accepted payloads are *store.Conversation, *store.Message and *Event.
func NewEvent(route Route, payload any) (*Event, error) {
	if _, ok := bindings[route]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRoute, route)
	}

	ev := &Event{
		ID:         uuid.New().String(),
		Route:      route,
		Type:       eventTypes[route],
		OccurredAt: time.Now().UTC(),
	}

	switch p := payload.(type) {
	case *store.Conversation:
		if p == nil {
			return nil, ErrUnsupportedPayload
		}
		ev.Conversation = NewConversationView(p)
	case *store.Message:
		if p == nil {
			return nil, ErrUnsupportedPayload
		}
		ev.Message = NewMessageView(p)
	case *Event:
		if p == nil {
			return nil, ErrUnsupportedPayload
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedPayload, payload)
	}
	return ev, nil
}

// Audience returns the user IDs an event concerns: conversation participants,
// or a message's sender and recipients.
func (e *Event) Audience() []string {
	switch {
	case e.Conversation != nil:
		return slices.Clone(e.Conversation.Participants)
	case e.Message != nil:
		ids := make([]string, 0, len(e.Message.Receipts)+1)
		ids = append(ids, e.Message.SenderID)
		for id := range e.Message.Receipts {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		return slices.Compact(ids)
	}
	return nil
}

// Encode returns the JSON form used on the wire.
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses an Event previously produced by Encode.
func DecodeEvent(raw []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	if _, ok := bindings[ev.Route]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRoute, ev.Route)
	}
	return &ev, nil
}
