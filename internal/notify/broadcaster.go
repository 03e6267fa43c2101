// ABOUTME: In-memory fan-out event broadcaster for connected clients
// ABOUTME: Delivers each Event to the subscribers of every user in its audience

package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Broadcaster provides in-memory pub/sub of Events keyed by user ID.
// It is itself a Notifier, and can also be fed by a broker forwarder.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // userID -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

var _ Notifier = (*Broadcaster)(nil)

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events concerning userID.
// Returns a channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, userID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[userID]; !ok {
		b.subscribers[userID] = make(map[string]chan *Event)
	}
	b.subscribers[userID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "user_id", userID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(userID, subID)
	}()

	return ch, subID
}

// Publish wraps payload in an Event and delivers it. It never blocks on slow
// subscribers.
func (b *Broadcaster) Publish(ctx context.Context, route Route, payload any) error {
	ev, err := NewEvent(route, payload)
	if err != nil {
		return err
	}
	b.Deliver(ev)
	return nil
}

// Deliver sends ev to every subscriber in its audience.
// Events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Deliver(ev *Event) {
	audience := ev.Audience()

	// Sends are non-blocking, so the read lock is held throughout and
	// Unsubscribe cannot close a channel mid-send
	b.mu.RLock()
	targets := make([]chan *Event, 0, len(audience))
	for _, userID := range audience {
		for _, ch := range b.subscribers[userID] {
			targets = append(targets, ch)
		}
	}

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropped event for slow subscriber", "event_id", ev.ID, "type", ev.Type)
		}
	}
	b.mu.RUnlock()
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(userID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[userID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, userID)
	}

	b.logger.Debug("subscriber removed", "user_id", userID, "sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions for userID.
func (b *Broadcaster) SubscriberCount(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[userID])
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for userID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, userID)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
	return nil
}
