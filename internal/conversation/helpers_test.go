// ABOUTME: Shared fixtures for manager tests: an in-memory store with users and a recording notifier
// ABOUTME: The notifier can be told to fail so best-effort behaviour can be checked

package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/dedupe"
	"github.com/2389/parley/internal/notify"
	"github.com/2389/parley/internal/store"
)

type publishedEvent struct {
	route   notify.Route
	payload any
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (r *recordingNotifier) Publish(ctx context.Context, route notify.Route, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, publishedEvent{route: route, payload: payload})
	return nil
}

func (r *recordingNotifier) Close() error { return nil }

func (r *recordingNotifier) count(route notify.Route) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.route == route {
			n++
		}
	}
	return n
}

func (r *recordingNotifier) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

type harness struct {
	store    *store.MemoryStore
	notifier *recordingNotifier
	convs    *Manager
	msgs     *MessageManager
}

func newHarness(t *testing.T, users ...string) *harness {
	t.Helper()

	s := store.NewMemoryStore()
	ctx := context.Background()
	for _, u := range users {
		require.NoError(t, s.CreateUser(ctx, &store.User{ID: u, DisplayName: u, CreatedAt: time.Now()}))
	}

	n := &recordingNotifier{}
	cache := dedupe.New(time.Minute, 1000)
	t.Cleanup(cache.Close)

	convs := NewManager(s, n, nil, nil)
	return &harness{
		store:    s,
		notifier: n,
		convs:    convs,
		msgs:     NewMessageManager(s, convs, n, cache, nil, nil),
	}
}

func (h *harness) direct(t *testing.T, a, b string) *store.Conversation {
	t.Helper()
	conv, err := h.convs.CreateConversation(context.Background(), CreateConversationRequest{Participants: []string{a, b}})
	require.NoError(t, err)
	return conv
}

func (h *harness) group(t *testing.T, title string, members ...string) *store.Conversation {
	t.Helper()
	conv, err := h.convs.CreateConversation(context.Background(), CreateConversationRequest{
		Participants: members,
		Title:        title,
		IsGroup:      true,
	})
	require.NoError(t, err)
	return conv
}

func (h *harness) send(t *testing.T, convID, sender, content string) *store.Message {
	t.Helper()
	msg, err := h.msgs.SendMessage(context.Background(), SendMessageRequest{
		ConversationID: convID,
		SenderID:       sender,
		Content:        content,
		Type:           store.MessageTypeText,
	})
	require.NoError(t, err)
	return msg
}
