// ABOUTME: Tests for MessageManager: sending, listing, read receipts and client message replay
// ABOUTME: Covers the alice and bob walkthrough plus concurrent senders and readers

package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/notify"
	"github.com/2389/parley/internal/store"
)

func TestAliceAndBob(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	ctx := context.Background()

	conv := h.direct(t, "alice", "bob")
	assert.Equal(t, 0, conv.ParticipantStatus["alice"].UnreadCount)
	assert.Equal(t, 0, conv.ParticipantStatus["bob"].UnreadCount)

	msg := h.send(t, conv.ID, "alice", "hello")
	assert.Equal(t, "alice", msg.SenderID)
	assert.Equal(t, store.MessageTypeText, msg.Type)

	again, err := h.convs.CreateConversation(ctx, CreateConversationRequest{Participants: []string{"bob", "alice"}})
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)
	assert.Equal(t, msg.ID, again.LastMessageID)
	assert.Equal(t, 1, again.ParticipantStatus["bob"].UnreadCount)
	assert.Equal(t, 0, again.ParticipantStatus["alice"].UnreadCount, "sender's own count is untouched")
}

func TestSendMessage_ThenFetch(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	ctx := context.Background()
	conv := h.direct(t, "alice", "bob")

	sent := h.send(t, conv.ID, "alice", "hi")

	msgs, err := h.msgs.GetConversationMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, sent.ID, msgs[0].ID)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.False(t, msgs[0].Read())
	assert.Equal(t, []string{"bob"}, msgs[0].Recipients())

	updated, err := h.convs.GetConversationByID(ctx, conv.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, sent.ID, updated.LastMessageID)
	assert.Equal(t, sent.Timestamp, updated.LastActivity)
	assert.Equal(t, 1, h.notifier.count(notify.RouteMessage))
}

func TestSendMessage_NonParticipantLeavesConversationUnchanged(t *testing.T) {
	h := newHarness(t, "alice", "bob", "mallory")
	ctx := context.Background()
	conv := h.direct(t, "alice", "bob")
	first := h.send(t, conv.ID, "alice", "first")

	before, err := h.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)

	_, err = h.msgs.SendMessage(ctx, SendMessageRequest{ConversationID: conv.ID, SenderID: "mallory", Content: "let me in"})
	require.ErrorIs(t, err, ErrNotAParticipant)
	assert.Equal(t, CodeNotAParticipant, CodeOf(err))

	after, err := h.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, after.LastMessageID)
	assert.Equal(t, before.LastActivity, after.LastActivity)
	assert.Equal(t, before.Version, after.Version)

	msgs, err := h.msgs.GetConversationMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSendMessage_MissingConversation(t *testing.T) {
	h := newHarness(t, "alice")

	_, err := h.msgs.SendMessage(context.Background(), SendMessageRequest{ConversationID: "nope", SenderID: "alice", Content: "hi"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSendMessage_Validation(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	conv := h.direct(t, "alice", "bob")
	ctx := context.Background()

	cases := map[string]SendMessageRequest{
		"missing conversation id": {SenderID: "alice", Content: "hi"},
		"missing sender":          {ConversationID: conv.ID, Content: "hi"},
		"blank content":           {ConversationID: conv.ID, SenderID: "alice", Content: "   "},
		"unknown type":            {ConversationID: conv.ID, SenderID: "alice", Content: "hi", Type: "STICKER"},
		"image without url":       {ConversationID: conv.ID, SenderID: "alice", Content: "look", Type: store.MessageTypeImage},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.msgs.SendMessage(ctx, req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	msgs, err := h.msgs.GetConversationMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSendMessage_AttachmentTypes(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	conv := h.direct(t, "alice", "bob")
	ctx := context.Background()

	msg, err := h.msgs.SendMessage(ctx, SendMessageRequest{
		ConversationID: conv.ID,
		SenderID:       "bob",
		Type:           "image",
		AttachmentURL:  "https://cdn.example.com/cat.png",
	})
	require.NoError(t, err)
	assert.Equal(t, store.MessageTypeImage, msg.Type)
	assert.Empty(t, msg.Content)

	// A text message may carry an attachment and no content
	msg, err = h.msgs.SendMessage(ctx, SendMessageRequest{
		ConversationID: conv.ID,
		SenderID:       "bob",
		AttachmentURL:  "https://example.com/link",
	})
	require.NoError(t, err)
	assert.Equal(t, store.MessageTypeText, msg.Type)
}

func TestSendMessage_ClientMessageIDReplay(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	conv := h.direct(t, "alice", "bob")
	ctx := context.Background()

	req := SendMessageRequest{ConversationID: conv.ID, SenderID: "alice", Content: "once", ClientMessageID: "c-1"}
	first, err := h.msgs.SendMessage(ctx, req)
	require.NoError(t, err)
	second, err := h.msgs.SendMessage(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// Same client ID from the other sender is a different message
	other, err := h.msgs.SendMessage(ctx, SendMessageRequest{ConversationID: conv.ID, SenderID: "bob", Content: "once", ClientMessageID: "c-1"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	msgs, err := h.msgs.GetConversationMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	got, err := h.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ParticipantStatus["bob"].UnreadCount, "replay does not count twice")
	assert.Equal(t, 2, h.notifier.count(notify.RouteMessage))
}

func TestSendMessage_WithoutCacheStoresClientID(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	for _, u := range []string{"alice", "bob"} {
		require.NoError(t, s.CreateUser(ctx, &store.User{ID: u}))
	}
	convs := NewManager(s, nil, nil, nil)
	msgs := NewMessageManager(s, convs, nil, nil, nil, nil)

	conv, err := convs.CreateConversation(ctx, CreateConversationRequest{Participants: []string{"alice", "bob"}})
	require.NoError(t, err)

	req := SendMessageRequest{ConversationID: conv.ID, SenderID: "alice", Content: "x", ClientMessageID: "c-9"}
	a, err := msgs.SendMessage(ctx, req)
	require.NoError(t, err)
	b, err := msgs.SendMessage(ctx, req)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "c-9", a.ClientMessageID)
}

func TestSendMessage_GroupReceiptsAndUnread(t *testing.T) {
	h := newHarness(t, "alice", "bob", "carol")
	conv := h.group(t, "team", "alice", "bob", "carol")

	msg := h.send(t, conv.ID, "carol", "standup")
	assert.Equal(t, []string{"alice", "bob"}, msg.Recipients())

	got, err := h.store.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ParticipantStatus["alice"].UnreadCount)
	assert.Equal(t, 1, got.ParticipantStatus["bob"].UnreadCount)
	assert.Equal(t, 0, got.ParticipantStatus["carol"].UnreadCount)
}

func TestSendMessage_TimestampsNeverGoBackwards(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	conv := h.direct(t, "alice", "bob")

	first := h.send(t, conv.ID, "alice", "now")

	// Clock steps backwards
	h.msgs.now = func() time.Time { return first.Timestamp.Add(-time.Hour) }
	second := h.send(t, conv.ID, "bob", "earlier?")

	assert.False(t, second.Timestamp.Before(first.Timestamp))

	msgs, err := h.msgs.GetConversationMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	got, err := h.store.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.LastMessageID)
	assert.Equal(t, first.Timestamp, got.LastActivity)
}

func TestSendMessage_PublishFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	conv := h.direct(t, "alice", "bob")
	h.notifier.fail(errors.New("broker down"))

	msg := h.send(t, conv.ID, "alice", "still stored")

	stored, err := h.store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "still stored", stored.Content)

	ok, err := h.msgs.MarkMessageAsRead(context.Background(), msg.ID, "bob")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSendMessage_ConcurrentSendersKeepCountsExact(t *testing.T) {
	h := newHarness(t, "alice", "bob", "carol")
	conv := h.group(t, "busy", "alice", "bob", "carol")

	const perSender = 15
	var wg sync.WaitGroup
	for _, sender := range []string{"alice", "bob", "carol"} {
		wg.Go(func() {
			for i := range perSender {
				_, err := h.msgs.SendMessage(context.Background(), SendMessageRequest{
					ConversationID: conv.ID,
					SenderID:       sender,
					Content:        fmt.Sprintf("%s-%d", sender, i),
				})
				assert.NoError(t, err)
			}
		})
	}
	wg.Wait()

	got, err := h.store.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	for _, u := range []string{"alice", "bob", "carol"} {
		assert.Equal(t, 2*perSender, got.ParticipantStatus[u].UnreadCount, u)
	}

	msgs, err := h.msgs.GetConversationMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3*perSender)
	assert.Equal(t, msgs[len(msgs)-1].ID, got.LastMessageID)
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].Timestamp.Before(msgs[i-1].Timestamp))
	}
}

func TestGetConversationMessages_FiltersAndSorts(t *testing.T) {
	h := newHarness(t, "alice", "bob", "carol")
	ctx := context.Background()
	ab := h.direct(t, "alice", "bob")
	bc := h.direct(t, "bob", "carol")

	h.send(t, ab.ID, "alice", "one")
	h.send(t, bc.ID, "carol", "elsewhere")
	h.send(t, ab.ID, "bob", "two")
	h.send(t, ab.ID, "alice", "three")

	msgs, err := h.msgs.GetConversationMessages(ctx, ab.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "two", msgs[1].Content)
	assert.Equal(t, "three", msgs[2].Content)

	empty, err := h.msgs.GetConversationMessages(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestGetConversationMessagesFor_RequiresMembership(t *testing.T) {
	h := newHarness(t, "alice", "bob", "carol")
	ctx := context.Background()
	conv := h.direct(t, "alice", "bob")
	h.send(t, conv.ID, "alice", "private")

	msgs, err := h.msgs.GetConversationMessagesFor(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	_, err = h.msgs.GetConversationMessagesFor(ctx, conv.ID, "carol")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkMessageAsRead_Idempotent(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	ctx := context.Background()
	conv := h.direct(t, "alice", "bob")
	msg := h.send(t, conv.ID, "alice", "read me")

	ok, err := h.msgs.MarkMessageAsRead(ctx, msg.ID, "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	first, err := h.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.True(t, first.Read())
	readAt := *first.Receipts["bob"]

	ok, err = h.msgs.MarkMessageAsRead(ctx, msg.ID, "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	second, err := h.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, readAt, *second.Receipts["bob"], "second read keeps the first timestamp")
	assert.Equal(t, 1, h.notifier.count(notify.RouteUserEvent), "only the first read notifies")
}

func TestMarkMessageAsRead_NotApplicable(t *testing.T) {
	h := newHarness(t, "alice", "bob", "carol")
	ctx := context.Background()
	conv := h.direct(t, "alice", "bob")
	msg := h.send(t, conv.ID, "alice", "hi")

	for name, tc := range map[string]struct{ msgID, user string }{
		"missing message": {"nope", "bob"},
		"sender":          {msg.ID, "alice"},
		"outsider":        {msg.ID, "carol"},
	} {
		t.Run(name, func(t *testing.T) {
			ok, err := h.msgs.MarkMessageAsRead(ctx, tc.msgID, tc.user)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
	assert.Equal(t, 0, h.notifier.count(notify.RouteUserEvent))
}

func TestMarkMessageAsRead_GroupNeedsEveryRecipient(t *testing.T) {
	h := newHarness(t, "alice", "bob", "carol")
	ctx := context.Background()
	conv := h.group(t, "team", "alice", "bob", "carol")
	msg := h.send(t, conv.ID, "alice", "hey all")

	_, err := h.msgs.MarkMessageAsRead(ctx, msg.ID, "bob")
	require.NoError(t, err)
	got, err := h.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, got.ReadBy("bob"))
	assert.False(t, got.Read())

	_, err = h.msgs.MarkMessageAsRead(ctx, msg.ID, "carol")
	require.NoError(t, err)
	got, err = h.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, got.Read())
}

func TestMarkMessageAsRead_ConcurrentReadersAllRecorded(t *testing.T) {
	members := []string{"alice", "bob", "carol", "dave", "erin"}
	h := newHarness(t, members...)
	ctx := context.Background()
	conv := h.group(t, "all", members...)
	msg := h.send(t, conv.ID, "alice", "everyone")

	var wg sync.WaitGroup
	for _, u := range members[1:] {
		wg.Go(func() {
			ok, err := h.msgs.MarkMessageAsRead(ctx, msg.ID, u)
			assert.NoError(t, err)
			assert.True(t, ok)
		})
	}
	wg.Wait()

	got, err := h.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, got.Read())
}

func TestGetUnreadMessages(t *testing.T) {
	h := newHarness(t, "alice", "bob", "carol")
	ctx := context.Background()
	ab := h.direct(t, "alice", "bob")
	g := h.group(t, "team", "alice", "bob", "carol")

	m1 := h.send(t, ab.ID, "alice", "one")
	m2 := h.send(t, g.ID, "carol", "two")
	h.send(t, ab.ID, "bob", "mine")

	unread, err := h.msgs.GetUnreadMessages(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, unread, 2)
	assert.Equal(t, m1.ID, unread[0].ID)
	assert.Equal(t, m2.ID, unread[1].ID)

	_, err = h.msgs.MarkMessageAsRead(ctx, m1.ID, "bob")
	require.NoError(t, err)

	unread, err = h.msgs.GetUnreadMessages(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, m2.ID, unread[0].ID)
}

func TestMarkConversationRead(t *testing.T) {
	h := newHarness(t, "alice", "bob", "carol")
	ctx := context.Background()
	conv := h.direct(t, "alice", "bob")

	h.send(t, conv.ID, "alice", "one")
	h.send(t, conv.ID, "alice", "two")
	h.send(t, conv.ID, "bob", "reply")
	h.send(t, conv.ID, "alice", "three")

	n, err := h.msgs.MarkConversationRead(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := h.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ParticipantStatus["bob"].UnreadCount)
	assert.Equal(t, 1, got.ParticipantStatus["alice"].UnreadCount)

	unread, err := h.msgs.GetUnreadMessages(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, unread)

	n, err = h.msgs.MarkConversationRead(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = h.msgs.MarkConversationRead(ctx, conv.ID, "carol")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkMessageAsRead_DecrementsUnreadCount(t *testing.T) {
	h := newHarness(t, "alice", "bob")
	ctx := context.Background()
	conv := h.direct(t, "alice", "bob")
	m1 := h.send(t, conv.ID, "alice", "one")
	m2 := h.send(t, conv.ID, "alice", "two")

	unreadFor := func(user string) int {
		t.Helper()
		got, err := h.store.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		return got.ParticipantStatus[user].UnreadCount
	}
	require.Equal(t, 2, unreadFor("bob"))

	_, err := h.msgs.MarkMessageAsRead(ctx, m1.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, unreadFor("bob"))

	_, err = h.msgs.MarkMessageAsRead(ctx, m1.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, unreadFor("bob"), "a repeated read does not decrement again")

	// A manual reset already cleared the counter; reading must not go negative
	_, err = h.convs.UpdateUnreadCount(ctx, conv.ID, "bob", false)
	require.NoError(t, err)
	_, err = h.msgs.MarkMessageAsRead(ctx, m2.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, unreadFor("bob"))
	assert.Equal(t, 0, unreadFor("alice"))
}

// pausingStore stops MarkConversationRead right after it lists messages,
// until release is closed.
type pausingStore struct {
	*store.MemoryStore
	once    sync.Once
	listed  chan struct{}
	release chan struct{}
}

func (p *pausingStore) ListMessagesByConversation(ctx context.Context, conversationID string) ([]*store.Message, error) {
	msgs, err := p.MemoryStore.ListMessagesByConversation(ctx, conversationID)
	p.once.Do(func() {
		close(p.listed)
		<-p.release
	})
	return msgs, err
}

func TestMarkConversationRead_KeepsMessagesSentMeanwhileUnread(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	for _, u := range []string{"alice", "bob"} {
		require.NoError(t, mem.CreateUser(ctx, &store.User{ID: u, CreatedAt: time.Now()}))
	}
	ps := &pausingStore{MemoryStore: mem, listed: make(chan struct{}), release: make(chan struct{})}
	convs := NewManager(mem, nil, nil, nil)
	msgs := NewMessageManager(ps, convs, nil, nil, nil, nil)

	conv, err := convs.CreateConversation(ctx, CreateConversationRequest{Participants: []string{"alice", "bob"}})
	require.NoError(t, err)
	_, err = msgs.SendMessage(ctx, SendMessageRequest{ConversationID: conv.ID, SenderID: "alice", Content: "before"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Go(func() {
		n, err := msgs.MarkConversationRead(ctx, conv.ID, "bob")
		assert.NoError(t, err)
		assert.Equal(t, 1, n)
	})
	<-ps.listed

	sent := make(chan struct{})
	wg.Go(func() {
		defer close(sent)
		_, err := msgs.SendMessage(ctx, SendMessageRequest{ConversationID: conv.ID, SenderID: "alice", Content: "during"})
		assert.NoError(t, err)
	})

	select {
	case <-sent:
		t.Fatal("send completed while the conversation was being marked read")
	case <-time.After(50 * time.Millisecond):
	}
	close(ps.release)
	wg.Wait()

	got, err := mem.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ParticipantStatus["bob"].UnreadCount)

	unread, err := msgs.GetUnreadMessages(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "during", unread[0].Content)
}

// stallingNotifier blocks every publish until release is closed.
type stallingNotifier struct {
	started chan struct{}
	once    sync.Once
	release chan struct{}
}

func (s *stallingNotifier) Publish(ctx context.Context, route notify.Route, payload any) error {
	s.once.Do(func() { close(s.started) })
	<-s.release
	return nil
}

func (s *stallingNotifier) Close() error { return nil }

func TestSendMessage_SlowPublishDoesNotBlockOtherSenders(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	for _, u := range []string{"alice", "bob"} {
		require.NoError(t, mem.CreateUser(ctx, &store.User{ID: u, CreatedAt: time.Now()}))
	}
	n := &stallingNotifier{started: make(chan struct{}), release: make(chan struct{})}
	convs := NewManager(mem, nil, nil, nil)
	msgs := NewMessageManager(mem, convs, n, nil, nil, nil)

	conv, err := convs.CreateConversation(ctx, CreateConversationRequest{Participants: []string{"alice", "bob"}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	defer wg.Wait()
	defer close(n.release)
	wg.Go(func() {
		_, err := msgs.SendMessage(ctx, SendMessageRequest{ConversationID: conv.ID, SenderID: "alice", Content: "stuck"})
		assert.NoError(t, err)
	})
	<-n.started

	// Takes the same conversation lock as a send
	done := make(chan error, 1)
	go func() {
		_, err := convs.UpdateUnreadCount(ctx, conv.ID, "bob", false)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("conversation stayed locked while a publish was pending")
	}
}
