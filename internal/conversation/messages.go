// ABOUTME: MessageManager sends messages, lists them per conversation and tracks read receipts
// ABOUTME: Record first, then act: the message is stored before bookkeeping and before any notification

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/dedupe"
	"github.com/2389/parley/internal/metrics"
	"github.com/2389/parley/internal/notify"
	"github.com/2389/parley/internal/store"
)

// MessageManager is the message delivery service. Conversation writes are
// delegated to the Manager so both share one lock table. Receipt writes happen
// under the owning conversation's lock too, so the lock order is always
// conversation first, then store writes.
type MessageManager struct {
	store    store.MessageStore
	convs    *Manager
	notifier notify.Notifier
	dedupe   *dedupe.Cache
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   *slog.Logger
}

// NewMessageManager creates a MessageManager. notifier, cache and m may be nil;
// without a cache ClientMessageID is stored but not used for replay.
func NewMessageManager(s store.MessageStore, convs *Manager, notifier notify.Notifier, cache *dedupe.Cache, m *metrics.Metrics, logger *slog.Logger) *MessageManager {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &MessageManager{
		store:    s,
		convs:    convs,
		notifier: notifier,
		dedupe:   cache,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With("component", "messages"),
	}
}

// SendMessage records a message from a participant, updates the
// conversation's activity and every recipient's unread count, then publishes it.
func (mm *MessageManager) SendMessage(ctx context.Context, req SendMessageRequest) (*store.Message, error) {
	msgType, err := req.validate()
	if err != nil {
		return nil, err
	}

	msg, replayed, err := mm.sendLocked(ctx, req, msgType)
	if err != nil || replayed {
		return msg, err
	}

	// Publish only after the conversation lock is released
	mm.publish(ctx, notify.RouteMessage, msg, msg.ID)

	return msg.Clone(), nil
}

// sendLocked records the message and updates the conversation while holding
// its lock. replayed is true when an earlier send was returned instead.
func (mm *MessageManager) sendLocked(ctx context.Context, req SendMessageRequest, msgType store.MessageType) (msg *store.Message, replayed bool, err error) {
	unlock := mm.convs.lockConversation(req.ConversationID)
	defer unlock()

	conv, err := mm.convs.store.GetConversation(ctx, req.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, NotFoundError("conversation %s not found", req.ConversationID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading conversation: %w", err)
	}
	if !conv.HasParticipant(req.SenderID) {
		return nil, false, NotAParticipantError(req.SenderID, req.ConversationID)
	}

	// Replay of an earlier send with the same client message ID
	var dedupeKey string
	if req.ClientMessageID != "" && mm.dedupe != nil {
		dedupeKey = dedupe.Key(req.ConversationID, req.SenderID, req.ClientMessageID)
		if id, ok := mm.dedupe.Get(dedupeKey); ok {
			existing, err := mm.store.GetMessage(ctx, id)
			if err == nil {
				mm.metrics.SendReplayed()
				mm.logger.Debug("replayed send", "message_id", id, "client_message_id", req.ClientMessageID)
				return existing, true, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, false, fmt.Errorf("loading replayed message: %w", err)
			}
		}
	}

	// Keep timestamps non-decreasing within the conversation
	ts := mm.now()
	if ts.Before(conv.LastActivity) {
		ts = conv.LastActivity
	}

	msg = &store.Message{
		ID:              uuid.New().String(),
		ConversationID:  conv.ID,
		SenderID:        req.SenderID,
		Content:         req.Content,
		Type:            msgType,
		AttachmentURL:   req.AttachmentURL,
		ClientMessageID: req.ClientMessageID,
		Timestamp:       ts,
		Receipts:        make(map[string]*time.Time, len(conv.Participants)),
	}
	for _, p := range conv.Participants {
		if p != req.SenderID {
			msg.Receipts[p] = nil
		}
	}

	// 1. Record the message first
	if err := mm.store.CreateMessage(ctx, msg); err != nil {
		return nil, false, fmt.Errorf("recording message: %w", err)
	}
	if dedupeKey != "" {
		mm.dedupe.Put(dedupeKey, msg.ID)
	}

	// 2. Conversation bookkeeping; LastMessageID only ever points at a stored message
	_, err = mm.convs.updateLocked(ctx, conv.ID, func(c *store.Conversation) error {
		if msg.Timestamp.After(c.LastActivity) {
			c.LastActivity = msg.Timestamp
		}
		c.LastMessageID = msg.ID
		for id := range msg.Receipts {
			status, ok := c.ParticipantStatus[id]
			if !ok {
				continue
			}
			status.UnreadCount++
			c.ParticipantStatus[id] = status
		}
		return nil
	})
	if err != nil {
		mm.logger.Error("conversation update failed after message was recorded",
			"conversation_id", conv.ID,
			"message_id", msg.ID,
			"error", err)
		return nil, false, fmt.Errorf("updating conversation after send: %w", err)
	}

	mm.logger.Debug("message sent",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"sender", req.SenderID)
	mm.metrics.MessageSent()

	return msg, false, nil
}

// GetConversationMessages returns the conversation's messages, oldest first.
func (mm *MessageManager) GetConversationMessages(ctx context.Context, conversationID string) ([]*store.Message, error) {
	msgs, err := mm.store.ListMessagesByConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	store.SortMessages(msgs)
	return msgs, nil
}

// GetConversationMessagesFor is GetConversationMessages for a participant only.
func (mm *MessageManager) GetConversationMessagesFor(ctx context.Context, conversationID, requesterID string) ([]*store.Message, error) {
	if _, err := mm.convs.GetConversationByID(ctx, conversationID, requesterID); err != nil {
		return nil, err
	}
	return mm.GetConversationMessages(ctx, conversationID)
}

// MarkMessageAsRead records that userID read the message and decrements their
// unread count. It returns false when the message does not exist or userID is
// not one of its recipients. Repeated calls succeed without writing or
// notifying again.
func (mm *MessageManager) MarkMessageAsRead(ctx context.Context, messageID, userID string) (bool, error) {
	// Only the conversation id is needed from this read; the receipt is
	// re-checked under the lock
	peek, err := mm.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading message: %w", err)
	}

	ok, msg, err := mm.markReadLocked(ctx, peek.ConversationID, messageID, userID)
	if err != nil || !ok {
		return ok, err
	}
	if msg != nil {
		mm.publish(ctx, notify.RouteUserEvent, msg, msg.ID)
	}
	return true, nil
}

func (mm *MessageManager) markReadLocked(ctx context.Context, conversationID, messageID, userID string) (bool, *store.Message, error) {
	unlock := mm.convs.lockConversation(conversationID)
	defer unlock()

	ok, msg, err := mm.setReceipt(ctx, messageID, userID)
	if err != nil || msg == nil {
		return ok, nil, err
	}

	_, err = mm.convs.updateLocked(ctx, conversationID, func(c *store.Conversation) error {
		status, ok := c.ParticipantStatus[userID]
		if !ok || status.UnreadCount == 0 {
			return nil
		}
		status.UnreadCount--
		c.ParticipantStatus[userID] = status
		return nil
	})
	if err != nil {
		mm.logger.Error("unread count update failed after read receipt was recorded",
			"conversation_id", conversationID,
			"message_id", messageID,
			"error", err)
		return false, nil, fmt.Errorf("updating unread count after read: %w", err)
	}
	return true, msg, nil
}

// setReceipt marks userID's receipt read. ok reports whether userID is a
// recipient of an existing message; msg is non-nil only when this call moved
// the receipt from unread to read. Caller holds the conversation lock.
func (mm *MessageManager) setReceipt(ctx context.Context, messageID, userID string) (ok bool, msg *store.Message, err error) {
	msg, err = mm.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("loading message: %w", err)
	}
	if !msg.IsRecipient(userID) {
		return false, nil, nil
	}
	if msg.ReadBy(userID) {
		return true, nil, nil
	}

	readAt := mm.now()
	msg.Receipts[userID] = &readAt
	if err := mm.store.UpdateMessage(ctx, msg); err != nil {
		return false, nil, fmt.Errorf("recording read receipt: %w", err)
	}

	mm.logger.Debug("message read", "message_id", messageID, "user_id", userID)
	mm.metrics.MessageRead()
	return true, msg, nil
}

// GetUnreadMessages returns messages userID has received but not read, oldest first.
func (mm *MessageManager) GetUnreadMessages(ctx context.Context, userID string) ([]*store.Message, error) {
	msgs, err := mm.store.ListUnreadMessages(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing unread messages: %w", err)
	}
	store.SortMessages(msgs)
	return msgs, nil
}

// MarkConversationRead marks every unread message of the conversation read for
// userID and resets their unread count. Returns how many receipts changed.
func (mm *MessageManager) MarkConversationRead(ctx context.Context, conversationID, userID string) (int, error) {
	if _, err := mm.convs.GetConversationByID(ctx, conversationID, userID); err != nil {
		return 0, err
	}

	read, err := mm.markConversationReadLocked(ctx, conversationID, userID)
	for _, msg := range read {
		mm.publish(ctx, notify.RouteUserEvent, msg, msg.ID)
	}
	return len(read), err
}

// markConversationReadLocked holds the conversation lock from listing to the
// counter reset, so a message sent meanwhile keeps its unread increment.
func (mm *MessageManager) markConversationReadLocked(ctx context.Context, conversationID, userID string) ([]*store.Message, error) {
	unlock := mm.convs.lockConversation(conversationID)
	defer unlock()

	msgs, err := mm.store.ListMessagesByConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	var read []*store.Message
	for _, m := range msgs {
		if !m.IsRecipient(userID) || m.ReadBy(userID) {
			continue
		}
		_, changed, err := mm.setReceipt(ctx, m.ID, userID)
		if err != nil {
			return read, err
		}
		if changed != nil {
			read = append(read, changed)
		}
	}

	_, err = mm.convs.updateLocked(ctx, conversationID, func(c *store.Conversation) error {
		status, ok := c.ParticipantStatus[userID]
		if !ok {
			return InvalidParticipantError(userID, conversationID)
		}
		status.UnreadCount = 0
		status.LastSeen = mm.now()
		c.ParticipantStatus[userID] = status
		return nil
	})
	return read, err
}

func (mm *MessageManager) publish(ctx context.Context, route notify.Route, payload any, entityID string) {
	publishBestEffort(context.WithoutCancel(ctx), mm.notifier, mm.metrics, mm.logger, route, payload, entityID)
}
