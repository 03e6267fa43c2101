// ABOUTME: Manager owns conversation lifecycle: creation with direct dedup, scoped lookup, unread bookkeeping
// ABOUTME: Conversation writes go through one locked, version-checked read-modify-write path

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/metrics"
	"github.com/2389/parley/internal/notify"
	"github.com/2389/parley/internal/store"
)

// maxUpdateAttempts bounds optimistic retries of a conversation update.
const maxUpdateAttempts = 5

// ManagerStore defines what the Manager needs from storage
type ManagerStore interface {
	store.UserStore
	store.ConversationStore
}

// Manager is the conversation lifecycle service.
type Manager struct {
	store     ManagerStore
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	pairLocks *keyMutex
	convLocks *keyMutex
	now       func() time.Time
	logger    *slog.Logger
}

// NewManager creates a Manager. notifier and m may be nil.
func NewManager(s ManagerStore, notifier notify.Notifier, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Manager{
		store:     s,
		notifier:  notifier,
		metrics:   m,
		pairLocks: newKeyMutex(),
		convLocks: newKeyMutex(),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With("component", "conversation"),
	}
}

// CreateConversation creates a conversation, or returns the existing direct
// conversation for the same pair of users.
func (m *Manager) CreateConversation(ctx context.Context, req CreateConversationRequest) (*store.Conversation, error) {
	participants, err := req.normalizedParticipants()
	if err != nil {
		return nil, err
	}

	for _, id := range participants {
		ok, err := m.store.UserExists(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("checking user %s: %w", id, err)
		}
		if !ok {
			return nil, NotFoundError("user %s not found", id)
		}
	}

	if !req.IsGroup {
		a, b := participants[0], participants[1]
		unlock := m.pairLocks.Lock(store.DirectKey(a, b))
		defer unlock()

		existing, err := m.findDirect(ctx, a, b)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			m.logger.Debug("returning existing direct conversation", "conversation_id", existing.ID)
			return existing, nil
		}
	}

	now := m.now()
	conv := &store.Conversation{
		ID:                uuid.New().String(),
		Participants:      participants,
		Title:             req.Title,
		IsGroup:           req.IsGroup,
		IconURL:           req.IconURL,
		CreatedAt:         now,
		LastActivity:      now,
		ParticipantStatus: make(map[string]store.ParticipantStatus, len(participants)),
	}
	for _, id := range participants {
		conv.ParticipantStatus[id] = store.ParticipantStatus{LastSeen: now}
	}

	if err := m.store.CreateConversation(ctx, conv); err != nil {
		// Another process created the pair between our lookup and insert
		if errors.Is(err, store.ErrDuplicateConversation) && !req.IsGroup {
			existing, lookupErr := m.findDirect(ctx, participants[0], participants[1])
			if lookupErr == nil && existing != nil {
				m.logger.Debug("found existing direct conversation after race", "conversation_id", existing.ID)
				return existing, nil
			}
			m.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
		}
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	m.logger.Debug("conversation created",
		"conversation_id", conv.ID,
		"is_group", conv.IsGroup,
		"participants", len(conv.Participants))
	m.metrics.ConversationCreated(conv.IsGroup)
	m.publish(ctx, notify.RouteConversationNotification, conv, conv.ID)

	return conv.Clone(), nil
}

// findDirect returns the direct conversation between a and b, or nil.
func (m *Manager) findDirect(ctx context.Context, a, b string) (*store.Conversation, error) {
	convs, err := m.store.ListConversationsWithParticipants(ctx, a, b, false)
	if err != nil {
		return nil, fmt.Errorf("looking up direct conversation: %w", err)
	}
	for _, c := range convs {
		if len(c.Participants) == 2 {
			return c, nil
		}
	}
	return nil, nil
}

// GetConversationByID returns the conversation if requesterID is a participant.
// Absent and inaccessible conversations are reported identically.
func (m *Manager) GetConversationByID(ctx context.Context, id, requesterID string) (*store.Conversation, error) {
	conv, err := m.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NotFoundError("conversation %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	if !conv.HasParticipant(requesterID) {
		return nil, NotFoundError("conversation %s not found", id)
	}
	return conv, nil
}

// GetUserConversations returns every conversation userID belongs to,
// most recent activity first.
func (m *Manager) GetUserConversations(ctx context.Context, userID string) ([]*store.Conversation, error) {
	convs, err := m.store.ListConversationsByParticipant(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	return convs, nil
}

// GetUserGroupConversations returns userID's group conversations.
func (m *Manager) GetUserGroupConversations(ctx context.Context, userID string) ([]*store.Conversation, error) {
	convs, err := m.store.ListConversationsByParticipantAndGroup(ctx, userID, true)
	if err != nil {
		return nil, fmt.Errorf("listing group conversations: %w", err)
	}
	return convs, nil
}

// GetUserDirectConversations returns userID's direct conversations.
func (m *Manager) GetUserDirectConversations(ctx context.Context, userID string) ([]*store.Conversation, error) {
	convs, err := m.store.ListConversationsByParticipantAndGroup(ctx, userID, false)
	if err != nil {
		return nil, fmt.Errorf("listing direct conversations: %w", err)
	}
	return convs, nil
}

// UpdateUnreadCount increments or resets userID's unread count and stamps LastSeen.
func (m *Manager) UpdateUnreadCount(ctx context.Context, conversationID, userID string, increment bool) (*store.Conversation, error) {
	unlock := m.lockConversation(conversationID)
	defer unlock()

	return m.updateLocked(ctx, conversationID, func(conv *store.Conversation) error {
		status, ok := conv.ParticipantStatus[userID]
		if !ok {
			return InvalidParticipantError(userID, conversationID)
		}
		if increment {
			status.UnreadCount++
		} else {
			status.UnreadCount = 0
		}
		status.LastSeen = m.now()
		conv.ParticipantStatus[userID] = status
		return nil
	})
}

// lockConversation serializes writers of one conversation within this process.
func (m *Manager) lockConversation(id string) func() {
	return m.convLocks.Lock(id)
}

// updateLocked re-reads the conversation, applies mutate and writes it back,
// retrying on version conflicts from other processes. Caller holds the
// conversation lock.
func (m *Manager) updateLocked(ctx context.Context, id string, mutate func(*store.Conversation) error) (*store.Conversation, error) {
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		conv, err := m.store.GetConversation(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, NotFoundError("conversation %s not found", id)
		}
		if err != nil {
			return nil, fmt.Errorf("loading conversation: %w", err)
		}

		if err := mutate(conv); err != nil {
			return nil, err
		}

		err = m.store.UpdateConversation(ctx, conv)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("saving conversation: %w", err)
		}

		m.metrics.UpdateConflict()
		m.logger.Debug("conversation version conflict, retrying", "conversation_id", id, "attempt", attempt)
	}
	return nil, fmt.Errorf("saving conversation %s after %d attempts: %w", id, maxUpdateAttempts, store.ErrConflict)
}

// publish is best effort: failures are logged and counted, never returned.
// It ignores cancellation of ctx since the write has already happened.
func (m *Manager) publish(ctx context.Context, route notify.Route, payload any, entityID string) {
	publishBestEffort(context.WithoutCancel(ctx), m.notifier, m.metrics, m.logger, route, payload, entityID)
}

func publishBestEffort(ctx context.Context, n notify.Notifier, mt *metrics.Metrics, logger *slog.Logger, route notify.Route, payload any, entityID string) {
	if err := n.Publish(ctx, route, payload); err != nil {
		mt.NotifyFailed(string(route))
		logger.Warn("notification publish failed",
			"route", route,
			"entity_id", entityID,
			"error", err)
	}
}
