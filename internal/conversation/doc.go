// Package conversation implements conversation lifecycle and message delivery.
//
// # Managers
//
// Manager handles conversations:
//
//	convs := conversation.NewManager(store, notifier, metrics, logger)
//	msgs := conversation.NewMessageManager(store, convs, notifier, cache, metrics, logger)
//
//   - CreateConversation: direct conversations are unique per pair of users;
//     creating one again (in either order) returns the existing conversation
//   - GetConversationByID: participants only; others get NOT_FOUND
//   - GetUser{,Group,Direct}Conversations: most recent activity first
//   - UpdateUnreadCount: increment or reset one participant's counter
//
// MessageManager handles messages:
//
//   - SendMessage: record, then update the conversation, then notify
//   - GetConversationMessages / GetConversationMessagesFor: oldest first
//   - MarkMessageAsRead: sets one receipt and decrements the reader's unread
//     count, never below zero
//   - MarkConversationRead: sets every receipt and resets the count to zero
//   - GetUnreadMessages: everything a user has received but not read
//
// # Concurrency
//
// Writes to one conversation, including read receipts on its messages, are
// serialized by an in-process keyed mutex and checked against the stored
// version, retrying on conflict, so concurrent unread updates are never lost.
// Notifications are published after the lock is released. Direct conversation creation is serialized
// per participant pair, and the store's unique pair key covers other processes.
//
// # Notifications
//
// Notifications are best effort. A failed publish is logged and counted but
// never fails the operation or undoes the write.
//
// # Errors
//
// Domain failures are *Error values with a Code (NOT_FOUND, NOT_A_PARTICIPANT,
// INVALID_PARTICIPANT, VALIDATION) and match the package sentinels with
// errors.Is. Anything else is an infrastructure error.
package conversation
