// ABOUTME: Route handlers for conversations, messages and read receipts
// ABOUTME: Each handler resolves the caller, decodes its body and delegates to a manager

package api

import (
	"net/http"

	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/notify"
	"github.com/2389/parley/internal/store"
)

func (a *API) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustUserFromContext(r.Context())

	var body CreateConversationBody
	if err := decodeBody(w, r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := body.validate(); err != nil {
		a.writeError(w, r, err)
		return
	}

	conv, err := a.convs.CreateConversation(r.Context(), body.toRequest(caller))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, notify.NewConversationView(conv))
}

func (a *API) handleListConversations(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustUserFromContext(r.Context())

	kind, err := conversationKind(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	var convs []*store.Conversation
	switch kind {
	case "group":
		convs, err = a.convs.GetUserGroupConversations(r.Context(), caller)
	case "direct":
		convs, err = a.convs.GetUserDirectConversations(r.Context(), caller)
	default:
		convs, err = a.convs.GetUserConversations(r.Context(), caller)
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, conversationsResponse{Conversations: conversationViews(convs)})
}

func (a *API) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustUserFromContext(r.Context())

	conv, err := a.convs.GetConversationByID(r.Context(), r.PathValue("id"), caller)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, notify.NewConversationView(conv))
}

func (a *API) handleUpdateUnread(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustUserFromContext(r.Context())

	var body UnreadBody
	if err := decodeBody(w, r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := body.validate(); err != nil {
		a.writeError(w, r, err)
		return
	}

	conv, err := a.convs.UpdateUnreadCount(r.Context(), r.PathValue("id"), caller, *body.Increment)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, notify.NewConversationView(conv))
}

func (a *API) handleMarkConversationRead(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustUserFromContext(r.Context())

	n, err := a.msgs.MarkConversationRead(r.Context(), r.PathValue("id"), caller)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, markedResponse{Marked: n})
}

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustUserFromContext(r.Context())

	msgs, err := a.msgs.GetConversationMessagesFor(r.Context(), r.PathValue("id"), caller)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, messagesResponse{Messages: messageViews(msgs)})
}

func (a *API) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustUserFromContext(r.Context())

	var body SendMessageBody
	if err := decodeBody(w, r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}

	msg, err := a.msgs.SendMessage(r.Context(), body.toRequest(r.PathValue("id"), caller))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, notify.NewMessageView(msg))
}

// handleMarkMessageRead reports {"read": false} for messages the caller did not receive.
func (a *API) handleMarkMessageRead(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustUserFromContext(r.Context())

	ok, err := a.msgs.MarkMessageAsRead(r.Context(), r.PathValue("id"), caller)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, readResponse{Read: ok})
}

func (a *API) handleUnreadMessages(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustUserFromContext(r.Context())

	msgs, err := a.msgs.GetUnreadMessages(r.Context(), caller)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, messagesResponse{Messages: messageViews(msgs)})
}
