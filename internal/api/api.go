// ABOUTME: HTTP/JSON access layer over the conversation and message managers
// ABOUTME: Every /api route runs behind bearer auth and acts as the authenticated caller

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/notify"
)

// EventSource streams events concerning one user until ctx ends.
type EventSource interface {
	Subscribe(ctx context.Context, userID string) (<-chan *notify.Event, string)
}

// Options configures the API.
type Options struct {
	Conversations *conversation.Manager
	Messages      *conversation.MessageManager
	Events        EventSource // nil disables /api/events
	Auth          func(http.Handler) http.Handler
	Ready         func(ctx context.Context) error // nil means always ready
	Metrics       http.Handler                    // nil disables the metrics route
	MetricsPath   string
	Logger        *slog.Logger
}

// API serves the HTTP surface.
type API struct {
	convs     *conversation.Manager
	msgs      *conversation.MessageManager
	events    EventSource
	auth      func(http.Handler) http.Handler
	ready     func(ctx context.Context) error
	metrics   http.Handler
	metricsAt string
	heartbeat time.Duration
	logger    *slog.Logger
}

// New creates the API. Options.Auth is required.
func New(opts Options) *API {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ready := opts.Ready
	if ready == nil {
		ready = func(context.Context) error { return nil }
	}
	metricsAt := opts.MetricsPath
	if metricsAt == "" {
		metricsAt = "/metrics"
	}
	return &API{
		convs:     opts.Conversations,
		msgs:      opts.Messages,
		events:    opts.Events,
		auth:      opts.Auth,
		ready:     ready,
		metrics:   opts.Metrics,
		metricsAt: metricsAt,
		heartbeat: 25 * time.Second,
		logger:    logger.With("component", "api"),
	}
}

// Handler returns the routed handler.
func (a *API) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/conversations", a.handleCreateConversation)
	api.HandleFunc("GET /api/conversations", a.handleListConversations)
	api.HandleFunc("GET /api/conversations/{id}", a.handleGetConversation)
	api.HandleFunc("POST /api/conversations/{id}/unread", a.handleUpdateUnread)
	api.HandleFunc("POST /api/conversations/{id}/read", a.handleMarkConversationRead)
	api.HandleFunc("GET /api/conversations/{id}/messages", a.handleListMessages)
	api.HandleFunc("POST /api/conversations/{id}/messages", a.handleSendMessage)
	api.HandleFunc("POST /api/messages/{id}/read", a.handleMarkMessageRead)
	api.HandleFunc("GET /api/messages/unread", a.handleUnreadMessages)
	if a.events != nil {
		api.HandleFunc("GET /api/events", a.handleEvents)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", a.auth(api))
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /health/ready", a.handleReady)
	if a.metrics != nil {
		mux.Handle("GET "+a.metricsAt, a.metrics)
	}
	return mux
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store answers.
func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.ready(ctx); err != nil {
		a.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (a *API) sendJSONError(w http.ResponseWriter, status int, code, message string) {
	a.writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// statusFor maps domain error codes to HTTP statuses.
var statusFor = map[conversation.Code]int{
	conversation.CodeNotFound:           http.StatusNotFound,
	conversation.CodeNotAParticipant:    http.StatusForbidden,
	conversation.CodeInvalidParticipant: http.StatusConflict,
	conversation.CodeValidation:         http.StatusBadRequest,
}

// writeError maps err to a response. Anything that is not a domain error is
// logged and reported as a 500 without detail.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := conversation.CodeOf(err)
	if status, ok := statusFor[code]; ok {
		a.sendJSONError(w, status, string(code), err.Error())
		return
	}
	a.logger.Error("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"error", err)
	a.sendJSONError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
}
