// ABOUTME: Server-sent event stream of notifications concerning the caller
// ABOUTME: Subscribes to the broadcaster and relays events until the client disconnects

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/notify"
)

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustUserFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		a.sendJSONError(w, http.StatusInternalServerError, "INTERNAL", "streaming not supported")
		return
	}

	events, subID := a.events.Subscribe(r.Context(), caller)
	logger := a.logger.With("user_id", caller, "sub_id", subID)
	logger.Debug("event stream opened")
	defer logger.Debug("event stream closed")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, ev); err != nil {
				logger.Debug("event write failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes ev as one SSE frame named after the event type.
func writeSSEEvent(w http.ResponseWriter, ev *notify.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	return err
}
