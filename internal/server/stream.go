// ABOUTME: Server-Sent Events endpoints for live conversation and dashboard feeds
// ABOUTME: Bridges broadcaster subscriptions onto flushed event-stream responses

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/switchboard/internal/bus"
	"github.com/2389/switchboard/internal/store"
)

// heartbeatInterval paces the comment lines that keep idle streams alive
// through proxies.
const heartbeatInterval = 25 * time.Second

// handleConversationStream handles GET /api/conversations/{id}/stream. The
// client receives every turn and status event for one conversation until it
// disconnects or the server shuts down.
func (s *Server) handleConversationStream(w http.ResponseWriter, r *http.Request) {
	id, ok := s.conversationID(w, r)
	if !ok {
		return
	}

	if _, err := s.store.GetConversation(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendJSONError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error("failed to get conversation", "conversation_id", id, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, _ := s.eventBus.Broadcaster().Subscribe(r.Context(), id)
	s.streamEvents(r.Context(), w, flusher, events, map[string]string{"conversation_id": id})
}

// handleDashboardStream handles GET /api/dashboard/stream, the operator
// firehose across all conversations. Reached only through the auth
// middleware; EventSource clients pass the token as ?access_token=.
func (s *Server) handleDashboardStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, _ := s.eventBus.Broadcaster().SubscribeAll(r.Context())
	s.streamEvents(r.Context(), w, flusher, events, map[string]string{"scope": "all"})
}

// streamEvents pumps broadcaster events onto the wire until the client goes
// away or the subscriber channel closes.
func (s *Server) streamEvents(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, events <-chan *bus.TurnEvent, hello map[string]string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	s.writeSSEEvent(w, "connected", hello)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				// Broadcaster closed, the server is shutting down.
				return
			}
			s.writeSSEEvent(w, string(event.Kind), event)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", payload)
}
