// ABOUTME: JSON API handlers for the web chat channel and the operator endpoints
// ABOUTME: Request/response DTOs, validation and error mapping live here

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/dispatch"
	"github.com/2389/switchboard/internal/engine"
	"github.com/2389/switchboard/internal/store"
)

// maxListLimit caps page sizes for listing endpoints.
const maxListLimit = 200

// ContactPayload carries optional contact attributes on a chat submission.
type ContactPayload struct {
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	AccountRef string `json:"account_ref,omitempty"`
}

// ChatRequest is the JSON request body for POST /api/chat.
type ChatRequest struct {
	Identity  string         `json:"identity"`
	Content   string         `json:"content"`
	MessageID string         `json:"message_id,omitempty"`
	Contact   ContactPayload `json:"contact,omitempty"`
}

// ChatResponse is the JSON response for POST /api/chat.
type ChatResponse struct {
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id"`
	MessageID      string `json:"message_id"`
	Seq            int64  `json:"seq"`
	Reply          string `json:"reply"`
	Status         string `json:"status"`
	Escalated      bool   `json:"escalated"`
	Intent         string `json:"intent,omitempty"`
}

// EscalationInfo describes the open escalation attached to a conversation.
type EscalationInfo struct {
	Reason        string `json:"reason"`
	AssignedAgent string `json:"assigned_agent,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// ConversationResponse is the JSON shape for one conversation record.
type ConversationResponse struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"session_id"`
	Channel        string          `json:"channel"`
	Status         string          `json:"status"`
	Priority       string          `json:"priority"`
	Category       string          `json:"category,omitempty"`
	Sentiment      float64         `json:"sentiment"`
	Satisfaction   *int            `json:"satisfaction,omitempty"`
	CreatedAt      string          `json:"created_at"`
	LastActivityAt string          `json:"last_activity_at"`
	ClosedAt       string          `json:"closed_at,omitempty"`
	Escalation     *EscalationInfo `json:"escalation,omitempty"`
}

// MessageResponse is the JSON shape for one ledger message.
type MessageResponse struct {
	ID         string  `json:"id"`
	Seq        int64   `json:"seq"`
	Role       string  `json:"role"`
	Content    string  `json:"content"`
	Intent     string  `json:"intent,omitempty"`
	Confidence float64 `json:"confidence"`
	Sentiment  float64 `json:"sentiment"`
	CreatedAt  string  `json:"created_at"`
}

// MessagesResponse is the JSON response for GET /api/conversations/{id}/messages.
type MessagesResponse struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []MessageResponse `json:"messages"`
	NextCursor     string            `json:"next_cursor,omitempty"`
	HasMore        bool              `json:"has_more"`
}

// ResolveRequest is the JSON request body for the operator resolve action.
type ResolveRequest struct {
	Satisfaction *int   `json:"satisfaction,omitempty"`
	Note         string `json:"note,omitempty"`
}

// EscalateRequest is the JSON request body for the operator escalate action.
type EscalateRequest struct {
	Reason string `json:"reason,omitempty"`
	Agent  string `json:"agent,omitempty"`
}

// AssignRequest is the JSON request body for the operator assign action.
type AssignRequest struct {
	Agent string `json:"agent"`
}

// ConversationsResponse is the JSON response for the admin conversation listing.
type ConversationsResponse struct {
	Conversations []ConversationResponse `json:"conversations"`
}

// StatsResponse is the JSON response for GET /api/admin/stats.
type StatsResponse struct {
	Day                string         `json:"day"`
	TotalConversations int            `json:"total_conversations"`
	OpenConversations  int            `json:"open_conversations"`
	Escalated          int            `json:"escalated"`
	ResolvedToday      int            `json:"resolved_today"`
	EscalationsToday   int            `json:"escalations_today"`
	AvgSentiment       float64        `json:"avg_sentiment"`
	AvgSatisfaction    float64        `json:"avg_satisfaction"`
	AvgResponseMs      float64        `json:"avg_response_ms"`
	ChannelCounts      map[string]int `json:"channel_counts"`
	CategoryCounts     map[string]int `json:"category_counts"`
	HourlyVolume       [24]int        `json:"hourly_volume"`
}

// handleChat handles POST /api/chat: one web-channel turn in, the reply out.
// Duplicate message ids replay the original result. A whitespace-only
// submission is acknowledged with 204 and never reaches the engine.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := parseChatRequest(r.Body)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.dispatcher.Submit(r.Context(), dispatch.SubmitRequest{
		Identity:  req.Identity,
		Channel:   string(store.ChannelWeb),
		Content:   req.Content,
		MessageID: req.MessageID,
		Contact: store.Contact{
			Name:       req.Contact.Name,
			Email:      req.Contact.Email,
			Phone:      req.Contact.Phone,
			AccountRef: req.Contact.AccountRef,
		},
	})
	if errors.Is(err, dispatch.ErrInvalidInput) {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("chat turn failed", "identity", req.Identity, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if res.NoOp {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.sendJSON(w, http.StatusOK, ChatResponse{
		ConversationID: res.ConversationID,
		SessionID:      res.SessionID,
		MessageID:      res.MessageID,
		Seq:            res.Seq,
		Reply:          res.Reply,
		Status:         string(res.Status),
		Escalated:      res.Escalated,
		Intent:         res.Intent,
	})
}

// parseChatRequest parses and validates a ChatRequest from the given reader.
func parseChatRequest(r io.Reader) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.Identity == "" {
		return nil, errors.New("identity is required")
	}
	return &req, nil
}

// handleGetConversation handles GET /api/conversations/{id}.
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := s.conversationID(w, r)
	if !ok {
		return
	}

	conv, err := s.store.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get conversation", "conversation_id", id, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := conversationResponse(conv)
	if conv.Status == store.StatusEscalated {
		if event, err := s.store.GetOpenEscalation(r.Context(), id); err == nil {
			resp.Escalation = &EscalationInfo{
				Reason:        string(event.Reason),
				AssignedAgent: event.AssignedAgent,
				CreatedAt:     event.CreatedAt.Format(time.RFC3339),
			}
		}
	}

	s.sendJSON(w, http.StatusOK, resp)
}

// handleListMessages handles GET /api/conversations/{id}/messages with
// cursor pagination. ?limit=N defaults to 50, capped at 200; ?cursor is the
// opaque token from a previous page.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := s.conversationID(w, r)
	if !ok {
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"), 50)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
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

	page, err := s.store.ListMessages(r.Context(), store.ListMessagesParams{
		ConversationID: id,
		Limit:          limit,
		Cursor:         r.URL.Query().Get("cursor"),
	})
	if errors.Is(err, store.ErrInvalidCursor) {
		s.sendJSONError(w, http.StatusBadRequest, "invalid cursor")
		return
	}
	if err != nil {
		s.logger.Error("failed to list messages", "conversation_id", id, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := MessagesResponse{
		ConversationID: id,
		Messages:       make([]MessageResponse, len(page.Messages)),
		NextCursor:     page.NextCursor,
		HasMore:        page.HasMore,
	}
	for i, msg := range page.Messages {
		resp.Messages[i] = MessageResponse{
			ID:         msg.ID,
			Seq:        msg.Seq,
			Role:       string(msg.Role),
			Content:    msg.Content,
			Intent:     msg.Intent,
			Confidence: msg.Confidence,
			Sentiment:  msg.Sentiment,
			CreatedAt:  msg.CreatedAt.Format(time.RFC3339),
		}
	}

	s.sendJSON(w, http.StatusOK, resp)
}

// handleResolve handles POST /api/conversations/{id}/resolve. The operator
// identity from the token is recorded as the resolver.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := s.conversationID(w, r)
	if !ok {
		return
	}

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Satisfaction != nil && (*req.Satisfaction < 1 || *req.Satisfaction > 5) {
		s.sendJSONError(w, http.StatusBadRequest, "satisfaction must be between 1 and 5")
		return
	}

	operator, _ := auth.OperatorFrom(r.Context())
	conv, err := s.engine.Resolve(r.Context(), id, engine.ResolveRequest{
		Satisfaction: req.Satisfaction,
		Note:         req.Note,
		ResolvedBy:   operator,
	})
	if !s.checkActionError(w, "resolve", id, err) {
		return
	}

	s.sendJSON(w, http.StatusOK, conversationResponse(conv))
}

// handleEscalate handles POST /api/conversations/{id}/escalate. Escalating
// an already escalated conversation succeeds without a second event. The
// operator's stated reason is logged; the event records a manual trigger.
func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.conversationID(w, r)
	if !ok {
		return
	}

	var req EscalateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	operator, _ := auth.OperatorFrom(r.Context())
	conv, err := s.engine.Escalate(r.Context(), id, req.Agent)
	if !s.checkActionError(w, "escalate", id, err) {
		return
	}

	s.logger.Info("operator escalation",
		"conversation_id", id,
		"operator", operator,
		"agent", req.Agent,
		"reason", req.Reason)
	s.sendJSON(w, http.StatusOK, conversationResponse(conv))
}

// handleAssign handles POST /api/conversations/{id}/assign, recording which
// agent picked up the escalation.
func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	id, ok := s.conversationID(w, r)
	if !ok {
		return
	}

	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Agent == "" {
		s.sendJSONError(w, http.StatusBadRequest, "agent is required")
		return
	}

	err := s.engine.Assign(r.Context(), id, req.Agent)
	if errors.Is(err, store.ErrNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "no open escalation for this conversation")
		return
	}
	if err != nil {
		s.logger.Error("failed to assign escalation", "conversation_id", id, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleListConversations handles GET /api/admin/conversations with optional
// ?status=, ?channel= and ?limit= filters.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	params := store.ListConversationsParams{}

	if status := r.URL.Query().Get("status"); status != "" {
		st := store.ConversationStatus(status)
		if !st.Open() && !st.Terminal() {
			s.sendJSONError(w, http.StatusBadRequest, "unknown status filter")
			return
		}
		params.Status = st
	}
	if channel := r.URL.Query().Get("channel"); channel != "" {
		ch := store.Channel(channel)
		if !ch.Valid() {
			s.sendJSONError(w, http.StatusBadRequest, "unknown channel filter")
			return
		}
		params.Channel = ch
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"), 50)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	params.Limit = limit

	conversations, err := s.store.ListConversations(r.Context(), params)
	if err != nil {
		s.logger.Error("failed to list conversations", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := ConversationsResponse{
		Conversations: make([]ConversationResponse, len(conversations)),
	}
	for i, conv := range conversations {
		resp.Conversations[i] = conversationResponse(conv)
	}

	s.sendJSON(w, http.StatusOK, resp)
}

// handleAdminStats handles GET /api/admin/stats. ?day=YYYY-MM-DD selects the
// day, defaulting to today in UTC.
func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	day := r.URL.Query().Get("day")
	if day == "" {
		day, _ = store.TimeBucket(time.Now())
	} else if _, err := time.Parse("2006-01-02", day); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "day must be formatted YYYY-MM-DD")
		return
	}

	stats, err := s.store.DashboardStats(r.Context(), day)
	if err != nil {
		s.logger.Error("failed to compute dashboard stats", "day", day, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := StatsResponse{
		Day:                stats.Day,
		TotalConversations: stats.TotalConversations,
		OpenConversations:  stats.OpenConversations,
		Escalated:          stats.Escalated,
		ResolvedToday:      stats.ResolvedToday,
		EscalationsToday:   stats.EscalationsToday,
		AvgSentiment:       stats.AvgSentiment,
		AvgSatisfaction:    stats.AvgSatisfaction,
		AvgResponseMs:      stats.AvgResponseMs,
		ChannelCounts:      make(map[string]int, len(stats.ChannelCounts)),
		CategoryCounts:     stats.CategoryCounts,
		HourlyVolume:       stats.HourlyVolume,
	}
	for ch, n := range stats.ChannelCounts {
		resp.ChannelCounts[string(ch)] = n
	}
	if resp.CategoryCounts == nil {
		resp.CategoryCounts = map[string]int{}
	}

	s.sendJSON(w, http.StatusOK, resp)
}

// conversationID extracts and validates the {id} path segment, writing the
// error response itself when the id is unusable.
func (s *Server) conversationID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid conversation id")
		return "", false
	}
	return id, true
}

// checkActionError maps an operator-action error onto the response, returning
// true when the action succeeded.
func (s *Server) checkActionError(w http.ResponseWriter, action, conversationID string, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrNotFound):
		s.sendJSONError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, engine.ErrInvalidTransition):
		s.sendJSONError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("operator action failed",
			"action", action, "conversation_id", conversationID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
	return false
}

// conversationResponse converts a store record to its JSON shape.
func conversationResponse(conv *store.Conversation) ConversationResponse {
	resp := ConversationResponse{
		ID:             conv.ID,
		SessionID:      conv.SessionID,
		Channel:        string(conv.Channel),
		Status:         string(conv.Status),
		Priority:       string(conv.Priority),
		Category:       conv.Category,
		Sentiment:      conv.Sentiment,
		Satisfaction:   conv.Satisfaction,
		CreatedAt:      conv.CreatedAt.Format(time.RFC3339),
		LastActivityAt: conv.LastActivityAt.Format(time.RFC3339),
	}
	if conv.ClosedAt != nil {
		resp.ClosedAt = conv.ClosedAt.Format(time.RFC3339)
	}
	return resp
}

// parseLimit parses an optional ?limit= value with a default and the shared cap.
func parseLimit(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}

// sendJSON writes a JSON response with the given status.
func (s *Server) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
