// ABOUTME: In-memory implementation of the Store interface
// ABOUTME: Backs tests and ephemeral dev runs; no durability

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements the Store interface with in-process maps.
// All methods are safe for concurrent use. Values are copied on the way in
// and out so callers never share memory with the store.
type MemoryStore struct {
	mu                 sync.RWMutex
	sessions           map[string]*Session
	sessionsByIdentity map[string]string
	conversations      map[string]*Conversation
	messages           map[string][]*Message
	messagesByID       map[string]*Message
	escalations        map[string][]*EscalationEvent
	analytics          map[string]*AnalyticsRecord
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:           make(map[string]*Session),
		sessionsByIdentity: make(map[string]string),
		conversations:      make(map[string]*Conversation),
		messages:           make(map[string][]*Message),
		messagesByID:       make(map[string]*Message),
		escalations:        make(map[string][]*EscalationEvent),
		analytics:          make(map[string]*AnalyticsRecord),
	}
}

func copySession(s *Session) *Session {
	c := *s
	return &c
}

func copyConversation(c *Conversation) *Conversation {
	out := *c
	if c.Satisfaction != nil {
		v := *c.Satisfaction
		out.Satisfaction = &v
	}
	if c.ClosedAt != nil {
		t := *c.ClosedAt
		out.ClosedAt = &t
	}
	return &out
}

func copyMessage(m *Message) *Message {
	c := *m
	return &c
}

func copyEscalation(e *EscalationEvent) *EscalationEvent {
	out := *e
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}

// GetOrCreateSession looks up the session for an identity key, creating it if absent
func (s *MemoryStore) GetOrCreateSession(ctx context.Context, identityKey string, channel Channel, contact Contact) (*Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.sessionsByIdentity[identityKey]; ok {
		sess := s.sessions[id]
		if contact.Name != "" {
			sess.Contact.Name = contact.Name
		}
		if contact.Email != "" {
			sess.Contact.Email = contact.Email
		}
		if contact.Phone != "" {
			sess.Contact.Phone = contact.Phone
		}
		if contact.AccountRef != "" {
			sess.Contact.AccountRef = contact.AccountRef
		}
		return copySession(sess), false, nil
	}

	sess := &Session{
		ID:          uuid.New().String(),
		IdentityKey: identityKey,
		Channel:     channel,
		Contact:     contact,
		CreatedAt:   time.Now().UTC(),
	}
	s.sessions[sess.ID] = sess
	s.sessionsByIdentity[identityKey] = sess.ID
	return copySession(sess), true, nil
}

// GetSession retrieves a session by ID
func (s *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(sess), nil
}

// GetSessionByIdentity retrieves a session by identity key
func (s *MemoryStore) GetSessionByIdentity(ctx context.Context, identityKey string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.sessionsByIdentity[identityKey]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(s.sessions[id]), nil
}

// CreateConversation creates a new active conversation for a session
func (s *MemoryStore) CreateConversation(ctx context.Context, sessionID string, channel Channel) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	for _, conv := range s.conversations {
		if conv.SessionID == sessionID && conv.Status.Open() {
			return nil, ErrConversationOpen
		}
	}

	now := time.Now().UTC()
	conv := &Conversation{
		ID:             uuid.New().String(),
		SessionID:      sessionID,
		Channel:        channel,
		Status:         StatusActive,
		Priority:       PriorityNormal,
		Category:       "general",
		CreatedAt:      now,
		LastActivityAt: now,
	}
	s.conversations[conv.ID] = conv
	return copyConversation(conv), nil
}

// GetConversation retrieves a conversation by ID
func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(conv), nil
}

// GetOpenConversation retrieves the session's open conversation
func (s *MemoryStore) GetOpenConversation(ctx context.Context, sessionID string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, conv := range s.conversations {
		if conv.SessionID == sessionID && conv.Status.Open() {
			return copyConversation(conv), nil
		}
	}
	return nil, ErrNotFound
}

func applyUpdate(conv *Conversation, update ConversationUpdate) {
	conv.Status = update.Status
	conv.Priority = update.Priority
	conv.Category = update.Category
	conv.Sentiment = update.Sentiment
	conv.LowConfidenceStreak = update.LowConfidenceStreak
	conv.FailureStreak = update.FailureStreak
	conv.LastActivityAt = update.LastActivityAt
	if update.ClosedAt != nil {
		t := *update.ClosedAt
		conv.ClosedAt = &t
	} else {
		conv.ClosedAt = nil
	}
	if update.Satisfaction != nil {
		v := *update.Satisfaction
		conv.Satisfaction = &v
	} else {
		conv.Satisfaction = nil
	}
}

// UpdateConversationStatus applies a full conversation update
func (s *MemoryStore) UpdateConversationStatus(ctx context.Context, conversationID string, update ConversationUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	applyUpdate(conv, update)
	return nil
}

// ListConversations returns conversations by most recent activity
func (s *MemoryStore) ListConversations(ctx context.Context, params ListConversationsParams) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []*Conversation
	for _, conv := range s.conversations {
		if params.Status != "" && conv.Status != params.Status {
			continue
		}
		if params.Channel != "" && conv.Channel != params.Channel {
			continue
		}
		out = append(out, copyConversation(conv))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListIdleConversations returns active conversations idle since idleBefore
func (s *MemoryStore) ListIdleConversations(ctx context.Context, idleBefore time.Time, limit int) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var out []*Conversation
	for _, conv := range s.conversations {
		if conv.Status == StatusActive && conv.LastActivityAt.Before(idleBefore) {
			out = append(out, copyConversation(conv))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.Before(out[j].LastActivityAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PurgeClosedBefore deletes terminal conversations closed at or before cutoff
func (s *MemoryStore) PurgeClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for id, conv := range s.conversations {
		if !conv.Status.Terminal() || conv.ClosedAt == nil || conv.ClosedAt.After(cutoff) {
			continue
		}
		for _, msg := range s.messages[id] {
			delete(s.messagesByID, msg.ID)
		}
		delete(s.messages, id)
		delete(s.escalations, id)
		delete(s.conversations, id)
		count++
	}
	return count, nil
}

// AppendMessage appends a message, assigning the next sequence number
func (s *MemoryStore) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.appendLocked(msg)
	if err != nil {
		return nil, err
	}
	return copyMessage(stored), nil
}

func (s *MemoryStore) appendLocked(msg *Message) (*Message, error) {
	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return nil, ErrNotFound
	}
	if _, exists := s.messagesByID[msg.ID]; exists {
		return nil, ErrDuplicateMessage
	}

	stored := copyMessage(msg)
	stored.Seq = int64(len(s.messages[msg.ConversationID])) + 1
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], stored)
	s.messagesByID[stored.ID] = stored
	conv.LastActivityAt = stored.CreatedAt
	return stored, nil
}

// CompleteTurn appends the outbound message and applies the update atomically
func (s *MemoryStore) CompleteTurn(ctx context.Context, conversationID string, outbound *Message, update ConversationUpdate) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}

	stored, err := s.appendLocked(outbound)
	if err != nil {
		return nil, err
	}
	applyUpdate(conv, update)
	return copyMessage(stored), nil
}

// GetMessage retrieves a message by ID
func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messagesByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMessage(msg), nil
}

// ListRecentMessages returns the most recent limit messages in sequence order
func (s *MemoryStore) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	start := 0
	if limit > 0 && len(msgs) > limit {
		start = len(msgs) - limit
	}

	out := make([]*Message, 0, len(msgs)-start)
	for _, m := range msgs[start:] {
		out = append(out, copyMessage(m))
	}
	return out, nil
}

// ListMessages returns one page of messages with cursor pagination
func (s *MemoryStore) ListMessages(ctx context.Context, params ListMessagesParams) (*ListMessagesResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}

	var afterSeq int64
	if params.Cursor != "" {
		var err error
		afterSeq, err = decodeMessageCursor(params.Cursor)
		if err != nil {
			return nil, err
		}
	}

	var page []*Message
	for _, m := range s.messages[params.ConversationID] {
		if m.Seq > afterSeq {
			page = append(page, copyMessage(m))
		}
	}

	result := &ListMessagesResult{}
	if len(page) > limit {
		page = page[:limit]
		result.HasMore = true
		result.NextCursor = encodeMessageCursor(page[len(page)-1].Seq)
	}
	result.Messages = page
	return result, nil
}

// CreateEscalation records an escalation; a second open one is a no-op
func (s *MemoryStore) CreateEscalation(ctx context.Context, event *EscalationEvent) (*EscalationEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[event.ConversationID]; !ok {
		return nil, false, ErrNotFound
	}
	for _, e := range s.escalations[event.ConversationID] {
		if e.ResolvedAt == nil {
			return copyEscalation(e), false, nil
		}
	}

	stored := copyEscalation(event)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.escalations[event.ConversationID] = append(s.escalations[event.ConversationID], stored)
	return copyEscalation(stored), true, nil
}

// GetOpenEscalation retrieves the unresolved escalation for a conversation
func (s *MemoryStore) GetOpenEscalation(ctx context.Context, conversationID string) (*EscalationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.escalations[conversationID] {
		if e.ResolvedAt == nil {
			return copyEscalation(e), nil
		}
	}
	return nil, ErrNotFound
}

// AssignEscalation sets the handling agent on the open escalation
func (s *MemoryStore) AssignEscalation(ctx context.Context, conversationID, agent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.escalations[conversationID] {
		if e.ResolvedAt == nil {
			e.AssignedAgent = agent
			return nil
		}
	}
	return ErrNotFound
}

// CloseEscalation resolves the open escalation; no-op if none is open
func (s *MemoryStore) CloseEscalation(ctx context.Context, conversationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.escalations[conversationID] {
		if e.ResolvedAt == nil {
			t := at.UTC()
			e.ResolvedAt = &t
		}
	}
	return nil
}

// InsertAnalyticsRecord stores a metric sample, deduplicating by ID
func (s *MemoryStore) InsertAnalyticsRecord(ctx context.Context, rec *AnalyticsRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.analytics[rec.ID]; ok {
		return false, nil
	}
	stored := *rec
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.analytics[rec.ID] = &stored
	return true, nil
}

// DashboardStats aggregates one day of activity
func (s *MemoryStore) DashboardStats(ctx context.Context, day string) (*DashboardStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &DashboardStats{
		Day:            day,
		ChannelCounts:  make(map[Channel]int),
		CategoryCounts: make(map[string]int),
	}

	var sentimentSum float64
	var satisfactionSum, satisfactionCount int
	for _, conv := range s.conversations {
		if conv.Status.Open() {
			stats.OpenConversations++
		}
		if conv.Status == StatusEscalated {
			stats.Escalated++
		}
		if dayOf(conv.CreatedAt) == day {
			stats.TotalConversations++
			sentimentSum += conv.Sentiment
			stats.ChannelCounts[conv.Channel]++
			stats.CategoryCounts[conv.Category]++
		}
		if conv.Status == StatusResolved && conv.ClosedAt != nil && dayOf(*conv.ClosedAt) == day {
			stats.ResolvedToday++
			if conv.Satisfaction != nil {
				satisfactionSum += *conv.Satisfaction
				satisfactionCount++
			}
		}
	}
	if stats.TotalConversations > 0 {
		stats.AvgSentiment = sentimentSum / float64(stats.TotalConversations)
	}
	if satisfactionCount > 0 {
		stats.AvgSatisfaction = float64(satisfactionSum) / float64(satisfactionCount)
	}

	for _, events := range s.escalations {
		for _, e := range events {
			if dayOf(e.CreatedAt) == day {
				stats.EscalationsToday++
			}
		}
	}

	var responseSum float64
	var responseCount int
	for _, rec := range s.analytics {
		if rec.Metric == MetricResponseTime && rec.Day == day {
			responseSum += rec.Value
			responseCount++
		}
	}
	if responseCount > 0 {
		stats.AvgResponseMs = responseSum / float64(responseCount)
	}

	for _, msgs := range s.messages {
		for _, m := range msgs {
			if dayOf(m.CreatedAt) == day {
				stats.HourlyVolume[m.CreatedAt.UTC().Hour()]++
			}
		}
	}

	return stats, nil
}

func dayOf(t time.Time) string {
	return strings.SplitN(t.UTC().Format(time.RFC3339), "T", 2)[0]
}

// Ping always succeeds for the in-memory store
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close releases nothing; the memory store holds no external resources
func (s *MemoryStore) Close() error {
	return nil
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)
