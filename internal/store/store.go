// ABOUTME: Store interface and data types for switchboard persistence
// ABOUTME: Defines Session, Conversation, Message, EscalationEvent and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConversationOpen is returned when trying to create a conversation for a
// session that already has an open one
var ErrConversationOpen = errors.New("session already has an open conversation")

// ErrDuplicateMessage is returned when a message with the same ID already exists
var ErrDuplicateMessage = errors.New("message already exists")

// ErrDuplicateSession is returned when a session with the same identity key already exists
var ErrDuplicateSession = errors.New("session already exists")

// Channel identifies the transport a conversation arrives on
type Channel string

// Recognized channels
const (
	ChannelWeb   Channel = "web"
	ChannelVoice Channel = "voice"
)

// Valid reports whether c is a recognized channel
func (c Channel) Valid() bool {
	return c == ChannelWeb || c == ChannelVoice
}

// ConversationStatus is the lifecycle state of a conversation
type ConversationStatus string

// Conversation lifecycle states
const (
	StatusActive    ConversationStatus = "active"
	StatusEscalated ConversationStatus = "escalated"
	StatusResolved  ConversationStatus = "resolved"
	StatusAbandoned ConversationStatus = "abandoned"
)

// Open reports whether the conversation still accepts turns.
// A session may have at most one open conversation at a time.
func (s ConversationStatus) Open() bool {
	return s == StatusActive || s == StatusEscalated
}

// Terminal reports whether the status is final
func (s ConversationStatus) Terminal() bool {
	return s == StatusResolved || s == StatusAbandoned
}

// Priority is the handling tier of a conversation
type Priority string

// Priority tiers, lowest to highest
const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns the ordering of a priority for upgrade-only comparisons.
// Unknown priorities rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityNormal:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	default:
		return 0
	}
}

// SenderRole identifies who authored a message
type SenderRole string

// Message sender roles
const (
	RoleUser   SenderRole = "user"
	RoleAgent  SenderRole = "agent"
	RoleSystem SenderRole = "system"
)

// EscalationReason enumerates why a conversation was escalated
type EscalationReason string

// Escalation trigger reasons
const (
	ReasonLowConfidence     EscalationReason = "low_confidence"
	ReasonHardIntent        EscalationReason = "hard_intent"
	ReasonNegativeSentiment EscalationReason = "negative_sentiment"
	ReasonHumanRequested    EscalationReason = "human_requested"
	ReasonGeneratorFailures EscalationReason = "generator_failures"
	ReasonManual            EscalationReason = "manual"
)

// Contact holds the optional contact attributes attached to a session
type Contact struct {
	Name       string
	Email      string
	Phone      string
	AccountRef string
}

// Session is the durable identity record for one user.
// Conversations reference their session, they never copy it.
type Session struct {
	ID          string
	IdentityKey string
	Channel     Channel
	Contact     Contact
	CreatedAt   time.Time
}

// Conversation is one bounded interaction between a user and the system.
// The streak counters carry escalation-policy state across turns and restarts.
type Conversation struct {
	ID                  string
	SessionID           string
	Channel             Channel
	Status              ConversationStatus
	Priority            Priority
	Category            string
	Sentiment           float64
	LowConfidenceStreak int
	FailureStreak       int
	Satisfaction        *int
	CreatedAt           time.Time
	LastActivityAt      time.Time
	ClosedAt            *time.Time
}

// Message is a single immutable turn record within a conversation.
// Seq is assigned by the store on append; it is unique, gap-free and strictly
// increasing within a conversation, starting at 1.
type Message struct {
	ID             string
	ConversationID string
	Seq            int64
	Role           SenderRole
	Content        string
	Intent         string
	Confidence     float64
	Sentiment      float64
	CreatedAt      time.Time
}

// EscalationEvent records a handoff to a human agent.
// At most one unresolved event exists per conversation.
type EscalationEvent struct {
	ID             string
	ConversationID string
	Reason         EscalationReason
	AssignedAgent  string
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

// AnalyticsRecord is one write-only metric sample. The ID doubles as the
// dedupe key for at-least-once queue delivery.
type AnalyticsRecord struct {
	ID        string
	Metric    string
	Value     float64
	Channel   Channel
	Day       string
	Hour      int
	CreatedAt time.Time
}

// Analytics metric types
const (
	MetricResponseTime  = "response_time_ms"
	MetricTurnCount     = "turn_count"
	MetricSentiment     = "sentiment_sample"
	MetricEscalation    = "escalation"
	MetricConversations = "conversations_started"
)

// TimeBucket returns the UTC date and hour bucket for a timestamp
func TimeBucket(t time.Time) (day string, hour int) {
	u := t.UTC()
	return u.Format("2006-01-02"), u.Hour()
}

// ConversationUpdate carries the per-turn mutation applied to a conversation.
// All fields are written; callers populate it from the current row plus the
// turn's changes.
type ConversationUpdate struct {
	Status              ConversationStatus
	Priority            Priority
	Category            string
	Sentiment           float64
	LowConfidenceStreak int
	FailureStreak       int
	LastActivityAt      time.Time
	ClosedAt            *time.Time
	Satisfaction        *int
}

// ListConversationsParams filters the admin conversation listing
type ListConversationsParams struct {
	Status  ConversationStatus // empty for all
	Channel Channel            // empty for all
	Limit   int
}

// ListMessagesParams selects a page of a conversation's messages
type ListMessagesParams struct {
	ConversationID string
	Limit          int
	Cursor         string // Opaque cursor from a previous response for pagination
}

// ListMessagesResult is one page of messages in sequence order
type ListMessagesResult struct {
	Messages   []*Message
	NextCursor string // Opaque cursor for fetching the next page, empty if no more
	HasMore    bool
}

// DashboardStats aggregates one day of activity for the operator dashboard
type DashboardStats struct {
	Day                string
	TotalConversations int
	OpenConversations  int
	Escalated          int
	ResolvedToday      int
	EscalationsToday   int
	AvgSentiment       float64
	AvgSatisfaction    float64
	AvgResponseMs      float64
	ChannelCounts      map[Channel]int
	CategoryCounts     map[string]int
	HourlyVolume       [24]int
}

// Store defines the interface for session, conversation, message and
// escalation persistence. SQLite, Postgres and in-memory implementations
// are provided; all mutations flow through the engine's per-conversation
// exclusive sections.
type Store interface {
	// Sessions
	GetOrCreateSession(ctx context.Context, identityKey string, channel Channel, contact Contact) (*Session, bool, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	GetSessionByIdentity(ctx context.Context, identityKey string) (*Session, error)

	// Conversations
	CreateConversation(ctx context.Context, sessionID string, channel Channel) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetOpenConversation(ctx context.Context, sessionID string) (*Conversation, error)
	UpdateConversationStatus(ctx context.Context, conversationID string, update ConversationUpdate) error
	ListConversations(ctx context.Context, params ListConversationsParams) ([]*Conversation, error)
	ListIdleConversations(ctx context.Context, idleBefore time.Time, limit int) ([]*Conversation, error)
	PurgeClosedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Messages (the conversation ledger)
	AppendMessage(ctx context.Context, msg *Message) (*Message, error)
	CompleteTurn(ctx context.Context, conversationID string, outbound *Message, update ConversationUpdate) (*Message, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	ListMessages(ctx context.Context, params ListMessagesParams) (*ListMessagesResult, error)

	// Escalations
	CreateEscalation(ctx context.Context, event *EscalationEvent) (*EscalationEvent, bool, error)
	GetOpenEscalation(ctx context.Context, conversationID string) (*EscalationEvent, error)
	AssignEscalation(ctx context.Context, conversationID, agent string) error
	CloseEscalation(ctx context.Context, conversationID string, at time.Time) error

	// Analytics
	InsertAnalyticsRecord(ctx context.Context, rec *AnalyticsRecord) (bool, error)
	DashboardStats(ctx context.Context, day string) (*DashboardStats, error)

	// Ping verifies the backing database is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
