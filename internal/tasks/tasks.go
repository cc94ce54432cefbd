// ABOUTME: Background task queue contract and job payloads
// ABOUTME: Carries analytics records and escalation notifications off the turn path

package tasks

import (
	"context"
	"time"

	"github.com/2389/switchboard/internal/store"
)

// NotificationJob asks the notification worker to alert staff about an
// escalated conversation. ID makes redelivery harmless for consumers that
// track processed jobs.
type NotificationJob struct {
	ID             string                 `json:"id"`
	ConversationID string                 `json:"conversation_id"`
	SessionID      string                 `json:"session_id"`
	Channel        store.Channel          `json:"channel"`
	Reason         store.EscalationReason `json:"reason"`
	Priority       store.Priority         `json:"priority"`
	LastMessage    string                 `json:"last_message"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Queue moves jobs from the turn path to background consumers. Enqueues are
// fire-and-forget: delivery is at-least-once at best and consumers must
// tolerate duplicates (analytics records deduplicate by ID on insert).
type Queue interface {
	EnqueueAnalytics(ctx context.Context, rec *store.AnalyticsRecord) error
	EnqueueNotification(ctx context.Context, job *NotificationJob) error

	ConsumeAnalytics(handler func(*store.AnalyticsRecord)) error
	ConsumeNotifications(handler func(*NotificationJob)) error

	// Ping reports whether the queue can currently accept jobs
	Ping(ctx context.Context) error

	Close() error
}
