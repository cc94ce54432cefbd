// ABOUTME: Fan-out bus splitting each turn event into mandatory and best-effort legs
// ABOUTME: Sync channel delivery, dashboard broadcast, and analytics/notification enqueue

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/tasks"
)

// Kind distinguishes events produced by a processed inbound message from
// events produced by status changes alone (operator action, idle sweep).
type Kind string

const (
	KindTurn   Kind = "turn"
	KindStatus Kind = "status"
)

// TurnEvent is the single event each conversation turn or status change
// produces. It is pushed to the originating channel, to dashboard
// subscribers, and drives background analytics.
type TurnEvent struct {
	ID              string                   `json:"id"`
	Kind            Kind                     `json:"kind"`
	ConversationID  string                   `json:"conversation_id"`
	SessionID       string                   `json:"session_id"`
	Channel         store.Channel            `json:"channel"`
	Status          store.ConversationStatus `json:"status"`
	Priority        store.Priority           `json:"priority"`
	Category        string                   `json:"category"`
	Seq             int64                    `json:"seq"`
	Reply           string                   `json:"reply"`
	Intent          string                   `json:"intent,omitempty"`
	Sentiment       float64                  `json:"sentiment"`
	Escalated       bool                     `json:"escalated"`
	Reason          store.EscalationReason   `json:"reason,omitempty"`
	NewConversation bool                     `json:"new_conversation,omitempty"`
	ResponseMs      int64                    `json:"response_ms,omitempty"`
	Timestamp       time.Time                `json:"timestamp"`
}

// Deliverer pushes an event to the channel the user is talking on. Delivery
// is synchronous and mandatory: an error here fails the turn.
type Deliverer interface {
	Deliver(ctx context.Context, event *TurnEvent) error
}

// Bus fans each published event out to three legs: the originating channel
// (synchronous, errors propagate), dashboard subscribers (non-blocking
// broadcast), and the background queue (analytics records plus an operator
// notification on escalation). Only the first leg can fail a Publish.
type Bus struct {
	mu          sync.RWMutex
	deliverers  map[store.Channel]Deliverer
	broadcaster *Broadcaster
	queue       tasks.Queue
	logger      *slog.Logger
}

// New creates a bus. queue may be nil, in which case the background leg is
// skipped entirely.
func New(queue tasks.Queue, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		deliverers:  make(map[store.Channel]Deliverer),
		broadcaster: NewBroadcaster(logger),
		queue:       queue,
		logger:      logger.With("component", "bus"),
	}
}

// RegisterDeliverer installs the synchronous deliverer for a channel.
// Channels without a deliverer rely on the transport response itself (the
// HTTP handler returns the reply), so publishing to them still succeeds.
func (b *Bus) RegisterDeliverer(channel store.Channel, d Deliverer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliverers[channel] = d
}

// Broadcaster exposes the dashboard/live-stream subscription registry.
func (b *Bus) Broadcaster() *Broadcaster {
	return b.broadcaster
}

// Publish delivers one event. The caller holds the conversation lock while
// publishing, so events for a single conversation reach every leg in
// production order. Returns an error only when the originating channel's
// deliverer fails.
func (b *Bus) Publish(ctx context.Context, event *TurnEvent) error {
	if event == nil {
		return errors.New("publish: nil event")
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	deliverer := b.deliverers[event.Channel]
	b.mu.RUnlock()

	if deliverer != nil {
		if err := deliverer.Deliver(ctx, event); err != nil {
			return fmt.Errorf("deliver to %s: %w", event.Channel, err)
		}
	}

	// Best-effort legs run inline to keep per-conversation order, but their
	// failures never reach the caller.
	b.broadcaster.Publish(event)
	b.enqueueJobs(ctx, event)

	b.logger.Debug("event published",
		"event_id", event.ID,
		"conversation_id", event.ConversationID,
		"status", event.Status,
		"escalated", event.Escalated)
	return nil
}

// Close shuts down the dashboard broadcaster. The queue is owned by the
// caller and closed separately.
func (b *Bus) Close() {
	b.broadcaster.Close()
}

func (b *Bus) enqueueJobs(ctx context.Context, event *TurnEvent) {
	if b.queue == nil {
		return
	}
	for _, rec := range analyticsFor(event) {
		if err := b.queue.EnqueueAnalytics(ctx, rec); err != nil {
			b.logger.Warn("analytics enqueue failed",
				"metric", rec.Metric,
				"conversation_id", event.ConversationID,
				"error", err)
		}
	}
	if job := notificationFor(event); job != nil {
		if err := b.queue.EnqueueNotification(ctx, job); err != nil {
			b.logger.Warn("notification enqueue failed",
				"conversation_id", event.ConversationID,
				"error", err)
		}
	}
}

// analyticsFor derives the metric samples a single event contributes.
// Record IDs are deterministic (event ID + metric) so redelivered jobs
// deduplicate on insert.
func analyticsFor(event *TurnEvent) []*store.AnalyticsRecord {
	day, hour := store.TimeBucket(event.Timestamp)
	var recs []*store.AnalyticsRecord
	add := func(metric string, value float64) {
		recs = append(recs, &store.AnalyticsRecord{
			ID:        event.ID + ":" + metric,
			Metric:    metric,
			Value:     value,
			Channel:   event.Channel,
			Day:       day,
			Hour:      hour,
			CreatedAt: event.Timestamp,
		})
	}

	if event.Kind == KindTurn {
		add(store.MetricTurnCount, 1)
		add(store.MetricSentiment, event.Sentiment)
		if event.ResponseMs > 0 {
			add(store.MetricResponseTime, float64(event.ResponseMs))
		}
		if event.NewConversation {
			add(store.MetricConversations, 1)
		}
	}
	if event.Escalated {
		add(store.MetricEscalation, 1)
	}
	return recs
}

// notificationFor builds the operator page for a turn that escalated the
// conversation. Nil for everything else.
func notificationFor(event *TurnEvent) *tasks.NotificationJob {
	if !event.Escalated {
		return nil
	}
	return &tasks.NotificationJob{
		ID:             event.ID + ":notify",
		ConversationID: event.ConversationID,
		SessionID:      event.SessionID,
		Channel:        event.Channel,
		Reason:         event.Reason,
		Priority:       event.Priority,
		LastMessage:    event.Reply,
		CreatedAt:      event.Timestamp,
	}
}
