// ABOUTME: In-memory pub/sub for live conversation and dashboard streams
// ABOUTME: Non-blocking buffered fan-out keyed by conversation id plus a firehose key

package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// firehoseKey collects subscribers that want every conversation's
	// events (the dashboard feed). Conversation ids are UUIDs, so the key
	// cannot collide.
	firehoseKey = "*"
)

// Broadcaster provides in-memory pub/sub for TurnEvents. Subscribers
// register for one conversation or for the firehose and receive events as
// they are published. Sends never block: a subscriber that stops reading
// loses events, not the publisher.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *TurnEvent // key -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *TurnEvent),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for one conversation's events. Returns
// the receive channel and a subscription ID for manual unsubscription. The
// subscription is cleaned up automatically when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, conversationID string) (<-chan *TurnEvent, string) {
	return b.subscribe(ctx, conversationID)
}

// SubscribeAll registers a dashboard subscriber that receives events for
// every conversation.
func (b *Broadcaster) SubscribeAll(ctx context.Context) (<-chan *TurnEvent, string) {
	return b.subscribe(ctx, firehoseKey)
}

func (b *Broadcaster) subscribe(ctx context.Context, key string) (<-chan *TurnEvent, string) {
	subID := uuid.New().String()
	ch := make(chan *TurnEvent, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[string]chan *TurnEvent)
	}
	b.subscribers[key][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "key", key, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.unsubscribe(key, subID)
	}()

	return ch, subID
}

// Publish sends an event to the conversation's subscribers and to every
// firehose subscriber. Non-blocking: full subscriber channels drop the
// event for that subscriber only.
func (b *Broadcaster) Publish(event *TurnEvent) {
	if event == nil {
		return
	}

	b.mu.RLock()
	targets := make([]chan *TurnEvent, 0, 4)
	for _, ch := range b.subscribers[event.ConversationID] {
		targets = append(targets, ch)
	}
	for _, ch := range b.subscribers[firehoseKey] {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"conversation_id", event.ConversationID,
				"event_id", event.ID)
		}
	}
}

// Unsubscribe removes a per-conversation subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(conversationID, subID string) {
	b.unsubscribe(conversationID, subID)
}

// UnsubscribeAll removes a firehose subscription and closes its channel.
func (b *Broadcaster) UnsubscribeAll(subID string) {
	b.unsubscribe(firehoseKey, subID)
}

func (b *Broadcaster) unsubscribe(key, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[key]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, key)
	}

	b.logger.Debug("subscriber removed", "key", key, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}

	b.logger.Debug("broadcaster closed")
}
