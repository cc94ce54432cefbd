// ABOUTME: Tests for the in-memory store implementation
// ABOUTME: Verifies it matches the SQLite store on the invariants callers rely on

package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SessionLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sess, created, err := store.GetOrCreateSession(ctx, "web:mem-1", ChannelWeb, Contact{Name: "Ada"})
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := store.GetOrCreateSession(ctx, "web:mem-1", ChannelWeb, Contact{})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, sess.ID, again.ID)

	got, err := store.GetSessionByIdentity(ctx, "web:mem-1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.Contact.Name)

	_, err = store.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_SingleOpenConversation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sess, _, err := store.GetOrCreateSession(ctx, "web:mem-2", ChannelWeb, Contact{})
	require.NoError(t, err)

	conv, err := store.CreateConversation(ctx, sess.ID, ChannelWeb)
	require.NoError(t, err)

	_, err = store.CreateConversation(ctx, sess.ID, ChannelWeb)
	assert.ErrorIs(t, err, ErrConversationOpen)

	now := time.Now().UTC()
	require.NoError(t, store.UpdateConversationStatus(ctx, conv.ID, ConversationUpdate{
		Status: StatusResolved, Priority: PriorityNormal, Category: "general",
		LastActivityAt: now, ClosedAt: &now,
	}))

	_, err = store.CreateConversation(ctx, sess.ID, ChannelWeb)
	require.NoError(t, err)
}

func TestMemoryStore_ConcurrentAppendsGapFree(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sess, _, err := store.GetOrCreateSession(ctx, "web:mem-3", ChannelWeb, Contact{})
	require.NoError(t, err)
	conv, err := store.CreateConversation(ctx, sess.ID, ChannelWeb)
	require.NoError(t, err)

	const senders = 25
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			msg := &Message{
				ID:             uuid.New().String(),
				ConversationID: conv.ID,
				Role:           RoleUser,
				Content:        fmt.Sprintf("racer %d", n),
				CreatedAt:      time.Now().UTC(),
			}
			if _, err := store.AppendMessage(ctx, msg); err != nil {
				t.Errorf("AppendMessage failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	messages, err := store.ListRecentMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, senders)
	for i, msg := range messages {
		assert.Equal(t, int64(i+1), msg.Seq)
	}
}

func TestMemoryStore_CopiesOnReturn(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sess, _, err := store.GetOrCreateSession(ctx, "web:mem-4", ChannelWeb, Contact{Name: "Ada"})
	require.NoError(t, err)

	// Mutating a returned value must not corrupt stored state
	sess.Contact.Name = "mangled"
	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.Contact.Name)

	conv, err := store.CreateConversation(ctx, sess.ID, ChannelWeb)
	require.NoError(t, err)
	conv.Status = StatusAbandoned

	stored, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, stored.Status)
}

func TestMemoryStore_CompleteTurn(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sess, _, err := store.GetOrCreateSession(ctx, "web:mem-5", ChannelWeb, Contact{})
	require.NoError(t, err)
	conv, err := store.CreateConversation(ctx, sess.ID, ChannelWeb)
	require.NoError(t, err)

	_, err = store.AppendMessage(ctx, &Message{
		ID: uuid.New().String(), ConversationID: conv.ID,
		Role: RoleUser, Content: "hi", CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	outbound := &Message{
		ID: uuid.New().String(), ConversationID: conv.ID,
		Role: RoleAgent, Content: "hello there", CreatedAt: now,
	}
	saved, err := store.CompleteTurn(ctx, conv.ID, outbound, ConversationUpdate{
		Status: StatusActive, Priority: PriorityNormal, Category: "general",
		Sentiment: 0.2, LastActivityAt: now,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Seq)

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, got.Sentiment, 0.0001)
}

func TestMemoryStore_EscalationSingleOpen(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sess, _, err := store.GetOrCreateSession(ctx, "web:mem-6", ChannelWeb, Contact{})
	require.NoError(t, err)
	conv, err := store.CreateConversation(ctx, sess.ID, ChannelWeb)
	require.NoError(t, err)

	first := &EscalationEvent{
		ID: uuid.New().String(), ConversationID: conv.ID,
		Reason: ReasonLowConfidence, CreatedAt: time.Now().UTC(),
	}
	_, created, err := store.CreateEscalation(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	existing, created, err := store.CreateEscalation(ctx, &EscalationEvent{
		ID: uuid.New().String(), ConversationID: conv.ID,
		Reason: ReasonManual, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, existing.ID)
}

func TestMemoryStore_IdleAndPurge(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sess, _, err := store.GetOrCreateSession(ctx, "web:mem-7", ChannelWeb, Contact{})
	require.NoError(t, err)
	conv, err := store.CreateConversation(ctx, sess.ID, ChannelWeb)
	require.NoError(t, err)

	past := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, store.UpdateConversationStatus(ctx, conv.ID, ConversationUpdate{
		Status: StatusActive, Priority: PriorityNormal, Category: "general", LastActivityAt: past,
	}))

	idle, err := store.ListIdleConversations(ctx, time.Now().UTC().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, idle, 1)

	closed := past
	require.NoError(t, store.UpdateConversationStatus(ctx, conv.ID, ConversationUpdate{
		Status: StatusAbandoned, Priority: PriorityNormal, Category: "general",
		LastActivityAt: past, ClosedAt: &closed,
	}))

	purged, err := store.PurgeClosedBefore(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = store.GetConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTimeBucket(t *testing.T) {
	ts := time.Date(2025, 11, 7, 14, 30, 0, 0, time.UTC)
	day, hour := TimeBucket(ts)
	assert.Equal(t, "2025-11-07", day)
	assert.Equal(t, 14, hour)

	// Non-UTC times bucket by their UTC instant
	est := time.FixedZone("EST", -5*60*60)
	day, hour = TimeBucket(time.Date(2025, 11, 7, 22, 0, 0, 0, est))
	assert.Equal(t, "2025-11-08", day)
	assert.Equal(t, 3, hour)
}
