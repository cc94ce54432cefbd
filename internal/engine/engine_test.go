// ABOUTME: Tests for the conversation engine turn pipeline and lifecycle operations
// ABOUTME: Covers sequencing, dedupe, escalation triggers, resolution, sweep, and health

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/switchboard/internal/bus"
	"github.com/2389/switchboard/internal/generator"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/tasks"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// generatorFunc adapts a closure to the Generator interface.
type generatorFunc func(ctx context.Context, req generator.Request) (*generator.Response, error)

func (f generatorFunc) Generate(ctx context.Context, req generator.Request) (*generator.Response, error) {
	return f(ctx, req)
}

func neutralGenerator() generator.Generator {
	return generatorFunc(func(context.Context, generator.Request) (*generator.Response, error) {
		return genResponse("general_inquiry", 0.8, 0), nil
	})
}

func failingGenerator() generator.Generator {
	return generatorFunc(func(context.Context, generator.Request) (*generator.Response, error) {
		return nil, generator.ErrUnavailable
	})
}

func setupEngine(t *testing.T, gen generator.Generator) (*Engine, *bus.Bus, store.Store) {
	t.Helper()
	return setupEngineCfg(t, gen, DefaultConfig())
}

func setupEngineCfg(t *testing.T, gen generator.Generator, cfg Config) (*Engine, *bus.Bus, store.Store) {
	t.Helper()

	st := store.NewMemoryStore()
	b := bus.New(nil, nil)
	e := New(st, gen, b, nil, cfg, nil)
	t.Cleanup(func() {
		e.Close()
		b.Close()
		_ = st.Close()
	})
	return e, b, st
}

func submitTurn(t *testing.T, e *Engine, identity, content string, channel store.Channel) *Result {
	t.Helper()
	res, err := e.Process(context.Background(), &TurnRequest{
		Identity: identity,
		Channel:  channel,
		Content:  content,
	})
	require.NoError(t, err)
	return res
}

func submitWeb(t *testing.T, e *Engine, identity, content string) *Result {
	t.Helper()
	return submitTurn(t, e, identity, content, store.ChannelWeb)
}

func drainEvents(ch <-chan *bus.TurnEvent) []*bus.TurnEvent {
	var events []*bus.TurnEvent
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
		default:
			return events
		}
	}
}

func backdate(t *testing.T, st store.Store, conv *store.Conversation, age time.Duration) {
	t.Helper()
	update := store.ConversationUpdate{
		Status:              conv.Status,
		Priority:            conv.Priority,
		Category:            conv.Category,
		Sentiment:           conv.Sentiment,
		LowConfidenceStreak: conv.LowConfidenceStreak,
		FailureStreak:       conv.FailureStreak,
		LastActivityAt:      time.Now().UTC().Add(-age),
		ClosedAt:            conv.ClosedAt,
		Satisfaction:        conv.Satisfaction,
	}
	require.NoError(t, st.UpdateConversationStatus(context.Background(), conv.ID, update))
}

func TestEngine_FirstContactCreatesEverything(t *testing.T) {
	e, _, st := setupEngine(t, neutralGenerator())

	res := submitWeb(t, e, "guest-1", "do you have rooms available")

	assert.Equal(t, store.StatusActive, res.Status)
	assert.False(t, res.Escalated)
	assert.False(t, res.NoOp)
	assert.Equal(t, int64(1), res.Seq)
	assert.NotEmpty(t, res.Reply)

	ctx := context.Background()
	sess, err := st.GetSessionByIdentity(ctx, "guest-1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, res.SessionID)

	conv, err := st.GetOpenConversation(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, res.ConversationID)
	assert.Equal(t, store.ChannelWeb, conv.Channel)
}

func TestEngine_TurnWritesLedgerPair(t *testing.T) {
	e, _, st := setupEngine(t, neutralGenerator())

	res := submitWeb(t, e, "guest-1", "is breakfast included")

	msgs, err := st.ListRecentMessages(context.Background(), res.ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, int64(1), msgs[0].Seq)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, "is breakfast included", msgs[0].Content)

	assert.Equal(t, int64(2), msgs[1].Seq)
	assert.Equal(t, store.RoleAgent, msgs[1].Role)
	assert.Equal(t, res.Reply, msgs[1].Content)
}

func TestEngine_SecondTurnSharesConversation(t *testing.T) {
	e, _, _ := setupEngine(t, neutralGenerator())

	first := submitWeb(t, e, "guest-1", "hello there")
	second := submitWeb(t, e, "guest-1", "one more question")

	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(3), second.Seq)
}

func TestEngine_ConcurrentTurnsGapFree(t *testing.T) {
	e, _, st := setupEngine(t, neutralGenerator())

	const turns = 12
	results := make([]*Result, turns)
	errs := make([]error, turns)

	var wg sync.WaitGroup
	for i := range turns {
		wg.Go(func() {
			results[i], errs[i] = e.Process(context.Background(), &TurnRequest{
				Identity: "guest-busy",
				Channel:  store.ChannelWeb,
				Content:  fmt.Sprintf("question number %d", i),
			})
		})
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for i := range turns {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].ConversationID, results[i].ConversationID)
		assert.False(t, seen[results[i].Seq], "inbound seq %d assigned twice", results[i].Seq)
		seen[results[i].Seq] = true
	}

	msgs, err := st.ListRecentMessages(context.Background(), results[0].ConversationID, turns*3)
	require.NoError(t, err)
	require.Len(t, msgs, turns*2)

	users, agents := 0, 0
	for i, msg := range msgs {
		assert.Equal(t, int64(i+1), msg.Seq, "ledger must be gap-free")
		switch msg.Role {
		case store.RoleUser:
			users++
		case store.RoleAgent:
			agents++
		}
	}
	assert.Equal(t, turns, users)
	assert.Equal(t, turns, agents)
}

func TestEngine_ConcurrentFirstContactSingleConversation(t *testing.T) {
	e, _, st := setupEngine(t, neutralGenerator())

	const senders = 8
	results := make([]*Result, senders)
	errs := make([]error, senders)

	var wg sync.WaitGroup
	for i := range senders {
		wg.Go(func() {
			results[i], errs[i] = e.Process(context.Background(), &TurnRequest{
				Identity: "guest-rush",
				Channel:  store.ChannelWeb,
				Content:  fmt.Sprintf("hello number %d", i),
			})
		})
	}
	wg.Wait()

	seqs := make(map[int64]bool)
	for i := range senders {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].SessionID, results[i].SessionID, "all senders share one session")
		assert.Equal(t, results[0].ConversationID, results[i].ConversationID, "all senders share one conversation")
		assert.False(t, seqs[results[i].Seq], "seq %d assigned twice", results[i].Seq)
		seqs[results[i].Seq] = true
	}

	sess, err := st.GetSessionByIdentity(context.Background(), "guest-rush")
	require.NoError(t, err)
	conv, err := st.GetOpenConversation(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, results[0].ConversationID)
}

func TestEngine_DuplicateMessageIDReturnsPriorResult(t *testing.T) {
	e, _, st := setupEngine(t, neutralGenerator())

	req := &TurnRequest{
		Identity:  "guest-1",
		Channel:   store.ChannelWeb,
		Content:   "what time is checkout",
		MessageID: "msg-dup-1",
	}
	first, err := e.Process(context.Background(), req)
	require.NoError(t, err)

	second, err := e.Process(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first, second)

	// Exactly one inbound record exists for the id
	msgs, err := st.ListRecentMessages(context.Background(), first.ConversationID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestEngine_DuplicateSurvivesCacheExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResultTTL = 10 * time.Millisecond
	e, _, st := setupEngineCfg(t, neutralGenerator(), cfg)

	req := &TurnRequest{
		Identity:  "guest-1",
		Channel:   store.ChannelWeb,
		Content:   "where is the pool",
		MessageID: "msg-dup-2",
	}
	first, err := e.Process(context.Background(), req)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	// The cached result expired; the replay reconstructs from the ledger.
	second, err := e.Process(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.Equal(t, first.Seq, second.Seq)
	assert.Equal(t, first.Reply, second.Reply)
	assert.Equal(t, first.Status, second.Status)

	msgs, err := st.ListRecentMessages(context.Background(), first.ConversationID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "replay must not append anything")
}

func TestEngine_LowConfidenceStreakEscalatesOnce(t *testing.T) {
	e, b, st := setupEngine(t, generatorFunc(func(context.Context, generator.Request) (*generator.Response, error) {
		return genResponse("general_inquiry", 0.2, 0), nil
	}))
	events, _ := b.Broadcaster().SubscribeAll(t.Context())

	var last *Result
	for i := range 4 {
		last = submitWeb(t, e, "guest-1", fmt.Sprintf("gibberish %d", i))
	}

	assert.Equal(t, store.StatusEscalated, last.Status)

	conv, err := st.GetConversation(context.Background(), last.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusEscalated, conv.Status)
	assert.Equal(t, 4, conv.LowConfidenceStreak)

	event, err := st.GetOpenEscalation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ReasonLowConfidence, event.Reason)

	all := drainEvents(events)
	require.Len(t, all, 4)
	escalations := 0
	for i, ev := range all {
		if ev.Escalated {
			escalations++
			assert.Equal(t, 2, i, "the third turn crosses the streak threshold")
		}
	}
	assert.Equal(t, 1, escalations, "the streak escalates exactly once")
}

func TestEngine_HardIntentEscalatesImmediately(t *testing.T) {
	e, _, st := setupEngine(t, generatorFunc(func(context.Context, generator.Request) (*generator.Response, error) {
		return genResponse("billing_dispute", 0.9, 0), nil
	}))

	res := submitWeb(t, e, "guest-1", "I was billed twice for my stay")

	assert.Equal(t, store.StatusEscalated, res.Status)
	assert.True(t, res.Escalated)
	assert.Equal(t, handoffNotice(store.ChannelWeb), res.Reply)

	conv, err := st.GetConversation(context.Background(), res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, store.PriorityHigh, conv.Priority)
	assert.Equal(t, "billing", conv.Category)

	event, err := st.GetOpenEscalation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ReasonHardIntent, event.Reason)

	// Voice conversations get the spoken handoff copy
	voiceRes := submitTurn(t, e, "caller-1", "I was billed twice", store.ChannelVoice)
	assert.Equal(t, handoffNotice(store.ChannelVoice), voiceRes.Reply)
}

func TestEngine_HumanRequestEscalates(t *testing.T) {
	e, _, st := setupEngine(t, generatorFunc(func(context.Context, generator.Request) (*generator.Response, error) {
		return genResponse("human_handoff", 0.9, 0), nil
	}))

	res := submitWeb(t, e, "guest-1", "let me talk to a real person")

	assert.Equal(t, store.StatusEscalated, res.Status)
	event, err := st.GetOpenEscalation(context.Background(), res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, store.ReasonHumanRequested, event.Reason)
}

func TestEngine_NegativeSentimentEscalates(t *testing.T) {
	e, _, st := setupEngine(t, generatorFunc(func(context.Context, generator.Request) (*generator.Response, error) {
		return genResponse("general_inquiry", 0.8, -1.0), nil
	}))

	res := submitWeb(t, e, "guest-1", "this is awful and horrible")

	assert.Equal(t, store.StatusEscalated, res.Status)

	conv, err := st.GetConversation(context.Background(), res.ConversationID)
	require.NoError(t, err)
	assert.InDelta(t, -0.5, conv.Sentiment, 1e-9)

	event, err := st.GetOpenEscalation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ReasonNegativeSentiment, event.Reason)
}

func TestEngine_GeneratorFailureUsesFallback(t *testing.T) {
	e, b, st := setupEngine(t, failingGenerator())
	events, _ := b.Broadcaster().SubscribeAll(t.Context())

	res := submitWeb(t, e, "guest-1", "is the spa open today")

	assert.Equal(t, fallbackReply(store.ChannelWeb), res.Reply)
	assert.Equal(t, store.StatusActive, res.Status, "a single failure leaves the status unchanged")
	assert.False(t, res.Escalated)

	conv, err := st.GetConversation(context.Background(), res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 1, conv.FailureStreak)

	_, err = st.GetOpenEscalation(context.Background(), conv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The turn still emitted its event: the channel never goes silent.
	all := drainEvents(events)
	require.Len(t, all, 1)
	assert.False(t, all[0].Escalated)
	assert.Equal(t, res.Reply, all[0].Reply)
}

func TestEngine_FailureStreakEscalates(t *testing.T) {
	e, b, st := setupEngine(t, failingGenerator())
	events, _ := b.Broadcaster().SubscribeAll(t.Context())

	var last *Result
	for i := range 3 {
		last = submitWeb(t, e, "guest-1", fmt.Sprintf("hello %d", i))
	}

	assert.Equal(t, store.StatusEscalated, last.Status)
	assert.Equal(t, handoffNotice(store.ChannelWeb), last.Reply)

	event, err := st.GetOpenEscalation(context.Background(), last.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, store.ReasonGeneratorFailures, event.Reason)

	escalations := 0
	for _, ev := range drainEvents(events) {
		if ev.Escalated {
			escalations++
		}
	}
	assert.Equal(t, 1, escalations)
}

func TestEngine_SuccessResetsFailureStreak(t *testing.T) {
	calls := 0
	e, _, st := setupEngine(t, generatorFunc(func(context.Context, generator.Request) (*generator.Response, error) {
		calls++
		if calls <= 2 {
			return nil, generator.ErrTimeout
		}
		return genResponse("general_inquiry", 0.8, 0), nil
	}))

	for i := range 3 {
		submitWeb(t, e, "guest-1", fmt.Sprintf("hello %d", i))
	}

	sess, err := st.GetSessionByIdentity(context.Background(), "guest-1")
	require.NoError(t, err)
	conv, err := st.GetOpenConversation(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, conv.Status)
	assert.Equal(t, 0, conv.FailureStreak)
}

func TestEngine_FarewellResolvesConversation(t *testing.T) {
	e, _, st := setupEngine(t, generatorFunc(func(context.Context, generator.Request) (*generator.Response, error) {
		return genResponse("farewell", 0.9, 0.5), nil
	}))

	first := submitWeb(t, e, "guest-1", "thanks, goodbye")
	assert.Equal(t, store.StatusResolved, first.Status)

	conv, err := st.GetConversation(context.Background(), first.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusResolved, conv.Status)
	assert.NotNil(t, conv.ClosedAt)

	// Later activity opens a fresh conversation with its own sequence run
	second := submitWeb(t, e, "guest-1", "actually one more thing, bye")
	assert.NotEqual(t, first.ConversationID, second.ConversationID)
	assert.Equal(t, int64(1), second.Seq)
}

func TestEngine_ResolvedSessionStartsFreshConversation(t *testing.T) {
	e, _, st := setupEngine(t, neutralGenerator())

	first := submitWeb(t, e, "guest-1", "hello there")

	sat := 5
	conv, err := e.Resolve(context.Background(), first.ConversationID, ResolveRequest{
		Satisfaction: &sat,
		Note:         "guest helped at the front desk",
		ResolvedBy:   "agent-maria",
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusResolved, conv.Status)
	require.NotNil(t, conv.Satisfaction)
	assert.Equal(t, 5, *conv.Satisfaction)

	msgs, err := st.ListRecentMessages(context.Background(), first.ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, store.RoleSystem, msgs[2].Role)
	assert.Equal(t, "guest helped at the front desk", msgs[2].Content)

	second := submitWeb(t, e, "guest-1", "hello again")
	assert.NotEqual(t, first.ConversationID, second.ConversationID)
	assert.Equal(t, int64(1), second.Seq)
}

func TestEngine_ResolveClosesEscalation(t *testing.T) {
	e, _, st := setupEngine(t, generatorFunc(func(context.Context, generator.Request) (*generator.Response, error) {
		return genResponse("billing_dispute", 0.9, 0), nil
	}))

	res := submitWeb(t, e, "guest-1", "wrong charge on my card")
	require.Equal(t, store.StatusEscalated, res.Status)

	_, err := e.Resolve(context.Background(), res.ConversationID, ResolveRequest{ResolvedBy: "agent-maria"})
	require.NoError(t, err)

	_, err = st.GetOpenEscalation(context.Background(), res.ConversationID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEngine_ResolveTerminalIsInvalid(t *testing.T) {
	e, _, _ := setupEngine(t, neutralGenerator())

	res := submitWeb(t, e, "guest-1", "hello")
	_, err := e.Resolve(context.Background(), res.ConversationID, ResolveRequest{})
	require.NoError(t, err)

	_, err = e.Resolve(context.Background(), res.ConversationID, ResolveRequest{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEngine_OperatorEscalate(t *testing.T) {
	e, _, st := setupEngine(t, neutralGenerator())

	res := submitWeb(t, e, "guest-1", "hello")

	conv, err := e.Escalate(context.Background(), res.ConversationID, "agent-maria")
	require.NoError(t, err)
	assert.Equal(t, store.StatusEscalated, conv.Status)
	assert.Equal(t, store.PriorityHigh, conv.Priority)

	event, err := st.GetOpenEscalation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ReasonManual, event.Reason)
	assert.Equal(t, "agent-maria", event.AssignedAgent)

	// Escalating again is a no-op, not an error
	again, err := e.Escalate(context.Background(), res.ConversationID, "agent-omar")
	require.NoError(t, err)
	assert.Equal(t, store.StatusEscalated, again.Status)

	still, err := st.GetOpenEscalation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, event.ID, still.ID, "the original escalation event survives")
}

func TestEngine_EscalateTerminalIsInvalid(t *testing.T) {
	e, _, _ := setupEngine(t, neutralGenerator())

	res := submitWeb(t, e, "guest-1", "hello")
	_, err := e.Resolve(context.Background(), res.ConversationID, ResolveRequest{})
	require.NoError(t, err)

	_, err = e.Escalate(context.Background(), res.ConversationID, "agent-maria")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEngine_AssignRecordsAgent(t *testing.T) {
	e, _, st := setupEngine(t, generatorFunc(func(context.Context, generator.Request) (*generator.Response, error) {
		return genResponse("human_handoff", 0.9, 0), nil
	}))

	res := submitWeb(t, e, "guest-1", "I want a manager")
	require.NoError(t, e.Assign(context.Background(), res.ConversationID, "agent-omar"))

	event, err := st.GetOpenEscalation(context.Background(), res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "agent-omar", event.AssignedAgent)
}

// TestEngine_BillingDisputeScenario walks the canonical unhappy path on the
// deterministic rules backend: a vague opener, a billing dispute, then an
// angry follow-up. The dispute escalates the conversation exactly once and
// the sequence run stays gap-free throughout.
func TestEngine_BillingDisputeScenario(t *testing.T) {
	e, b, st := setupEngine(t, generator.NewRulesGenerator())
	events, _ := b.Broadcaster().SubscribeAll(t.Context())

	turns := []string{
		"I need help",
		"my card was charged twice",
		"this is unacceptable",
	}
	var results []*Result
	for _, content := range turns {
		results = append(results, submitWeb(t, e, "guest-42", content))
	}

	require.Equal(t, results[0].ConversationID, results[1].ConversationID)
	require.Equal(t, results[0].ConversationID, results[2].ConversationID)

	assert.Equal(t, store.StatusActive, results[0].Status)
	assert.Equal(t, store.StatusEscalated, results[1].Status, "the dispute escalates on its own turn")
	assert.Equal(t, handoffNotice(store.ChannelWeb), results[1].Reply)
	assert.Equal(t, store.StatusEscalated, results[2].Status)

	ctx := context.Background()
	conv, err := st.GetConversation(ctx, results[0].ConversationID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusEscalated, conv.Status)
	assert.Equal(t, "billing", conv.Category)
	assert.Equal(t, store.PriorityHigh, conv.Priority)
	assert.InDelta(t, -0.5, conv.Sentiment, 1e-9, "one fully negative sample halves the estimate")

	event, err := st.GetOpenEscalation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ReasonHardIntent, event.Reason)

	// Inbound turns hold the odd slots of a gap-free 1..6 run
	assert.Equal(t, int64(1), results[0].Seq)
	assert.Equal(t, int64(3), results[1].Seq)
	assert.Equal(t, int64(5), results[2].Seq)
	msgs, err := st.ListRecentMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 6)
	for i, msg := range msgs {
		assert.Equal(t, int64(i+1), msg.Seq)
	}

	all := drainEvents(events)
	require.Len(t, all, 3)
	escalations := 0
	for _, ev := range all {
		if ev.Escalated {
			escalations++
			assert.Equal(t, store.ReasonHardIntent, ev.Reason)
		}
	}
	assert.Equal(t, 1, escalations, "the later sentiment trigger must not mint a second event")
}

func TestEngine_SweepAbandonsIdleConversations(t *testing.T) {
	e, _, st := setupEngine(t, neutralGenerator())

	idle := submitWeb(t, e, "guest-idle", "hello")
	fresh := submitWeb(t, e, "guest-fresh", "hello")

	conv, err := st.GetConversation(context.Background(), idle.ConversationID)
	require.NoError(t, err)
	backdate(t, st, conv, 2*time.Hour)

	swept, err := e.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	abandoned, err := st.GetConversation(context.Background(), idle.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusAbandoned, abandoned.Status)
	assert.NotNil(t, abandoned.ClosedAt)

	untouched, err := st.GetConversation(context.Background(), fresh.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, untouched.Status)

	// The idle guest's next message starts a fresh conversation
	next := submitWeb(t, e, "guest-idle", "anyone there")
	assert.NotEqual(t, idle.ConversationID, next.ConversationID)
}

func TestEngine_SweepLeavesEscalatedAlone(t *testing.T) {
	e, _, st := setupEngine(t, generatorFunc(func(context.Context, generator.Request) (*generator.Response, error) {
		return genResponse("billing_dispute", 0.9, 0), nil
	}))

	res := submitWeb(t, e, "guest-1", "billed twice")
	require.Equal(t, store.StatusEscalated, res.Status)

	conv, err := st.GetConversation(context.Background(), res.ConversationID)
	require.NoError(t, err)
	backdate(t, st, conv, 2*time.Hour)

	swept, err := e.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, swept, "escalated conversations wait for a human, not the sweeper")

	still, err := st.GetConversation(context.Background(), res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusEscalated, still.Status)
}

type failingDeliverer struct{}

func (failingDeliverer) Deliver(context.Context, *bus.TurnEvent) error {
	return errors.New("socket gone")
}

func TestEngine_DeliveryFailurePropagates(t *testing.T) {
	e, b, st := setupEngine(t, neutralGenerator())
	b.RegisterDeliverer(store.ChannelWeb, failingDeliverer{})

	_, err := e.Process(context.Background(), &TurnRequest{
		Identity: "guest-1",
		Channel:  store.ChannelWeb,
		Content:  "hello",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deliver to web")

	// The turn was committed before delivery failed; the ledger keeps it.
	sess, err := st.GetSessionByIdentity(context.Background(), "guest-1")
	require.NoError(t, err)
	conv, err := st.GetOpenConversation(context.Background(), sess.ID)
	require.NoError(t, err)
	msgs, err := st.ListRecentMessages(context.Background(), conv.ID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestEngine_Health(t *testing.T) {
	st := store.NewMemoryStore()
	b := bus.New(nil, nil)
	q := tasks.NewMemoryQueue()
	e := New(st, neutralGenerator(), b, q, DefaultConfig(), nil)
	t.Cleanup(func() {
		e.Close()
		b.Close()
		_ = st.Close()
	})

	h := e.Health(context.Background())
	assert.True(t, h.Healthy)
	assert.Equal(t, "ok", h.Store)
	assert.Equal(t, "ok", h.Queue)

	require.NoError(t, q.Close())
	h = e.Health(context.Background())
	assert.False(t, h.Healthy)
	assert.NotEqual(t, "ok", h.Queue)
}

func TestEngine_HealthWithoutQueue(t *testing.T) {
	e, _, _ := setupEngine(t, neutralGenerator())

	h := e.Health(context.Background())
	assert.True(t, h.Healthy)
	assert.Equal(t, "disabled", h.Queue)
}

// TestEngine_CloseStopsGoroutines exercises the explicit shutdown order;
// the package TestMain verifies nothing is left running afterwards.
func TestEngine_CloseStopsGoroutines(t *testing.T) {
	st := store.NewMemoryStore()
	b := bus.New(nil, nil)
	e := New(st, neutralGenerator(), b, nil, DefaultConfig(), nil)

	_, err := e.Process(context.Background(), &TurnRequest{
		Identity: "guest-1",
		Channel:  store.ChannelWeb,
		Content:  "hello",
	})
	require.NoError(t, err)

	e.Close()
	b.Close()
	require.NoError(t, st.Close())
}

func TestSweeper_AbandonsIdleOnTimer(t *testing.T) {
	e, _, st := setupEngine(t, neutralGenerator())

	res := submitWeb(t, e, "guest-idle", "hello there")
	conv, err := st.GetConversation(context.Background(), res.ConversationID)
	require.NoError(t, err)
	backdate(t, st, conv, 2*time.Hour)

	sweeper := NewSweeper(e, SweeperConfig{Interval: 20 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		c, err := st.GetConversation(context.Background(), conv.ID)
		return err == nil && c.Status == store.StatusAbandoned
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on context cancel")
	}
}
