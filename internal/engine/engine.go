// ABOUTME: Conversation engine processing turns under per-conversation locks
// ABOUTME: Owns session/conversation resolution, the turn pipeline, and lifecycle operations

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/bus"
	"github.com/2389/switchboard/internal/classify"
	"github.com/2389/switchboard/internal/dedupe"
	"github.com/2389/switchboard/internal/generator"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/tasks"
)

// ErrInvalidTransition is returned when an operation targets a conversation
// whose current status does not permit it. The conversation is unchanged.
var ErrInvalidTransition = errors.New("invalid conversation state transition")

const (
	// maxConversationRetries bounds how often a turn restarts after its
	// conversation closed between lookup and lock.
	maxConversationRetries = 3

	// sweepBatchSize bounds one idle sweep pass.
	sweepBatchSize = 100

	// replayScanLimit is how far back a replay looks for the paired reply.
	replayScanLimit = 50
)

// Config carries the engine's tunables. Zero values fall back to defaults.
type Config struct {
	Thresholds       Thresholds
	GeneratorTimeout time.Duration
	ContextWindow    int
	IdleTimeout      time.Duration
	ResultTTL        time.Duration
	ResultCacheSize  int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Thresholds:       DefaultThresholds(),
		GeneratorTimeout: 8 * time.Second,
		ContextWindow:    10,
		IdleTimeout:      30 * time.Minute,
		ResultTTL:        10 * time.Minute,
		ResultCacheSize:  4096,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = def.Thresholds
	}
	if c.GeneratorTimeout <= 0 {
		c.GeneratorTimeout = def.GeneratorTimeout
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = def.ContextWindow
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = def.ResultTTL
	}
	if c.ResultCacheSize <= 0 {
		c.ResultCacheSize = def.ResultCacheSize
	}
	return c
}

// TurnRequest is one inbound message, already validated and trimmed.
type TurnRequest struct {
	Identity  string
	Channel   store.Channel
	Content   string
	MessageID string
	Contact   store.Contact
}

// Result is the outcome of one processed turn. Escalated reflects the
// conversation's status after the turn, not whether this turn caused it.
type Result struct {
	ConversationID string
	SessionID      string
	MessageID      string
	Seq            int64
	Reply          string
	Status         store.ConversationStatus
	Escalated      bool
	Intent         string
	NoOp           bool
}

// Engine coordinates one turn at a time per conversation: it resolves the
// session and open conversation, appends the inbound message, consults the
// generator, applies the escalation policy, commits the outbound message
// with the conversation update in one store transaction, and publishes the
// turn event.
type Engine struct {
	store     store.Store
	generator generator.Generator
	bus       *bus.Bus
	queue     tasks.Queue
	cfg       Config
	locks     *lockTable
	results   *dedupe.Cache[*Result]
	logger    *slog.Logger
}

// New creates an engine. queue is only consulted for health reporting and
// may be nil; logger nil falls back to the default.
func New(st store.Store, gen generator.Generator, eventBus *bus.Bus, queue tasks.Queue, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Engine{
		store:     st,
		generator: gen,
		bus:       eventBus,
		queue:     queue,
		cfg:       cfg,
		locks:     newLockTable(),
		results:   dedupe.New[*Result](cfg.ResultTTL, cfg.ResultCacheSize),
		logger:    logger.With("component", "engine"),
	}
}

// Close releases the engine's result cache.
func (e *Engine) Close() {
	e.results.Close()
}

// Process runs one inbound turn end to end and returns its result. A
// message ID seen before returns the prior result without touching the
// conversation again.
func (e *Engine) Process(ctx context.Context, req *TurnRequest) (*Result, error) {
	start := time.Now()

	if req.MessageID != "" {
		if cached, ok := e.results.Get(req.MessageID); ok {
			e.logger.Debug("replayed cached result", "message_id", req.MessageID)
			return cached, nil
		}
	}

	sess, created, err := e.store.GetOrCreateSession(ctx, req.Identity, req.Channel, req.Contact)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	if created {
		e.logger.Debug("session created", "session_id", sess.ID, "channel", req.Channel)
	}

	// The conversation can close between lookup and lock (operator resolve,
	// idle sweep). When that happens the turn restarts on a fresh one.
	for range maxConversationRetries {
		result, retry, err := e.attemptTurn(ctx, sess, req, start)
		if retry {
			continue
		}
		return result, err
	}
	return nil, fmt.Errorf("conversation for session %s kept closing mid-turn", sess.ID)
}

func (e *Engine) attemptTurn(ctx context.Context, sess *store.Session, req *TurnRequest, start time.Time) (result *Result, retry bool, err error) {
	conv, isNew, err := e.ensureConversation(ctx, sess, req.Channel)
	if err != nil {
		return nil, false, err
	}

	release := e.locks.acquire(conv.ID)
	defer func() {
		release()
		if retry || (result != nil && result.Status.Terminal()) {
			e.locks.evict(conv.ID)
		}
	}()

	// Re-read under the lock: the row may have changed while we waited.
	conv, err = e.store.GetConversation(ctx, conv.ID)
	if err != nil {
		return nil, false, fmt.Errorf("reload conversation: %w", err)
	}
	if conv.Status.Terminal() {
		return nil, true, nil
	}

	result, err = e.runTurn(ctx, sess, conv, isNew, req, start)
	return result, false, err
}

// ensureConversation returns the session's open conversation, creating one
// on the requesting channel when none exists. The store's unique
// open-conversation constraint arbitrates creation races; losers
// re-look-up the winner's row.
func (e *Engine) ensureConversation(ctx context.Context, sess *store.Session, channel store.Channel) (*store.Conversation, bool, error) {
	conv, err := e.store.GetOpenConversation(ctx, sess.ID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("lookup open conversation: %w", err)
	}

	conv, err = e.store.CreateConversation(ctx, sess.ID, channel)
	if err == nil {
		e.logger.Debug("conversation created", "conversation_id", conv.ID, "session_id", sess.ID)
		return conv, true, nil
	}
	if errors.Is(err, store.ErrConversationOpen) {
		conv, lookupErr := e.store.GetOpenConversation(ctx, sess.ID)
		if lookupErr == nil {
			e.logger.Debug("found open conversation after race", "conversation_id", conv.ID)
			return conv, false, nil
		}
		return nil, false, fmt.Errorf("lookup after create race: %w", lookupErr)
	}
	return nil, false, fmt.Errorf("create conversation: %w", err)
}

// runTurn executes the turn pipeline while holding the conversation lock.
func (e *Engine) runTurn(ctx context.Context, sess *store.Session, conv *store.Conversation, isNew bool, req *TurnRequest, start time.Time) (*Result, error) {
	now := time.Now().UTC()
	cls := classify.Classify(req.Content)

	msgID := req.MessageID
	if msgID == "" {
		msgID = uuid.New().String()
	}
	inbound := &store.Message{
		ID:             msgID,
		ConversationID: conv.ID,
		Role:           store.RoleUser,
		Content:        req.Content,
		Intent:         cls.Intent.String(),
		Confidence:     cls.Confidence,
		Sentiment:      classify.Sentiment(req.Content),
		CreatedAt:      now,
	}
	inbound, err := e.store.AppendMessage(ctx, inbound)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			// The same message id was already processed, possibly in an
			// earlier conversation. Hand back that turn's result.
			return e.replayResult(ctx, msgID)
		}
		return nil, fmt.Errorf("append inbound: %w", err)
	}

	window, err := e.store.ListRecentMessages(ctx, conv.ID, e.cfg.ContextWindow)
	if err != nil {
		return nil, fmt.Errorf("load context window: %w", err)
	}

	genCtx, cancel := context.WithTimeout(ctx, e.cfg.GeneratorTimeout)
	resp, genErr := e.generator.Generate(genCtx, generator.Request{
		ConversationID: conv.ID,
		Channel:        conv.Channel,
		Window:         window,
	})
	cancel()

	var assessment turnAssessment
	var replyText, replyIntent string
	var replyConfidence float64
	if genErr != nil {
		e.logger.Warn("generator failed, using fallback",
			"conversation_id", conv.ID,
			"error", genErr)
		assessment = assessFailedTurn(e.cfg.Thresholds, conv, now)
		replyText = fallbackReply(conv.Channel)
		replyIntent = cls.Intent.String()
	} else {
		assessment = assessTurn(e.cfg.Thresholds, conv, resp, now)
		replyText = resp.ReplyText
		replyIntent = resp.Intent
		replyConfidence = resp.Confidence
	}
	if assessment.escalatedNow {
		replyText = handoffNotice(conv.Channel)
	}

	outbound := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           store.RoleAgent,
		Content:        replyText,
		Intent:         replyIntent,
		Confidence:     replyConfidence,
		CreatedAt:      time.Now().UTC(),
	}
	outbound, err = e.store.CompleteTurn(ctx, conv.ID, outbound, assessment.update)
	if err != nil {
		return nil, fmt.Errorf("complete turn: %w", err)
	}

	escalationCreated := false
	if assessment.triggered {
		escalationCreated = e.recordEscalation(ctx, conv.ID, assessment.reason, "")
	}

	event := &bus.TurnEvent{
		Kind:            bus.KindTurn,
		ConversationID:  conv.ID,
		SessionID:       sess.ID,
		Channel:         conv.Channel,
		Status:          assessment.update.Status,
		Priority:        assessment.update.Priority,
		Category:        assessment.update.Category,
		Seq:             outbound.Seq,
		Reply:           replyText,
		Intent:          replyIntent,
		Sentiment:       assessment.update.Sentiment,
		Escalated:       escalationCreated,
		NewConversation: isNew,
		ResponseMs:      time.Since(start).Milliseconds(),
		Timestamp:       time.Now().UTC(),
	}
	if escalationCreated {
		event.Reason = assessment.reason
	}
	if err := e.bus.Publish(ctx, event); err != nil {
		return nil, fmt.Errorf("publish turn event: %w", err)
	}

	result := &Result{
		ConversationID: conv.ID,
		SessionID:      sess.ID,
		MessageID:      inbound.ID,
		Seq:            inbound.Seq,
		Reply:          replyText,
		Status:         assessment.update.Status,
		Escalated:      assessment.update.Status == store.StatusEscalated,
		Intent:         replyIntent,
	}
	if req.MessageID != "" {
		e.results.Put(req.MessageID, result)
	}

	e.logger.Debug("turn processed",
		"conversation_id", conv.ID,
		"seq", inbound.Seq,
		"intent", replyIntent,
		"status", result.Status)
	return result, nil
}

// replayResult rebuilds the result for a message id that was already
// processed. The cache answers recent replays; older ones reconstruct from
// the ledger, recovering the paired reply when it is still within the
// recent window.
func (e *Engine) replayResult(ctx context.Context, messageID string) (*Result, error) {
	if cached, ok := e.results.Get(messageID); ok {
		return cached, nil
	}

	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("load replayed message: %w", err)
	}
	conv, err := e.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("load replayed conversation: %w", err)
	}

	result := &Result{
		ConversationID: conv.ID,
		SessionID:      conv.SessionID,
		MessageID:      msg.ID,
		Seq:            msg.Seq,
		Status:         conv.Status,
		Escalated:      conv.Status == store.StatusEscalated,
		Intent:         msg.Intent,
	}
	if window, err := e.store.ListRecentMessages(ctx, conv.ID, replayScanLimit); err == nil {
		for _, m := range window {
			if m.Seq == msg.Seq+1 && m.Role != store.RoleUser {
				result.Reply = m.Content
				break
			}
		}
	}
	e.results.Put(messageID, result)
	return result, nil
}

// recordEscalation writes the escalation event for a triggered turn. The
// open-escalation constraint makes it idempotent; a transient insert
// failure is logged and retried by the next triggering turn, since the
// status change is already committed.
func (e *Engine) recordEscalation(ctx context.Context, conversationID string, reason store.EscalationReason, agent string) bool {
	event := &store.EscalationEvent{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Reason:         reason,
		AssignedAgent:  agent,
		CreatedAt:      time.Now().UTC(),
	}
	_, created, err := e.store.CreateEscalation(ctx, event)
	if err != nil {
		e.logger.Error("failed to record escalation event",
			"conversation_id", conversationID,
			"reason", reason,
			"error", err)
		return false
	}
	if created {
		e.logger.Info("conversation escalated",
			"conversation_id", conversationID,
			"reason", reason)
	}
	return created
}

// ResolveRequest carries the optional details of an explicit close.
type ResolveRequest struct {
	Satisfaction *int
	Note         string
	ResolvedBy   string
}

// Resolve closes an open conversation. Escalated conversations have their
// escalation event closed as well. Resolving a terminal conversation
// returns ErrInvalidTransition.
func (e *Engine) Resolve(ctx context.Context, conversationID string, req ResolveRequest) (*store.Conversation, error) {
	evict := false
	release := e.locks.acquire(conversationID)
	defer func() {
		release()
		if evict {
			e.locks.evict(conversationID)
		}
	}()

	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if conv.Status.Terminal() {
		return nil, fmt.Errorf("%w: conversation is already %s", ErrInvalidTransition, conv.Status)
	}

	now := time.Now().UTC()
	update := store.ConversationUpdate{
		Status:              store.StatusResolved,
		Priority:            conv.Priority,
		Category:            conv.Category,
		Sentiment:           conv.Sentiment,
		LowConfidenceStreak: conv.LowConfidenceStreak,
		FailureStreak:       conv.FailureStreak,
		LastActivityAt:      now,
		ClosedAt:            &now,
		Satisfaction:        conv.Satisfaction,
	}
	if req.Satisfaction != nil {
		update.Satisfaction = req.Satisfaction
	}

	if conv.Status == store.StatusEscalated {
		if err := e.store.CloseEscalation(ctx, conversationID, now); err != nil && !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("failed to close escalation on resolve",
				"conversation_id", conversationID,
				"error", err)
		}
	}

	if req.Note != "" {
		note := &store.Message{
			ID:             uuid.New().String(),
			ConversationID: conversationID,
			Role:           store.RoleSystem,
			Content:        req.Note,
			CreatedAt:      now,
		}
		if _, err := e.store.CompleteTurn(ctx, conversationID, note, update); err != nil {
			return nil, fmt.Errorf("resolve with note: %w", err)
		}
	} else if err := e.store.UpdateConversationStatus(ctx, conversationID, update); err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}
	evict = true

	conv, err = e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("reload after resolve: %w", err)
	}

	e.publishStatusEvent(ctx, conv, false, "")
	e.logger.Info("conversation resolved",
		"conversation_id", conversationID,
		"resolved_by", req.ResolvedBy)
	return conv, nil
}

// Escalate forces an open conversation into escalated on an operator's
// behalf. Idempotent when already escalated; terminal conversations return
// ErrInvalidTransition.
func (e *Engine) Escalate(ctx context.Context, conversationID, agent string) (*store.Conversation, error) {
	release := e.locks.acquire(conversationID)
	defer release()

	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	switch {
	case conv.Status == store.StatusEscalated:
		return conv, nil
	case conv.Status.Terminal():
		return nil, fmt.Errorf("%w: conversation is %s", ErrInvalidTransition, conv.Status)
	}

	now := time.Now().UTC()
	update := store.ConversationUpdate{
		Status:              store.StatusEscalated,
		Priority:            classify.MaxPriority(conv.Priority, store.PriorityHigh),
		Category:            conv.Category,
		Sentiment:           conv.Sentiment,
		LowConfidenceStreak: conv.LowConfidenceStreak,
		FailureStreak:       conv.FailureStreak,
		LastActivityAt:      now,
		ClosedAt:            nil,
		Satisfaction:        conv.Satisfaction,
	}
	if err := e.store.UpdateConversationStatus(ctx, conversationID, update); err != nil {
		return nil, fmt.Errorf("escalate: %w", err)
	}

	created := e.recordEscalation(ctx, conversationID, store.ReasonManual, agent)

	conv, err = e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("reload after escalate: %w", err)
	}

	e.publishStatusEvent(ctx, conv, created, store.ReasonManual)
	return conv, nil
}

// Assign records which agent picked up an escalated conversation.
func (e *Engine) Assign(ctx context.Context, conversationID, agent string) error {
	if err := e.store.AssignEscalation(ctx, conversationID, agent); err != nil {
		return fmt.Errorf("assign escalation: %w", err)
	}
	e.logger.Info("escalation assigned",
		"conversation_id", conversationID,
		"agent", agent)
	return nil
}

// Sweep abandons active conversations idle past the configured timeout.
// Each candidate is re-checked under its lock so a turn that raced the
// sweep wins. Returns how many conversations were abandoned.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-e.cfg.IdleTimeout)
	idle, err := e.store.ListIdleConversations(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list idle conversations: %w", err)
	}

	swept := 0
	for _, candidate := range idle {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		if e.abandonIfStillIdle(ctx, candidate.ID, cutoff) {
			swept++
		}
		e.locks.evict(candidate.ID)
	}
	if swept > 0 {
		e.logger.Info("idle sweep complete", "abandoned", swept)
	}
	return swept, nil
}

func (e *Engine) abandonIfStillIdle(ctx context.Context, conversationID string, cutoff time.Time) bool {
	release := e.locks.acquire(conversationID)
	defer release()

	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		e.logger.Warn("sweep reload failed", "conversation_id", conversationID, "error", err)
		return false
	}
	// A turn or operator action may have raced the listing; only a still
	// idle, still active conversation is abandoned.
	if conv.Status != store.StatusActive || conv.LastActivityAt.After(cutoff) {
		return false
	}

	now := time.Now().UTC()
	update := store.ConversationUpdate{
		Status:              store.StatusAbandoned,
		Priority:            conv.Priority,
		Category:            conv.Category,
		Sentiment:           conv.Sentiment,
		LowConfidenceStreak: conv.LowConfidenceStreak,
		FailureStreak:       conv.FailureStreak,
		LastActivityAt:      conv.LastActivityAt,
		ClosedAt:            &now,
		Satisfaction:        conv.Satisfaction,
	}
	if err := e.store.UpdateConversationStatus(ctx, conversationID, update); err != nil {
		e.logger.Warn("sweep abandon failed", "conversation_id", conversationID, "error", err)
		return false
	}

	conv.Status = store.StatusAbandoned
	conv.ClosedAt = &now
	e.publishStatusEvent(ctx, conv, false, "")
	e.logger.Debug("conversation abandoned", "conversation_id", conversationID)
	return true
}

// PurgeClosed deletes terminal conversations closed before the retention
// cutoff, along with their messages and escalation events.
func (e *Engine) PurgeClosed(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	n, err := e.store.PurgeClosedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge closed conversations: %w", err)
	}
	if n > 0 {
		e.logger.Info("purged closed conversations", "count", n)
	}
	return n, nil
}

// Health reports store and queue reachability.
type Health struct {
	Healthy bool   `json:"healthy"`
	Store   string `json:"store"`
	Queue   string `json:"queue"`
}

// Health pings the engine's dependencies and reports their state.
func (e *Engine) Health(ctx context.Context) Health {
	h := Health{Healthy: true, Store: "ok", Queue: "ok"}
	if err := e.store.Ping(ctx); err != nil {
		h.Healthy = false
		h.Store = err.Error()
	}
	if e.queue == nil {
		h.Queue = "disabled"
	} else if err := e.queue.Ping(ctx); err != nil {
		h.Healthy = false
		h.Queue = err.Error()
	}
	return h
}

// publishStatusEvent emits a status-change event for operator and sweeper
// actions. Unlike turn events, a failed publish is logged rather than
// returned: the status change is already committed.
func (e *Engine) publishStatusEvent(ctx context.Context, conv *store.Conversation, escalationCreated bool, reason store.EscalationReason) {
	event := &bus.TurnEvent{
		Kind:           bus.KindStatus,
		ConversationID: conv.ID,
		SessionID:      conv.SessionID,
		Channel:        conv.Channel,
		Status:         conv.Status,
		Priority:       conv.Priority,
		Category:       conv.Category,
		Sentiment:      conv.Sentiment,
		Escalated:      escalationCreated,
		Timestamp:      time.Now().UTC(),
	}
	if escalationCreated {
		event.Reason = reason
	}
	if err := e.bus.Publish(ctx, event); err != nil {
		e.logger.Warn("status event publish failed",
			"conversation_id", conv.ID,
			"status", conv.Status,
			"error", err)
	}
}

// Handoff notices replace the generated reply on the turn that escalates a
// conversation. Voice copy is spoken aloud, so it is shorter.
func handoffNotice(channel store.Channel) string {
	if channel == store.ChannelVoice {
		return "Please hold for a moment while I transfer you to a member of our guest services team."
	}
	return "I'm connecting you with a member of our guest services team who can help you further. Please stay with me for just a moment."
}

// Fallback replies cover generator failures; the channel always gets an
// answer.
func fallbackReply(channel store.Channel) string {
	if channel == store.ChannelVoice {
		return "I'm sorry, I'm having trouble at the moment. Please stay on the line and try once more."
	}
	return "I apologize, I'm having trouble responding right now. Please try again in a moment, or ask for a member of our team."
}
