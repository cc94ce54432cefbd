// ABOUTME: Escalation policy applied to each processed turn
// ABOUTME: Computes the conversation update, trigger decision, and auto-resolution

package engine

import (
	"time"

	"github.com/2389/switchboard/internal/classify"
	"github.com/2389/switchboard/internal/generator"
	"github.com/2389/switchboard/internal/store"
)

// Thresholds hold the escalation policy knobs. Zero values disable the
// corresponding streak triggers; the sentiment floor and EWMA weight always
// apply.
type Thresholds struct {
	// ConfidenceFloor is the generator confidence below which a turn counts
	// toward the low-confidence streak.
	ConfidenceFloor float64

	// ConfidenceStreak is how many consecutive low-confidence turns trigger
	// an escalation.
	ConfidenceStreak int

	// SentimentFloor escalates when the running sentiment estimate drops
	// below it after folding in the turn's sample.
	SentimentFloor float64

	// SentimentAlpha is the EWMA weight given to the newest sample.
	SentimentAlpha float64

	// FailureStreak is how many consecutive generator failures trigger an
	// escalation.
	FailureStreak int
}

// DefaultThresholds returns the production policy defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ConfidenceFloor:  0.45,
		ConfidenceStreak: 3,
		SentimentFloor:   -0.4,
		SentimentAlpha:   0.5,
		FailureStreak:    3,
	}
}

// turnAssessment is everything the policy derives from one turn: the full
// conversation update plus what the engine must do about escalation.
type turnAssessment struct {
	update store.ConversationUpdate

	// triggered means an escalation trigger fired this turn. The engine
	// records the escalation event; recording is idempotent, so a trigger
	// on an already-escalated conversation is harmless.
	triggered bool

	// escalatedNow means this turn moved the conversation from active to
	// escalated, which substitutes the handoff notice for the reply.
	escalatedNow bool

	reason store.EscalationReason

	// resolve means the user said goodbye on a calm turn and the
	// conversation closes as resolved.
	resolve bool
}

// assessTurn evaluates a successful generator turn. The sentiment estimate
// is updated first so the floor check sees the turn's effect, and streak
// counters move before thresholds are compared.
func assessTurn(th Thresholds, conv *store.Conversation, resp *generator.Response, now time.Time) turnAssessment {
	intent := classify.Intent(resp.Intent)
	sentiment := th.SentimentAlpha*resp.Sentiment + (1-th.SentimentAlpha)*conv.Sentiment

	lowStreak := 0
	if resp.Confidence < th.ConfidenceFloor {
		lowStreak = conv.LowConfidenceStreak + 1
	}

	category := conv.Category
	if c := classify.CategoryFor(intent); c != "general" {
		category = c
	}
	priority := classify.MaxPriority(conv.Priority, classify.PriorityFor(intent))

	out := turnAssessment{update: store.ConversationUpdate{
		Status:              conv.Status,
		Priority:            priority,
		Category:            category,
		Sentiment:           sentiment,
		LowConfidenceStreak: lowStreak,
		FailureStreak:       0,
		LastActivityAt:      now,
		ClosedAt:            conv.ClosedAt,
		Satisfaction:        conv.Satisfaction,
	}}

	triggered, reason := triggerFor(th, intent, lowStreak, sentiment)
	switch {
	case triggered:
		out.triggered = true
		out.reason = reason
		out.update.Priority = classify.MaxPriority(priority, store.PriorityHigh)
		if conv.Status == store.StatusActive {
			out.escalatedNow = true
			out.update.Status = store.StatusEscalated
		}
	case intent == classify.IntentFarewell && resp.Sentiment >= 0 && conv.Status == store.StatusActive:
		out.resolve = true
		out.update.Status = store.StatusResolved
		closed := now
		out.update.ClosedAt = &closed
	}
	return out
}

// assessFailedTurn evaluates a turn whose generator failed. The turn carries
// no policy signal, so sentiment, category, priority and the confidence
// streak stay as they were; only the failure streak moves, and only its
// threshold can escalate.
func assessFailedTurn(th Thresholds, conv *store.Conversation, now time.Time) turnAssessment {
	failStreak := conv.FailureStreak + 1

	out := turnAssessment{update: store.ConversationUpdate{
		Status:              conv.Status,
		Priority:            conv.Priority,
		Category:            conv.Category,
		Sentiment:           conv.Sentiment,
		LowConfidenceStreak: conv.LowConfidenceStreak,
		FailureStreak:       failStreak,
		LastActivityAt:      now,
		ClosedAt:            conv.ClosedAt,
		Satisfaction:        conv.Satisfaction,
	}}

	if th.FailureStreak > 0 && failStreak >= th.FailureStreak {
		out.triggered = true
		out.reason = store.ReasonGeneratorFailures
		out.update.Priority = classify.MaxPriority(conv.Priority, store.PriorityHigh)
		if conv.Status == store.StatusActive {
			out.escalatedNow = true
			out.update.Status = store.StatusEscalated
		}
	}
	return out
}

// triggerFor checks the escalation triggers in precedence order: intent
// signals before accumulated signals, so the recorded reason names the most
// direct cause when several fire at once.
func triggerFor(th Thresholds, intent classify.Intent, lowStreak int, sentiment float64) (bool, store.EscalationReason) {
	switch {
	case classify.IsHardEscalation(intent):
		return true, store.ReasonHardIntent
	case intent == classify.IntentHumanHandoff:
		return true, store.ReasonHumanRequested
	case th.ConfidenceStreak > 0 && lowStreak >= th.ConfidenceStreak:
		return true, store.ReasonLowConfidence
	case sentiment < th.SentimentFloor:
		return true, store.ReasonNegativeSentiment
	}
	return false, ""
}
