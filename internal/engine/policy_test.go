// ABOUTME: Tests for the escalation policy assessment
// ABOUTME: Covers trigger precedence, EWMA sentiment, streaks, and auto-resolution

package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/2389/switchboard/internal/classify"
	"github.com/2389/switchboard/internal/generator"
	"github.com/2389/switchboard/internal/store"
)

func activeConversation() *store.Conversation {
	return &store.Conversation{
		ID:        "conv-1",
		SessionID: "sess-1",
		Channel:   store.ChannelWeb,
		Status:    store.StatusActive,
		Priority:  store.PriorityNormal,
		Category:  "general",
	}
}

func genResponse(intent string, confidence, sentiment float64) *generator.Response {
	return &generator.Response{
		ReplyText:  "a reply",
		Intent:     intent,
		Confidence: confidence,
		Sentiment:  sentiment,
	}
}

func TestAssessTurn_CalmTurnKeepsActive(t *testing.T) {
	conv := activeConversation()
	out := assessTurn(DefaultThresholds(), conv, genResponse("general_inquiry", 0.8, 0.2), time.Now())

	assert.False(t, out.triggered)
	assert.False(t, out.resolve)
	assert.Equal(t, store.StatusActive, out.update.Status)
	assert.Equal(t, 0, out.update.LowConfidenceStreak)
	assert.InDelta(t, 0.1, out.update.Sentiment, 1e-9) // 0.5*0.2 + 0.5*0
}

func TestAssessTurn_SentimentIsEWMA(t *testing.T) {
	conv := activeConversation()
	conv.Sentiment = 0.6

	out := assessTurn(DefaultThresholds(), conv, genResponse("general_inquiry", 0.8, -0.2), time.Now())
	assert.InDelta(t, 0.2, out.update.Sentiment, 1e-9) // 0.5*-0.2 + 0.5*0.6
}

func TestAssessTurn_SentimentFloorUsesUpdatedEstimate(t *testing.T) {
	conv := activeConversation() // running estimate 0

	// A single fully negative sample pulls the estimate to -0.5, below the
	// -0.4 floor, so the trigger fires on this very turn.
	out := assessTurn(DefaultThresholds(), conv, genResponse("general_inquiry", 0.8, -1.0), time.Now())

	assert.True(t, out.triggered)
	assert.True(t, out.escalatedNow)
	assert.Equal(t, store.ReasonNegativeSentiment, out.reason)
	assert.Equal(t, store.StatusEscalated, out.update.Status)
	assert.InDelta(t, -0.5, out.update.Sentiment, 1e-9)
}

func TestAssessTurn_HardIntentWinsOverSentiment(t *testing.T) {
	conv := activeConversation()

	out := assessTurn(DefaultThresholds(), conv, genResponse("billing_dispute", 0.9, -1.0), time.Now())

	assert.True(t, out.triggered)
	assert.Equal(t, store.ReasonHardIntent, out.reason)
}

func TestAssessTurn_HumanRequestEscalates(t *testing.T) {
	conv := activeConversation()

	out := assessTurn(DefaultThresholds(), conv, genResponse("human_handoff", 0.9, 0), time.Now())

	assert.True(t, out.triggered)
	assert.Equal(t, store.ReasonHumanRequested, out.reason)
	assert.Equal(t, store.PriorityHigh, out.update.Priority)
}

func TestAssessTurn_LowConfidenceStreak(t *testing.T) {
	th := DefaultThresholds()
	conv := activeConversation()

	// First two low-confidence turns build the streak without escalating
	out := assessTurn(th, conv, genResponse("general_inquiry", 0.2, 0), time.Now())
	assert.False(t, out.triggered)
	assert.Equal(t, 1, out.update.LowConfidenceStreak)

	conv.LowConfidenceStreak = 2
	out = assessTurn(th, conv, genResponse("general_inquiry", 0.2, 0), time.Now())
	assert.True(t, out.triggered)
	assert.Equal(t, store.ReasonLowConfidence, out.reason)
	assert.Equal(t, 3, out.update.LowConfidenceStreak)
}

func TestAssessTurn_ConfidentTurnResetsStreak(t *testing.T) {
	conv := activeConversation()
	conv.LowConfidenceStreak = 2

	out := assessTurn(DefaultThresholds(), conv, genResponse("general_inquiry", 0.8, 0), time.Now())

	assert.False(t, out.triggered)
	assert.Equal(t, 0, out.update.LowConfidenceStreak)
}

func TestAssessTurn_AlreadyEscalatedIsIdempotent(t *testing.T) {
	conv := activeConversation()
	conv.Status = store.StatusEscalated

	out := assessTurn(DefaultThresholds(), conv, genResponse("billing_dispute", 0.9, 0), time.Now())

	assert.True(t, out.triggered)
	assert.False(t, out.escalatedNow, "an escalated conversation must not transition again")
	assert.Equal(t, store.StatusEscalated, out.update.Status)
}

func TestAssessTurn_CategoryKeepsLatestSpecific(t *testing.T) {
	conv := activeConversation()
	conv.Category = "billing"

	// A general turn leaves the earlier specific category in place
	out := assessTurn(DefaultThresholds(), conv, genResponse("general_inquiry", 0.8, 0), time.Now())
	assert.Equal(t, "billing", out.update.Category)

	// A specific turn replaces it
	out = assessTurn(DefaultThresholds(), conv, genResponse("service_request", 0.8, 0), time.Now())
	assert.Equal(t, "service", out.update.Category)
}

func TestAssessTurn_PriorityNeverDowngrades(t *testing.T) {
	conv := activeConversation()
	conv.Priority = store.PriorityUrgent

	out := assessTurn(DefaultThresholds(), conv, genResponse("greeting", 0.8, 0.5), time.Now())
	assert.Equal(t, store.PriorityUrgent, out.update.Priority)
}

func TestAssessTurn_FarewellResolves(t *testing.T) {
	conv := activeConversation()
	conv.Sentiment = 0.4
	now := time.Now()

	out := assessTurn(DefaultThresholds(), conv, genResponse("farewell", 0.8, 0.6), now)

	assert.True(t, out.resolve)
	assert.Equal(t, store.StatusResolved, out.update.Status)
	assert.NotNil(t, out.update.ClosedAt)
}

func TestAssessTurn_AngryFarewellDoesNotResolve(t *testing.T) {
	conv := activeConversation()
	conv.Sentiment = 0.5

	// "bye" with a negative sample: estimate stays above the floor, so no
	// escalation either; the conversation simply stays open.
	out := assessTurn(DefaultThresholds(), conv, genResponse("farewell", 0.8, -1.0), time.Now())

	assert.False(t, out.resolve)
	assert.False(t, out.triggered)
	assert.Equal(t, store.StatusActive, out.update.Status)
}

func TestAssessTurn_FarewellOnEscalatedStaysEscalated(t *testing.T) {
	conv := activeConversation()
	conv.Status = store.StatusEscalated

	out := assessTurn(DefaultThresholds(), conv, genResponse("farewell", 0.8, 0.5), time.Now())

	assert.False(t, out.resolve, "escalated conversations close through the operator, not a goodbye")
	assert.Equal(t, store.StatusEscalated, out.update.Status)
}

func TestAssessFailedTurn_IncrementsOnlyFailureStreak(t *testing.T) {
	conv := activeConversation()
	conv.Sentiment = -0.3
	conv.LowConfidenceStreak = 2
	conv.Category = "reservations"
	conv.Priority = store.PriorityHigh

	out := assessFailedTurn(DefaultThresholds(), conv, time.Now())

	assert.False(t, out.triggered)
	assert.Equal(t, store.StatusActive, out.update.Status)
	assert.Equal(t, 1, out.update.FailureStreak)
	assert.Equal(t, 2, out.update.LowConfidenceStreak, "confidence streak must not move on failure")
	assert.InDelta(t, -0.3, out.update.Sentiment, 1e-9, "sentiment must not move on failure")
	assert.Equal(t, "reservations", out.update.Category)
	assert.Equal(t, store.PriorityHigh, out.update.Priority)
}

func TestAssessFailedTurn_StreakThresholdEscalates(t *testing.T) {
	conv := activeConversation()
	conv.FailureStreak = 2

	out := assessFailedTurn(DefaultThresholds(), conv, time.Now())

	assert.True(t, out.triggered)
	assert.True(t, out.escalatedNow)
	assert.Equal(t, store.ReasonGeneratorFailures, out.reason)
	assert.Equal(t, store.StatusEscalated, out.update.Status)
	assert.Equal(t, 3, out.update.FailureStreak)
}

func TestTriggerFor_DisabledStreaksNeverFire(t *testing.T) {
	th := DefaultThresholds()
	th.ConfidenceStreak = 0

	fired, _ := triggerFor(th, classify.IntentGeneralInquiry, 99, 0)
	assert.False(t, fired)
}

func TestTriggerFor_Precedence(t *testing.T) {
	th := DefaultThresholds()

	// Everything fires at once; the reason must name the hard intent.
	fired, reason := triggerFor(th, classify.IntentEmergency, 5, -0.9)
	assert.True(t, fired)
	assert.Equal(t, store.ReasonHardIntent, reason)

	// With no hard intent, the human request wins over the streak.
	fired, reason = triggerFor(th, classify.IntentHumanHandoff, 5, -0.9)
	assert.True(t, fired)
	assert.Equal(t, store.ReasonHumanRequested, reason)

	// With neither, the streak wins over sentiment.
	fired, reason = triggerFor(th, classify.IntentGeneralInquiry, 5, -0.9)
	assert.True(t, fired)
	assert.Equal(t, store.ReasonLowConfidence, reason)
}
