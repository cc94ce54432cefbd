// ABOUTME: Deterministic rules-based generator built on the keyword classifier
// ABOUTME: Default backend for development and the offline fallback for tests

package generator

import (
	"context"
	"fmt"

	"github.com/2389/switchboard/internal/classify"
	"github.com/2389/switchboard/internal/store"
)

// intentReplies holds canned replies per intent. The reply for a turn is
// picked by cycling on the window length so repeated questions do not get
// the identical sentence back every time.
var intentReplies = map[classify.Intent][]string{
	classify.IntentGreeting: {
		"Hello! Welcome to Grand Hotel. How can I help you today?",
		"Hi there! What can I do for you?",
	},
	classify.IntentBooking: {
		"I'd be happy to help you with your reservation. What dates are you looking for?",
		"Let me check our availability for you. How many guests and which nights?",
		"Would you like to modify an existing reservation or make a new one?",
	},
	classify.IntentBillingDispute: {
		"I'm sorry about the billing trouble. I'm bringing in a member of our team to review the charge with you right away.",
	},
	classify.IntentComplaint: {
		"I sincerely apologize for the inconvenience. Let me help resolve this immediately.",
		"I understand your concern. Can you share a few more details so I can assist you better?",
	},
	classify.IntentCancellation: {
		"I can help with that cancellation. Could you confirm the reservation name or number?",
	},
	classify.IntentServiceRequest: {
		"I'll arrange that service for you right away. What room number should I send it to?",
		"Consider it done. Housekeeping will be with you shortly. Anything else you need?",
	},
	classify.IntentAmenities: {
		"Our pool is open 6:00 AM to 10:00 PM, the gym is open around the clock, and the spa takes bookings from 9:00 AM to 8:00 PM. Complimentary WiFi covers the whole property.",
		"Breakfast is served 6:30 AM to 10:30 AM in the main restaurant, and 24-hour room service is always available.",
	},
	classify.IntentCheckout: {
		"Checkout time is 11:00 AM. You can check out at the front desk, on your room TV, or through the mobile app. Late checkout until 2:00 PM is available on request.",
	},
	classify.IntentEmergency: {
		"This sounds urgent. I am alerting our on-site staff right now, and someone will reach you immediately. If anyone is in danger, please also call emergency services.",
	},
	classify.IntentPolicyInquiry: {
		"Happy to clarify our policies. Which one can I walk you through, such as pets, smoking, or cancellations?",
	},
	classify.IntentHumanHandoff: {
		"Of course. I'm connecting you with a member of our team now; they will have the full context of this conversation.",
	},
	classify.IntentFarewell: {
		"Thank you for chatting with us. Enjoy the rest of your stay!",
		"You're very welcome. We're here around the clock if anything else comes up.",
	},
	classify.IntentGeneralInquiry: {
		"I'm here to help! What would you like to know?",
		"I can help with amenities, reservations, billing, and local recommendations. What do you need?",
	},
}

// RulesGenerator answers from canned templates and the keyword classifier.
// It never fails, which also makes it the terminal fallback in tests.
type RulesGenerator struct{}

func NewRulesGenerator() *RulesGenerator {
	return &RulesGenerator{}
}

func (g *RulesGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	inbound := lastUserMessage(req.Window)
	if inbound == nil {
		return nil, fmt.Errorf("%w: window has no user message", ErrInvalidResponse)
	}

	result := classify.Classify(inbound.Content)
	replies := intentReplies[result.Intent]
	if len(replies) == 0 {
		replies = intentReplies[classify.IntentGeneralInquiry]
	}

	return &Response{
		ReplyText:  replies[len(req.Window)%len(replies)],
		Intent:     result.Intent.String(),
		Confidence: clamp(result.Confidence, 0, 1),
		Sentiment:  clamp(classify.Sentiment(inbound.Content), -1, 1),
	}, nil
}

func lastUserMessage(window []*store.Message) *store.Message {
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].Role == store.RoleUser {
			return window[i]
		}
	}
	return nil
}

var _ Generator = (*RulesGenerator)(nil)
