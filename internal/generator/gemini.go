// ABOUTME: Gemini-backed response generator using the google.golang.org/genai SDK
// ABOUTME: Prompts for strict JSON and maps SDK failures onto the typed generator errors

package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/2389/switchboard/internal/classify"
	"github.com/2389/switchboard/internal/store"
)

const geminiSystemPrompt = `You are the concierge assistant for Grand Hotel, handling guest chat and voice transcripts.

Answer directly and completely in a warm, professional tone. Cover amenities, dining, policies, bookings, billing questions, and local recommendations. Keep replies short enough to read aloud on a phone call.

After composing the reply, classify the guest's last message. Respond with a single JSON object and nothing else:

{"reply": "<your reply>", "intent": "<label>", "confidence": <0..1>, "sentiment": <-1..1>}

intent must be one of: greeting, booking, billing_dispute, complaint, cancellation, service_request, amenities, checkout, emergency, policy_inquiry, human_handoff, farewell, general_inquiry.
confidence is how certain you are of the intent label. sentiment is the guest's mood in their last message, negative values for frustration or anger.`

// GeminiGenerator produces replies through the Gemini API.
type GeminiGenerator struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// NewGeminiGenerator builds a generator against the Gemini API. The model
// defaults to gemini-2.0-flash when empty.
func NewGeminiGenerator(ctx context.Context, apiKey, model string) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &GeminiGenerator{
		client: client,
		model:  model,
		logger: slog.Default().With("component", "generator"),
	}, nil
}

func (g *GeminiGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	contents := buildContents(req.Window)
	if len(contents) == 0 {
		return nil, fmt.Errorf("%w: window has no user message", ErrInvalidResponse)
	}

	temperature := float32(0.7)
	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(geminiSystemPrompt, genai.RoleUser),
		Temperature:       &temperature,
		MaxOutputTokens:   1024,
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	raw := strings.TrimSpace(result.Text())
	resp, err := parseGeneratorJSON(raw)
	if err != nil {
		g.logger.Warn("unparseable generator output", "model", g.model, "output_len", len(raw))
		return nil, err
	}
	return resp, nil
}

// Close releases the underlying API client. google.golang.org/genai's
// Client keeps no connection state and exposes no Close, so there is
// nothing to release.
func (g *GeminiGenerator) Close() error {
	return nil
}

// buildContents turns the message window into alternating user/model turns.
func buildContents(window []*store.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(window))
	for _, msg := range window {
		switch msg.Role {
		case store.RoleUser:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		case store.RoleAgent:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		}
	}
	if len(contents) == 0 || len(window) == 0 || window[len(window)-1].Role != store.RoleUser {
		return nil
	}
	return contents
}

type generatorJSON struct {
	Reply      string  `json:"reply"`
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Sentiment  float64 `json:"sentiment"`
}

// parseGeneratorJSON decodes the model's JSON turn, tolerating markdown
// fences. Unknown intent labels degrade to general_inquiry rather than
// failing the turn; an empty reply or broken JSON is ErrInvalidResponse.
func parseGeneratorJSON(raw string) (*Response, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var parsed generatorJSON
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	if strings.TrimSpace(parsed.Reply) == "" {
		return nil, fmt.Errorf("%w: empty reply", ErrInvalidResponse)
	}

	intent := normalizeIntent(parsed.Intent)

	return &Response{
		ReplyText:  strings.TrimSpace(parsed.Reply),
		Intent:     intent,
		Confidence: clamp(parsed.Confidence, 0, 1),
		Sentiment:  clamp(parsed.Sentiment, -1, 1),
	}, nil
}

var knownIntents = map[string]bool{
	classify.IntentGreeting.String():       true,
	classify.IntentBooking.String():        true,
	classify.IntentBillingDispute.String(): true,
	classify.IntentComplaint.String():      true,
	classify.IntentCancellation.String():   true,
	classify.IntentServiceRequest.String(): true,
	classify.IntentAmenities.String():      true,
	classify.IntentCheckout.String():       true,
	classify.IntentEmergency.String():      true,
	classify.IntentPolicyInquiry.String():  true,
	classify.IntentHumanHandoff.String():   true,
	classify.IntentFarewell.String():       true,
	classify.IntentGeneralInquiry.String(): true,
}

func normalizeIntent(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	label = strings.ReplaceAll(label, " ", "_")
	if knownIntents[label] {
		return label
	}
	return classify.IntentGeneralInquiry.String()
}

var _ Generator = (*GeminiGenerator)(nil)
