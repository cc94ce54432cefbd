// ABOUTME: Response generator contract shared by the rules and Gemini backends
// ABOUTME: Defines the request/response shapes and the typed failure modes

package generator

import (
	"context"
	"errors"

	"github.com/2389/switchboard/internal/store"
)

var (
	// ErrTimeout means the backend did not answer within the turn deadline.
	ErrTimeout = errors.New("generator timeout")
	// ErrUnavailable means the backend could not be reached at all.
	ErrUnavailable = errors.New("generator unavailable")
	// ErrInvalidResponse means the backend answered with something unusable.
	ErrInvalidResponse = errors.New("generator returned invalid response")
)

// Request carries one turn to the generator. Window holds the conversation's
// recent messages in sequence order, ending with the inbound user message.
type Request struct {
	ConversationID string
	Channel        store.Channel
	Window         []*store.Message
}

// Response is the generator's answer for one turn. Confidence is in [0, 1]
// and Sentiment in [-1, 1]; backends clamp before returning.
type Response struct {
	ReplyText  string
	Intent     string
	Confidence float64
	Sentiment  float64
}

// Generator produces one reply per inbound turn.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
