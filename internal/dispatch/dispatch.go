// ABOUTME: Inbound entry point validating channel submissions before the engine
// ABOUTME: Normalizes identity, channel, and content; empty submissions are no-ops

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/switchboard/internal/engine"
	"github.com/2389/switchboard/internal/store"
)

// ErrInvalidInput rejects a submission before it reaches the engine.
var ErrInvalidInput = errors.New("invalid submission")

// Turns is the slice of the engine the dispatcher needs.
type Turns interface {
	Process(ctx context.Context, req *engine.TurnRequest) (*engine.Result, error)
}

// SubmitRequest is one raw inbound message from a channel adapter.
type SubmitRequest struct {
	Identity  string
	Channel   string
	Content   string
	MessageID string
	Contact   store.Contact
}

// Dispatcher validates raw submissions and forwards them as turns.
type Dispatcher struct {
	turns  Turns
	logger *slog.Logger
}

// New creates a dispatcher in front of the given engine.
func New(turns Turns, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		turns:  turns,
		logger: logger.With("component", "dispatch"),
	}
}

// Submit validates one inbound message and runs it through the engine.
// Content that trims to nothing returns a no-op result without touching
// any state. A message id seen before returns that turn's prior result.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (*engine.Result, error) {
	identity := strings.TrimSpace(req.Identity)
	if identity == "" {
		return nil, fmt.Errorf("%w: identity is required", ErrInvalidInput)
	}

	channel := store.Channel(strings.ToLower(strings.TrimSpace(req.Channel)))
	if !channel.Valid() {
		return nil, fmt.Errorf("%w: unknown channel %q", ErrInvalidInput, req.Channel)
	}

	content := strings.TrimSpace(req.Content)
	if content == "" {
		d.logger.Debug("empty submission ignored",
			"identity", identity,
			"channel", channel)
		return &engine.Result{NoOp: true}, nil
	}

	return d.turns.Process(ctx, &engine.TurnRequest{
		Identity:  identity,
		Channel:   channel,
		Content:   content,
		MessageID: strings.TrimSpace(req.MessageID),
		Contact:   req.Contact,
	})
}
