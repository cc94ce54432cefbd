// ABOUTME: Tests for submission validation and normalization
// ABOUTME: Covers identity/channel rejection, no-op content, and engine forwarding

package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/bus"
	"github.com/2389/switchboard/internal/engine"
	"github.com/2389/switchboard/internal/generator"
	"github.com/2389/switchboard/internal/store"
)

type stubTurns struct {
	lastReq *engine.TurnRequest
	result  *engine.Result
	err     error
	calls   int
}

func (s *stubTurns) Process(_ context.Context, req *engine.TurnRequest) (*engine.Result, error) {
	s.calls++
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func TestSubmit_ForwardsValidatedTurn(t *testing.T) {
	want := &engine.Result{ConversationID: "conv-1", Seq: 1, Reply: "hello"}
	turns := &stubTurns{result: want}
	d := New(turns, nil)

	got, err := d.Submit(context.Background(), SubmitRequest{
		Identity:  "  guest-1  ",
		Channel:   " Web ",
		Content:   "  is the pool open  ",
		MessageID: " msg-1 ",
		Contact:   store.Contact{Name: "Ada"},
	})
	require.NoError(t, err)
	assert.Same(t, want, got)

	require.Equal(t, 1, turns.calls)
	assert.Equal(t, "guest-1", turns.lastReq.Identity)
	assert.Equal(t, store.ChannelWeb, turns.lastReq.Channel)
	assert.Equal(t, "is the pool open", turns.lastReq.Content)
	assert.Equal(t, "msg-1", turns.lastReq.MessageID)
	assert.Equal(t, "Ada", turns.lastReq.Contact.Name)
}

func TestSubmit_RequiresIdentity(t *testing.T) {
	turns := &stubTurns{}
	d := New(turns, nil)

	for _, identity := range []string{"", "   ", "\t\n"} {
		_, err := d.Submit(context.Background(), SubmitRequest{
			Identity: identity,
			Channel:  "web",
			Content:  "hello",
		})
		assert.ErrorIs(t, err, ErrInvalidInput)
	}
	assert.Zero(t, turns.calls)
}

func TestSubmit_RejectsUnknownChannel(t *testing.T) {
	turns := &stubTurns{}
	d := New(turns, nil)

	_, err := d.Submit(context.Background(), SubmitRequest{
		Identity: "guest-1",
		Channel:  "sms",
		Content:  "hello",
	})
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "sms")
	assert.Zero(t, turns.calls)
}

func TestSubmit_NormalizesChannelCase(t *testing.T) {
	turns := &stubTurns{result: &engine.Result{}}
	d := New(turns, nil)

	_, err := d.Submit(context.Background(), SubmitRequest{
		Identity: "caller-1",
		Channel:  " VOICE ",
		Content:  "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, store.ChannelVoice, turns.lastReq.Channel)
}

func TestSubmit_EmptyContentIsNoOp(t *testing.T) {
	turns := &stubTurns{}
	d := New(turns, nil)

	res, err := d.Submit(context.Background(), SubmitRequest{
		Identity: "guest-1",
		Channel:  "web",
		Content:  " \n\t ",
	})
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.Zero(t, turns.calls, "no-op submissions never reach the engine")
}

func TestSubmit_PropagatesEngineError(t *testing.T) {
	boom := errors.New("store down")
	d := New(&stubTurns{err: boom}, nil)

	_, err := d.Submit(context.Background(), SubmitRequest{
		Identity: "guest-1",
		Channel:  "web",
		Content:  "hello",
	})
	assert.ErrorIs(t, err, boom)
}

// TestSubmit_DuplicateMessageID runs against a real engine to confirm the
// dispatcher surface honors replay: the second submission with the same
// message id returns the first result unchanged.
func TestSubmit_DuplicateMessageID(t *testing.T) {
	st := store.NewMemoryStore()
	b := bus.New(nil, nil)
	e := engine.New(st, generator.NewRulesGenerator(), b, nil, engine.DefaultConfig(), nil)
	t.Cleanup(func() {
		e.Close()
		b.Close()
		_ = st.Close()
	})
	d := New(e, nil)

	req := SubmitRequest{
		Identity:  "guest-1",
		Channel:   "web",
		Content:   "what time is checkout",
		MessageID: "msg-dup",
	}
	first, err := d.Submit(context.Background(), req)
	require.NoError(t, err)
	second, err := d.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first, second)

	msgs, err := st.ListRecentMessages(context.Background(), first.ConversationID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "the duplicate never re-enters the ledger")
}
