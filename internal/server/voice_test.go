// ABOUTME: Tests for the voice webhook adapter and its TwiML responses
// ABOUTME: Drives call flows through form posts like a telephony provider

package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/store"
)

// postVoice submits a provider-style form callback and returns the recorder.
func postVoice(t *testing.T, handler http.Handler, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/voice/inbound", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestVoiceInbound_CallStartGreets(t *testing.T) {
	_, handler := newTestServer(t)

	rec := postVoice(t, handler, url.Values{
		"CallSid": {"CA001"},
		"From":    {"+15550100"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "<Response>")
	assert.Contains(t, body, "<Gather")
	assert.Contains(t, body, voiceGreeting)
	assert.NotContains(t, body, "<Hangup")
}

func TestVoiceInbound_SpeechTurn(t *testing.T) {
	srv, handler := newTestServer(t)

	rec := postVoice(t, handler, url.Values{
		"CallSid":      {"CA002"},
		"From":         {"+15550101"},
		"SpeechResult": {"what time is checkout"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "<Gather")
	assert.Contains(t, body, "<Say>")
	assert.Contains(t, body, `action="/voice/inbound"`)

	// The turn landed in a voice-channel conversation keyed by caller number.
	sess, err := srv.store.GetSessionByIdentity(t.Context(), "+15550101")
	require.NoError(t, err)
	conv, err := srv.store.GetOpenConversation(t.Context(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ChannelVoice, conv.Channel)

	msgs, err := srv.store.ListRecentMessages(t.Context(), conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "what time is checkout", msgs[0].Content)
}

func TestVoiceInbound_DigitsFallback(t *testing.T) {
	srv, handler := newTestServer(t)

	rec := postVoice(t, handler, url.Values{
		"CallSid": {"CA003"},
		"From":    {"+15550102"},
		"Digits":  {"1"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<Gather")

	sess, err := srv.store.GetSessionByIdentity(t.Context(), "+15550102")
	require.NoError(t, err)
	conv, err := srv.store.GetOpenConversation(t.Context(), sess.ID)
	require.NoError(t, err)

	msgs, err := srv.store.ListRecentMessages(t.Context(), conv.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	assert.Equal(t, "1", msgs[0].Content)
}

func TestVoiceInbound_EscalationKeepsLineOpen(t *testing.T) {
	_, handler := newTestServer(t)

	rec := postVoice(t, handler, url.Values{
		"CallSid":      {"CA004"},
		"From":         {"+15550103"},
		"SpeechResult": {"there is a fire on my floor"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "transfer you")
	assert.Contains(t, body, "<Gather")
	assert.NotContains(t, body, "<Hangup")
}

func TestVoiceInbound_FarewellHangsUp(t *testing.T) {
	_, handler := newTestServer(t)

	first := postVoice(t, handler, url.Values{
		"CallSid":      {"CA005"},
		"From":         {"+15550104"},
		"SpeechResult": {"what time is breakfast"},
	})
	require.Equal(t, http.StatusOK, first.Code)

	rec := postVoice(t, handler, url.Values{
		"CallSid":      {"CA005"},
		"From":         {"+15550104"},
		"SpeechResult": {"goodbye"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "<Say>")
	assert.Contains(t, body, "<Hangup")
	assert.NotContains(t, body, "<Gather")
}

func TestVoiceInbound_MissingCallerHangsUp(t *testing.T) {
	_, handler := newTestServer(t)

	rec := postVoice(t, handler, url.Values{
		"CallSid":      {"CA006"},
		"SpeechResult": {"hello"},
	})

	// The provider reads TwiML off a 200 even when the turn is rejected.
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, voiceUnavailable)
	assert.Contains(t, body, "<Hangup")
}
