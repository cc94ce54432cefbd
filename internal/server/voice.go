// ABOUTME: Voice webhook adapter translating telephony callbacks into turns
// ABOUTME: Speaks TwiML back: gather while open, transfer notice on escalation, hangup when closed

package server

import (
	"encoding/xml"
	"fmt"
	"net/http"

	"github.com/2389/switchboard/internal/dispatch"
	"github.com/2389/switchboard/internal/store"
)

const (
	voiceGreeting    = "Thank you for calling. How can I help you today?"
	voiceUnavailable = "We are sorry, we cannot take your call right now. Please try again in a few minutes."
)

// twimlSay speaks a line to the caller.
type twimlSay struct {
	Voice string `xml:"voice,attr,omitempty"`
	Text  string `xml:",chardata"`
}

// twimlGather collects the caller's next utterance or keypad entry and posts
// it back to the voice webhook.
type twimlGather struct {
	Input         string    `xml:"input,attr"`
	Action        string    `xml:"action,attr"`
	Method        string    `xml:"method,attr"`
	Timeout       int       `xml:"timeout,attr"`
	SpeechTimeout string    `xml:"speechTimeout,attr,omitempty"`
	Say           *twimlSay `xml:"Say,omitempty"`
}

type twimlHangup struct{}

// twimlResponse is the document returned to the telephony provider. Field
// order fixes element order: a leading Say only appears together with Hangup.
type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Say     *twimlSay    `xml:"Say,omitempty"`
	Gather  *twimlGather `xml:"Gather,omitempty"`
	Hangup  *twimlHangup `xml:"Hangup,omitempty"`
}

// handleVoiceInbound handles POST /voice/inbound. The provider posts a form
// on call start and after each gather; the caller's number is the identity,
// so a caller ringing back within the idle window lands in the same
// conversation. The first callback has no speech yet and gets the greeting.
func (s *Server) handleVoiceInbound(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid form body")
		return
	}

	from := r.PostFormValue("From")
	content := r.PostFormValue("SpeechResult")
	if content == "" {
		content = r.PostFormValue("Digits")
	}

	res, err := s.dispatcher.Submit(r.Context(), dispatch.SubmitRequest{
		Identity: from,
		Channel:  string(store.ChannelVoice),
		Content:  content,
	})
	if err != nil {
		// The provider reads TwiML off any 2xx; an error status would play
		// a carrier failure message instead of ours.
		s.logger.Error("voice turn failed",
			"call_sid", r.PostFormValue("CallSid"), "error", err)
		s.writeTwiML(w, &twimlResponse{
			Say:    &twimlSay{Text: voiceUnavailable},
			Hangup: &twimlHangup{},
		})
		return
	}

	if res.NoOp {
		s.writeTwiML(w, gatherPrompt(voiceGreeting))
		return
	}

	if res.Status.Terminal() {
		s.writeTwiML(w, &twimlResponse{
			Say:    &twimlSay{Text: res.Reply},
			Hangup: &twimlHangup{},
		})
		return
	}

	// Escalated conversations keep gathering: the reply already carries the
	// transfer notice and the line stays open for the human agent.
	s.writeTwiML(w, gatherPrompt(res.Reply))
}

// gatherPrompt wraps a spoken line in a gather that posts the next utterance
// back to this webhook.
func gatherPrompt(text string) *twimlResponse {
	return &twimlResponse{
		Gather: &twimlGather{
			Input:         "speech dtmf",
			Action:        "/voice/inbound",
			Method:        http.MethodPost,
			Timeout:       5,
			SpeechTimeout: "auto",
			Say:           &twimlSay{Text: text},
		},
	}
}

// writeTwiML serializes a TwiML document onto the response.
func (s *Server) writeTwiML(w http.ResponseWriter, doc *twimlResponse) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, xml.Header)
	if err := xml.NewEncoder(w).Encode(doc); err != nil {
		s.logger.Error("failed to encode twiml", "error", err)
	}
}
