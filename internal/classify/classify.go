// ABOUTME: Keyword-based intent classification and lexicon sentiment scoring
// ABOUTME: Shared vocabulary for the rules generator and the escalation policy

package classify

import (
	"strings"

	"github.com/2389/switchboard/internal/store"
)

// Intent is a recognized category of customer utterance.
type Intent string

const (
	IntentGreeting       Intent = "greeting"
	IntentBooking        Intent = "booking"
	IntentBillingDispute Intent = "billing_dispute"
	IntentComplaint      Intent = "complaint"
	IntentCancellation   Intent = "cancellation"
	IntentServiceRequest Intent = "service_request"
	IntentAmenities      Intent = "amenities"
	IntentCheckout       Intent = "checkout"
	IntentEmergency      Intent = "emergency"
	IntentPolicyInquiry  Intent = "policy_inquiry"
	IntentHumanHandoff   Intent = "human_handoff"
	IntentFarewell       Intent = "farewell"
	IntentGeneralInquiry Intent = "general_inquiry"
)

func (i Intent) String() string { return string(i) }

// intentLexicon pairs an intent with its trigger keywords. Single words are
// matched against tokens; entries containing a space are matched as phrases.
type intentLexicon struct {
	intent   Intent
	keywords []string
}

// Ordered by stakes so equal scores resolve toward the safer intent.
var intentLexicons = []intentLexicon{
	{IntentEmergency, []string{"emergency", "fire", "medical", "ambulance", "police", "hurt", "injured", "accident", "unsafe"}},
	{IntentBillingDispute, []string{"charge", "charged", "overcharge", "overcharged", "refund", "bill", "billed", "invoice", "card", "payment", "twice", "double"}},
	{IntentHumanHandoff, []string{"human", "agent", "manager", "supervisor", "representative", "speak to someone", "real person", "talk to a person"}},
	{IntentCancellation, []string{"cancel", "cancellation", "call off"}},
	{IntentCheckout, []string{"checkout", "check out", "leaving", "departure", "late checkout"}},
	{IntentBooking, []string{"book", "reserve", "reservation", "availability", "vacancy", "stay", "night", "nights"}},
	{IntentComplaint, []string{"complain", "complaint", "problem", "issue", "wrong", "broken", "dirty", "noisy", "cold", "smell"}},
	{IntentServiceRequest, []string{"housekeeping", "maintenance", "towels", "towel", "pillow", "pillows", "blanket", "cleaning", "room service", "toiletries"}},
	{IntentAmenities, []string{"pool", "gym", "spa", "restaurant", "wifi", "parking", "breakfast", "bar", "sauna", "laundry"}},
	{IntentPolicyInquiry, []string{"policy", "rule", "rules", "regulation", "allowed", "permitted", "procedure", "pets", "smoking"}},
	{IntentFarewell, []string{"bye", "goodbye", "farewell", "thanks", "thank", "that's all", "good night"}},
	{IntentGreeting, []string{"hello", "hi", "hey", "good morning", "good afternoon", "good evening"}},
	{IntentGeneralInquiry, []string{"information", "question", "help", "what", "how", "when", "where", "who"}},
}

var positiveWords = []string{
	"good", "great", "excellent", "amazing", "wonderful", "perfect", "love",
	"happy", "fantastic", "lovely", "pleased", "appreciate", "helpful",
}

var negativeWords = []string{
	"bad", "terrible", "awful", "horrible", "hate", "angry", "frustrated",
	"disappointed", "unacceptable", "worst", "upset", "furious", "ridiculous",
	"annoyed", "unhappy", "disgusting",
}

var (
	positiveSet = wordSet(positiveWords)
	negativeSet = wordSet(negativeWords)
)

// sentimentNegators flip the polarity of the word right after them.
var sentimentNegators = map[string]bool{
	"not": true, "no": true, "never": true, "cannot": true, "nothing": true,
}

func wordSet(words []string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

func isNegator(token string) bool {
	return sentimentNegators[token] || strings.HasSuffix(token, "n't")
}

// Hard-escalation intents route straight to a human regardless of score.
var hardEscalationIntents = map[Intent]bool{
	IntentEmergency:      true,
	IntentBillingDispute: true,
}

// Confidence assigned when no lexicon matches at all. Kept below typical
// low-confidence thresholds so unclassifiable turns build an escalation streak.
const unknownConfidence = 0.35

// Result is one classification outcome.
type Result struct {
	Intent     Intent
	Confidence float64
}

// Classify scores the text against every intent lexicon and returns the best
// match. Scoring follows hits over lexicon size; confidence grows with the
// number of distinct keyword hits.
func Classify(text string) Result {
	tokens := tokenize(text)
	lowered := strings.ToLower(text)

	best := Result{Intent: IntentGeneralInquiry, Confidence: unknownConfidence}
	bestScore := 0.0
	bestHits := 0

	for _, lex := range intentLexicons {
		hits := 0
		for _, kw := range lex.keywords {
			if matchKeyword(kw, tokens, lowered) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		score := float64(hits) / float64(len(lex.keywords))
		if score > bestScore {
			bestScore = score
			bestHits = hits
			best.Intent = lex.intent
		}
	}

	if bestHits > 0 {
		best.Confidence = confidenceFor(bestHits)
	}
	return best
}

func confidenceFor(hits int) float64 {
	conf := 0.45 + 0.15*float64(hits)
	if conf > 0.9 {
		conf = 0.9
	}
	return conf
}

// Sentiment scores the text in [-1, 1] from the positive and negative
// lexicons. A negator immediately before a lexicon word flips its polarity,
// so "not helpful" counts against. Zero when neither lexicon matches.
func Sentiment(text string) float64 {
	words := orderedTokens(text)

	var pos, neg int
	for i, w := range words {
		polarity := 0
		if positiveSet[w] {
			polarity = 1
		} else if negativeSet[w] {
			polarity = -1
		}
		if polarity == 0 {
			continue
		}
		if i > 0 && isNegator(words[i-1]) {
			polarity = -polarity
		}
		if polarity > 0 {
			pos++
		} else {
			neg++
		}
	}

	if pos == 0 && neg == 0 {
		return 0
	}
	return float64(pos-neg) / float64(pos+neg)
}

// matchKeyword matches single words against the token set and multi-word
// phrases as substrings of the lowered text.
func matchKeyword(keyword string, tokens map[string]bool, lowered string) bool {
	if strings.Contains(keyword, " ") {
		return strings.Contains(lowered, keyword)
	}
	return tokens[keyword]
}

func tokenize(text string) map[string]bool {
	words := orderedTokens(text)
	tokens := make(map[string]bool, len(words))
	for _, w := range words {
		tokens[w] = true
	}
	return tokens
}

// orderedTokens lowercases, splits, and strips surrounding punctuation while
// keeping word order so negation can see adjacency.
func orderedTokens(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:'\"()[]")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// IsHardEscalation reports whether the intent routes straight to a human.
func IsHardEscalation(intent Intent) bool {
	return hardEscalationIntents[intent]
}

// CategoryFor maps an intent to its conversation category tag.
func CategoryFor(intent Intent) string {
	switch intent {
	case IntentBillingDispute, IntentCheckout:
		return "billing"
	case IntentBooking, IntentCancellation:
		return "reservations"
	case IntentComplaint, IntentServiceRequest:
		return "service"
	case IntentAmenities:
		return "facilities"
	case IntentEmergency:
		return "safety"
	case IntentPolicyInquiry:
		return "policy"
	default:
		return "general"
	}
}

// PriorityFor maps an intent to the minimum priority it demands. Callers
// only ever upgrade; a later low-stakes turn never downgrades a conversation.
func PriorityFor(intent Intent) store.Priority {
	switch intent {
	case IntentEmergency:
		return store.PriorityUrgent
	case IntentBillingDispute, IntentComplaint, IntentHumanHandoff:
		return store.PriorityHigh
	default:
		return store.PriorityNormal
	}
}

// MaxPriority returns the higher-ranked of two priorities.
func MaxPriority(a, b store.Priority) store.Priority {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}
