// Package generator defines the reply-generation contract and its backends.
//
// A Generator receives the recent conversation window and returns a reply
// with intent, confidence, and sentiment, or a typed failure the engine
// recovers from with a fallback. Two backends ship: a deterministic rules
// generator and a Gemini-backed one.
package generator
