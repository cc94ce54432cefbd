// Package dispatch is the inbound front door for every channel adapter.
//
// It validates and normalizes submissions, short-circuits empty turns as
// no-ops, and forwards clean turns to the engine. Adapters depend on this
// package rather than on the engine directly.
package dispatch
