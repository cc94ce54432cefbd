// Package dedupe provides a time-bounded result cache keyed by message ID,
// so replaying an already-processed message returns its original result
// instead of reprocessing the turn.
package dedupe
