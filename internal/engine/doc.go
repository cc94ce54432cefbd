// Package engine runs the conversation state machine.
//
// One Engine processes inbound turns. Each turn resolves the sender's
// session, finds or creates its single open conversation, and then runs
// the pipeline under that conversation's lock:
//
//  1. Append the inbound message, assigning the next sequence number.
//     A duplicate message id replays the original turn's result instead.
//  2. Generate a reply from the recent message window, bounded by the
//     generator timeout. Failures substitute the channel fallback text.
//  3. Assess the turn against the escalation policy and fold its signals
//     into the conversation: EWMA sentiment, streak counters, category,
//     and priority.
//  4. Commit the outbound message and the conversation update in one
//     store transaction, then record the escalation event if a trigger
//     fired.
//  5. Publish the turn event. Delivery to the originating channel is
//     mandatory; its failure fails the turn even though the ledger keeps
//     the committed messages.
//
// The per-conversation lock serializes turns, operator actions, and the
// idle sweeper, which keeps sequence numbers gap-free and makes every
// status transition race-free. Locks for closed conversations are
// evicted from the table.
//
// Conversations move active -> escalated -> resolved, or close as
// resolved (farewell, operator) or abandoned (idle sweep). Terminal
// states are final; new activity from the same session starts a fresh
// conversation with its own sequence run.
package engine
