// Package bus fans each conversation event out to its consumers.
//
// Every processed turn and every status change produces exactly one
// TurnEvent. The bus delivers it on three legs with different guarantees:
//
//   - Originating channel: synchronous and mandatory. The registered
//     Deliverer for the event's channel runs before Publish returns and
//     its error fails the turn. Channels without a Deliverer complete
//     this leg through the transport response instead.
//   - Dashboard subscribers: non-blocking broadcast through Broadcaster.
//     Slow subscribers lose events; the publisher never waits.
//   - Background queue: analytics records derived from the event, plus an
//     operator notification when the turn escalated. Enqueue failures are
//     logged and swallowed.
//
// Publish runs under the caller's per-conversation lock, so all legs see
// one conversation's events in production order. There is no ordering
// across conversations.
package bus
