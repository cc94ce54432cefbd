// Package store provides persistent storage for sessions, conversations,
// messages, escalations, and analytics records.
//
// # Architecture
//
// A single Store interface covers every persistence concern, with three
// implementations:
//
//   - SQLiteStore: embedded database for single-node deployments
//   - PostgresStore: pgx-backed store for production deployments
//   - MemoryStore: map-backed store for unit tests and ephemeral runs
//
// # Data Models
//
//   - Session: durable customer identity keyed by identity_key
//   - Conversation: one bounded interaction; at most one open per session
//   - Message: immutable turn record with a gap-free per-conversation seq
//   - EscalationEvent: human handoff marker; at most one open per conversation
//   - AnalyticsRecord: deduplicated metric sample bucketed by day and hour
//
// # Invariants
//
// The store owns the two uniqueness rules the rest of the system relies on:
//
//   - conversations carries a partial unique index on session_id over open
//     statuses, so a second concurrent CreateConversation loses with
//     ErrConversationOpen and the caller re-reads the winner
//   - messages carries UNIQUE(conversation_id, seq); AppendMessage assigns
//     seq inside the insert and retries on collision, so sequences are
//     strictly increasing with no gaps even under concurrent writers
//
// CompleteTurn appends the outbound message and applies the conversation
// update in one transaction. Either both land or neither does.
//
// # SQLite Configuration
//
// The SQLite store runs with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Use ":memory:" as the path for throwaway databases in tests.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: requested entity does not exist
//   - ErrConversationOpen: the session already has an open conversation
//   - ErrDuplicateMessage: a message with this ID was already appended
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMemoryStore() for unit tests; it implements the full Store
// interface with copy-in/copy-out semantics so callers cannot mutate
// stored state. Use NewSQLiteStore(":memory:") when a test needs real
// SQL constraint behavior.
package store
