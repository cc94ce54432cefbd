// Package server exposes the conversation engine over HTTP.
//
// # Endpoints
//
// Guest-facing, no authentication:
//
//	POST /api/chat                          one web turn in, the reply out
//	POST /voice/inbound                     telephony webhook, answers in TwiML
//	GET  /api/conversations/{id}            conversation record
//	GET  /api/conversations/{id}/messages   ledger page with cursor pagination
//	GET  /api/conversations/{id}/stream     live SSE feed for one conversation
//
// Operator-facing, behind bearer-token auth (HS256, minted by the token
// command):
//
//	GET  /api/dashboard/stream              firehose SSE feed across conversations
//	GET  /api/admin/stats                   one day of dashboard statistics
//	GET  /api/admin/conversations           filtered conversation listing
//	POST /api/conversations/{id}/resolve    close a conversation
//	POST /api/conversations/{id}/escalate   force a handoff
//	POST /api/conversations/{id}/assign     record the agent on an escalation
//
// Plus GET /health (liveness) and GET /health/ready (store and queue
// reachability).
//
// # Lifecycle
//
// New wires the store, generator, queue, bus, engine and dispatcher from
// configuration. Run starts the listener, the task worker and the idle
// sweeper, then blocks until its context is canceled; Shutdown drains
// in-flight requests within the configured timeout and closes every owned
// component. SSE connections are released by closing the broadcaster, so a
// shutdown never hangs on an open stream.
package server
