// Package tasks moves non-critical work off the request path.
//
// A turn produces analytics samples and, on escalation, an operator
// notification. Neither may block or fail the caller, so both are
// enqueued on a Queue and handled by a Worker in the background.
//
// Two Queue transports exist: MemoryQueue for single-process
// deployments and tests, and NATSQueue for multi-process deployments
// where workers run separately from the engine. Both are best-effort;
// MemoryQueue drops jobs when its buffers are full rather than block
// the producer.
package tasks
