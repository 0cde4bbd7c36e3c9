// Package queue provides the durable operation queue for vtsync.
//
// Every local mutation that could not be sent to the remote authority is
// recorded here as an Operation and replayed later, in order, by the sync
// engine. The queue survives process restarts: its full contents are
// persisted as a JSON array under a fixed key in the local store's
// key/value area after every change.
//
// # Lifecycle
//
//	Enqueue  -> pending
//	Drain    -> pending moves to in-flight (returned to the caller)
//	Done     -> in-flight operation is forgotten
//	Requeue  -> in-flight operation goes back to the front of pending
//
// The persisted form is always in-flight followed by pending, so a crash in
// the middle of a drain replays the whole batch on the next start. Remote
// upserts and deletes are idempotent, so replaying is safe.
//
// # Ordering
//
// The queue is FIFO. Operations for the same record are never reordered:
// Requeue puts a failed batch back in front of anything enqueued while the
// batch was in flight, and Pending lets callers route a new mutation through
// the queue whenever older ones for the same record are still waiting.
package queue
