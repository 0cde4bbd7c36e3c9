// Package sync provides the local-first synchronization engine.
//
// Overview
//
// Every mutation lands in the local store first. The engine then tries to
// make the remote authority agree with it: directly when the session is
// sync-eligible, otherwise by way of the durable operation queue, which is
// drained the next time the session comes online.
//
// Architecture
//
//	caller ──put/delete──▶ store.Store
//	   │
//	   └──Propagate──▶ Engine ──eligible, nothing queued for record──▶ remote.Client
//	                     │
//	                     └──otherwise / on failure──▶ queue.Queue
//
//	session online ──▶ Engine.SyncAll ──drain in order──▶ remote.Client
//	                                 └──clean drain──▶ Engine.Pull ──Merge (LWW)──▶ store.Store
//
// Conflict policy
//
// Records are reconciled as whole objects by updatedAt (epoch millis). A
// remote copy replaces the local one only when strictly newer; local wins
// ties. Pull and realtime merges go through the same store-level
// comparator, so they cannot interleave for one record.
//
// Usage
//
//	st, _ := store.Open(path)
//	q := queue.New(st, nil)
//	sc := session.New(true, nil)
//	engine, err := sync.New(sync.Config{Store: st, Queue: q, Remote: client, Session: sc})
//	if err != nil {
//	    return err
//	}
//
//	// After a local write:
//	engine.PropagateUpsert(ctx, rec)
//
//	// On reconnect (Run does this automatically):
//	result, err := engine.SyncAll(ctx)
//
// Error Handling
//
//   - Propagate never returns an error; failures fall back to the queue
//   - Transient remote errors requeue the failed operation at the front
//   - Unauthorized errors are logged and the operation stays queued
//   - Local storage failures are returned to the caller
//   - A merge that loses to a newer local copy is not an error
//
// Guest sessions
//
// Mutations made without a signed-in principal stay local and are never
// queued. EnableSync, called after sign-in, claims those records for the
// principal and submits them.
package sync
