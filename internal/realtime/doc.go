// Package realtime streams row-level changes for collaborative records.
//
// Two halves live here:
//
//   - Hub is a websocket fan-out server. Clients connect to
//     /realtime?topic=comments:{transcriptId} and receive every change
//     published for that topic. Bridge feeds the hub from the remote
//     authority's change notifications (Postgres LISTEN/NOTIFY or the
//     in-memory authority). The hub also serves signed blob URLs under
//     /blobs/.
//
//   - Feed is the client. It holds at most one subscription, applies
//     inserts with store.PutIfAbsent (so an optimistic local insert is not
//     duplicated when its own echo arrives), updates with last-write-wins
//     and deletes unconditionally.
//
// A feed that loses its connection logs the error and stops. Reconnecting
// is the caller's decision (subscribe again).
package realtime
