// Package schema defines the record types that vtsync keeps on device and
// reconciles with the remote authority.
//
// # Overview
//
// Every synchronized entity (transcripts, analyses, tasks, comments) shares
// the same header: an opaque id, the owning principal, and two epoch
// millisecond clocks. UpdatedAt is the only clock used for conflict
// resolution and is bumped on every local or remote mutation.
//
// Typed entities are converted to a storage envelope before they reach the
// local store or the sync engine:
//
//	task := schema.NewTask("Follow up with legal")
//	rec, err := schema.ToRecord(task)
//	if err != nil {
//	    return err
//	}
//	err = localStore.Put(ctx, rec)
//
// The envelope keeps the full camelCase JSON of the entity in Data, so the
// engine can move records without knowing their concrete type.
//
// # Remote Rows
//
// The remote authority speaks snake_case columns. RecordToRow stamps the
// principal into user_id and renames top-level keys; RowToRecord is the
// inverse used by pull and the realtime feed:
//
//	row, err := schema.RecordToRow(rec, principalID)
//	// row["user_id"] == principalID
//	// row["transcription_id"] == rec.ParentID
//
// # Design Principles
//
//   - Flat JSON structure, whole-record last-write-wins
//   - Timestamps are epoch milliseconds, never wall-clock strings
//   - Only top-level keys are renamed; nested values travel verbatim
package schema
