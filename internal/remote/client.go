package remote

import (
	"context"
	"time"

	"github.com/vtranscriptor/vtsync/internal/schema"
)

// AudioBucket holds uploaded recordings.
const AudioBucket = "audio-files"

// Client is the remote authority as seen by the sync engine.
//
// Upsert and Delete are idempotent: replaying the same row or deleting an
// unknown id succeeds without side effects. Errors are classified with
// Classify so callers can use errors.Is against the package sentinels.
type Client interface {
	// Upsert inserts or replaces row (keyed by its "id" column). The row
	// must carry "user_id"; writing over a row owned by someone else fails
	// with ErrUnauthorized.
	Upsert(ctx context.Context, table schema.Table, row schema.Row) error

	// Delete removes the row owned by principalID. Unknown ids are a no-op.
	Delete(ctx context.Context, table schema.Table, id, principalID string) error

	// Fetch returns every row of table visible under q.
	Fetch(ctx context.Context, table schema.Table, q Query) ([]schema.Row, error)

	// UploadBlob stores data at bucket/path.
	UploadBlob(ctx context.Context, bucket, path string, data []byte, contentType string) error

	// SignedURL returns a time-limited URL for an existing blob.
	SignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error)

	// Call invokes a named remote procedure.
	Call(ctx context.Context, fn string, args map[string]any) (any, error)

	// EnsureProfile creates the profile of principalID if missing and
	// records its email for sharing lookups.
	EnsureProfile(ctx context.Context, principalID, email string) error

	// GetProfile returns the profile of principalID.
	GetProfile(ctx context.Context, principalID string) (*Profile, error)

	// UpdateProfile merges data into the profile of principalID.
	UpdateProfile(ctx context.Context, principalID string, data map[string]any) error

	// Ping checks reachability.
	Ping(ctx context.Context) error
}

// Notifier delivers row-level change events from the authority.
type Notifier interface {
	// Listen blocks, calling fn for each change, until ctx is done or the
	// connection fails.
	Listen(ctx context.Context, fn func(Change)) error
}

// Query selects the rows Fetch returns.
type Query struct {
	// PrincipalID is the caller. Rows are visible when owned by the caller,
	// shared with the caller, or attached to a transcript that is.
	PrincipalID string

	// ParentID restricts to rows of one transcript (empty = all)
	ParentID string

	// SharedOnly restricts to rows shared with, not owned by, the caller
	SharedOnly bool
}

// Profile is the per-principal settings document.
type Profile struct {
	ID        string         `json:"id"`
	Email     string         `json:"email,omitempty"`
	Data      map[string]any `json:"data"`
	UpdatedAt int64          `json:"updatedAt"`
}

// ChangeType is the kind of row-level change.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Change is one row-level change event. For deletes Row carries at least
// the id and transcription_id of the removed row.
type Change struct {
	Table schema.Table `json:"table"`
	Type  ChangeType   `json:"type"`
	Row   schema.Row   `json:"row"`
}

// Remote procedure names.
const (
	FuncUserIDByEmail    = "get_user_id_by_email"
	FuncAddSharedUser    = "add_shared_user"
	FuncRemoveSharedUser = "remove_shared_user"
)

// packed lists the row keys stored as real columns. Everything else travels
// in the data document.
var packed = map[string]bool{
	"id":               true,
	"user_id":          true,
	"transcription_id": true,
	"shared_with":      true,
	"created_at":       true,
	"updated_at":       true,
}

// stringSet coerces a shared_with value into a string slice.
func stringSet(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return []string{}
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
