package queue

import (
	"fmt"

	"github.com/vtranscriptor/vtsync/internal/schema"
)

// Kind is the mutation an Operation replays.
type Kind string

const (
	KindUpsert Kind = "upsert"
	KindDelete Kind = "delete"
)

// IsValid reports whether k is a known kind.
func (k Kind) IsValid() bool {
	return k == KindUpsert || k == KindDelete
}

// Operation is one pending remote mutation.
type Operation struct {
	// ID is "{table}-{recordId}-{enqueuedAt}"
	ID string `json:"id"`

	// Table is the remote table the operation targets
	Table schema.Table `json:"table"`

	// Kind is upsert or delete
	Kind Kind `json:"operation"`

	// Payload is the remote row. Deletes carry only id and user_id.
	Payload schema.Row `json:"payload"`

	// EnqueuedAt is the epoch millis at which the operation was created
	EnqueuedAt int64 `json:"enqueuedAt"`
}

// NewOperation builds an operation for payload stamped at now.
func NewOperation(table schema.Table, kind Kind, payload schema.Row, now int64) Operation {
	op := Operation{
		Table:      table,
		Kind:       kind,
		Payload:    payload,
		EnqueuedAt: now,
	}
	op.ID = OperationID(table, payload.ID(), now)
	return op
}

// OperationID formats the deterministic operation id.
func OperationID(table schema.Table, recordID string, enqueuedAt int64) string {
	return fmt.Sprintf("%s-%s-%d", table, recordID, enqueuedAt)
}

// RecordID returns the id of the record the operation mutates.
func (o Operation) RecordID() string {
	return o.Payload.ID()
}

// Principal returns the principal the operation was stamped for.
func (o Operation) Principal() string {
	p, _ := o.Payload["user_id"].(string)
	return p
}

// Validate checks that the operation can be replayed.
func (o Operation) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("operation id is required")
	}
	if !o.Table.IsValid() {
		return fmt.Errorf("invalid table: %q", o.Table)
	}
	if !o.Kind.IsValid() {
		return fmt.Errorf("invalid operation: %q", o.Kind)
	}
	if o.RecordID() == "" {
		return fmt.Errorf("payload id is required")
	}
	return nil
}

// sameRecord reports whether a and b mutate the same record.
func sameRecord(a, b Operation) bool {
	return a.Table == b.Table && a.RecordID() == b.RecordID()
}
