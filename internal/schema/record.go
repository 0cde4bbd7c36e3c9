package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Table names a synchronized collection. The values double as the remote
// table names.
type Table string

const (
	TableTranscripts Table = "transcriptions"
	TableAnalyses    Table = "analyses"
	TableTasks       Table = "tasks"
	TableComments    Table = "comments"
)

// Tables lists every synchronized table in pull order.
var Tables = []Table{TableTranscripts, TableAnalyses, TableTasks, TableComments}

// IsValid reports whether t is one of the synchronized tables.
func (t Table) IsValid() bool {
	for _, known := range Tables {
		if t == known {
			return true
		}
	}
	return false
}

// ParseTable converts a user supplied table name.
func ParseTable(s string) (Table, error) {
	t := Table(strings.TrimSpace(s))
	if !t.IsValid() {
		return "", fmt.Errorf("unknown table: %q", s)
	}
	return t, nil
}

// Meta is the header shared by every entity.
type Meta struct {
	ID        string `json:"id"`
	UserID    string `json:"userId,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Key returns the record id.
func (m *Meta) Key() string { return m.ID }

// Owner returns the owning principal, empty for local-only records.
func (m *Meta) Owner() string { return m.UserID }

// Created returns the creation clock.
func (m *Meta) Created() int64 { return m.CreatedAt }

// Updated returns the conflict-resolution clock.
func (m *Meta) Updated() int64 { return m.UpdatedAt }

// Touch bumps UpdatedAt. The clock never moves backwards for a record even
// if the wall clock does.
func (m *Meta) Touch(now int64) {
	if now <= m.UpdatedAt {
		now = m.UpdatedAt + 1
	}
	m.UpdatedAt = now
}

// init fills id and clocks for a freshly created entity.
func (m *Meta) init(now int64) {
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	if m.UpdatedAt == 0 {
		m.UpdatedAt = now
	}
}

func (m *Meta) validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.CreatedAt <= 0 {
		return fmt.Errorf("createdAt is required")
	}
	if m.UpdatedAt <= 0 {
		return fmt.Errorf("updatedAt is required")
	}
	return nil
}

// Entity is implemented by every synchronized record type.
type Entity interface {
	TableName() Table
	Key() string
	Owner() string
	Parent() string
	Created() int64
	Updated() int64
	Touch(now int64)
	Validate() error
}

// Compile-time interface checks.
var (
	_ Entity = (*Transcript)(nil)
	_ Entity = (*Analysis)(nil)
	_ Entity = (*Task)(nil)
	_ Entity = (*Comment)(nil)
)

// NewID returns a fresh globally unique record id.
func NewID() string {
	return uuid.NewString()
}

// NowMillis returns the current wall clock in epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Record is the storage envelope for any entity.
type Record struct {
	Table     Table           `json:"table"`
	ID        string          `json:"id"`
	OwnerID   string          `json:"ownerId,omitempty"`
	ParentID  string          `json:"parentId,omitempty"` // transcript the record belongs to
	CreatedAt int64           `json:"createdAt"`
	UpdatedAt int64           `json:"updatedAt"`
	Data      json.RawMessage `json:"data"`
}

// Validate checks the envelope header.
func (r *Record) Validate() error {
	if !r.Table.IsValid() {
		return fmt.Errorf("invalid table: %q", r.Table)
	}
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.UpdatedAt <= 0 {
		return fmt.Errorf("updated_at is required")
	}
	if len(r.Data) == 0 {
		return fmt.Errorf("data is required")
	}
	return nil
}

// ToRecord validates an entity and wraps it in a storage envelope.
func ToRecord(e Entity) (*Record, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s record: %w", e.TableName(), err)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s %s: %w", e.TableName(), e.Key(), err)
	}
	return &Record{
		Table:     e.TableName(),
		ID:        e.Key(),
		OwnerID:   e.Owner(),
		ParentID:  e.Parent(),
		CreatedAt: e.Created(),
		UpdatedAt: e.Updated(),
		Data:      data,
	}, nil
}

// Decode unmarshals the envelope payload into a typed entity.
func Decode(rec *Record, v Entity) error {
	if rec == nil {
		return fmt.Errorf("nil record")
	}
	if v.TableName() != rec.Table {
		return fmt.Errorf("cannot decode %s record into %s", rec.Table, v.TableName())
	}
	if err := json.Unmarshal(rec.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s %s: %w", rec.Table, rec.ID, err)
	}
	return nil
}

// Row is a record as the remote authority sees it: snake_case columns.
type Row map[string]any

// ID returns the row id column.
func (r Row) ID() string {
	id, _ := r["id"].(string)
	return id
}

// UpdatedAt returns the row updated_at column in epoch millis.
func (r Row) UpdatedAt() int64 {
	return ToInt64(r["updated_at"])
}

// Clone returns a shallow copy.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// RecordToRow converts an envelope to a remote row stamped with principalID.
func RecordToRow(rec *Record, principalID string) (Row, error) {
	fields := make(map[string]any)
	dec := json.NewDecoder(bytes.NewReader(rec.Data))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("failed to decode %s %s payload: %w", rec.Table, rec.ID, err)
	}

	row := make(Row, len(fields)+1)
	for k, v := range fields {
		row[ToSnake(k)] = v
	}
	row["id"] = rec.ID
	row["user_id"] = principalID
	row["created_at"] = rec.CreatedAt
	row["updated_at"] = rec.UpdatedAt
	if rec.ParentID != "" {
		row["transcription_id"] = rec.ParentID
	}
	return row, nil
}

// DeleteRow builds the minimal payload for a delete operation.
func DeleteRow(id, principalID string) Row {
	return Row{"id": id, "user_id": principalID}
}

// RowToRecord converts a remote row back into an envelope for table.
func RowToRecord(table Table, row Row) (*Record, error) {
	id := row.ID()
	if id == "" {
		return nil, fmt.Errorf("row in %s has no id", table)
	}

	fields := make(map[string]any, len(row))
	for k, v := range row {
		fields[ToCamel(k)] = v
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s %s: %w", table, id, err)
	}

	owner, _ := row["user_id"].(string)
	parent, _ := row["transcription_id"].(string)
	rec := &Record{
		Table:     table,
		ID:        id,
		OwnerID:   owner,
		ParentID:  parent,
		CreatedAt: ToInt64(row["created_at"]),
		UpdatedAt: ToInt64(row["updated_at"]),
		Data:      data,
	}
	return rec, nil
}

// ToInt64 coerces the numeric shapes produced by JSON decoding and database
// drivers. Unknown shapes yield 0.
func ToInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return int64(f)
		}
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i
		}
	}
	return 0
}

// ToSnake converts a camelCase key to snake_case.
func ToSnake(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ToCamel converts a snake_case key to camelCase.
func ToCamel(s string) string {
	if !strings.Contains(s, "_") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	upper := false
	for _, r := range s {
		if r == '_' {
			upper = true
			continue
		}
		if upper {
			b.WriteRune(unicode.ToUpper(r))
			upper = false
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
