// Package store provides the durable local store for vtsync.
//
// The store is the authoritative on-device copy of every synchronized
// record. It runs SQLite in embedded mode with WAL so readers never block
// behind the writer, and serializes all writes through a single writer so
// pull merges and realtime merges for the same record cannot interleave.
//
// Architecture:
//   - Database file: ~/.vtsync/local.db (configurable)
//   - records: one row per (table, id) holding the JSON envelope payload
//   - kv: small named blobs (operation queue, settings)
//   - rowid order is insertion order, which List returns by default
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/vtranscriptor/vtsync/internal/schema"
)

// ErrNotFound is returned when a record or key does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite connection.
type Store struct {
	conn *sql.DB
	path string

	// writeMu gives the store a single writer. SQLite would serialize
	// writers anyway, but holding the lock keeps read-compare-write
	// sequences such as Merge atomic per record without retry loops.
	writeMu sync.Mutex
}

// Open creates or opens the store at path and initializes the schema.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(filepath.Join(home, ".vtsync", "local.db"))
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.conn.Exec(p); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	s.conn = nil
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS records (
		tbl TEXT NOT NULL,
		id TEXT NOT NULL,
		owner_id TEXT NOT NULL DEFAULT '',
		parent_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (tbl, id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_parent ON records(tbl, parent_id);
	CREATE INDEX IF NOT EXISTS idx_records_owner ON records(tbl, owner_id);
	CREATE INDEX IF NOT EXISTS idx_records_updated ON records(tbl, updated_at);
	CREATE INDEX IF NOT EXISTS idx_records_created ON records(tbl, created_at);

	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

const recordColumns = `tbl, id, owner_id, parent_id, created_at, updated_at, data`

// Get returns the record, or ErrNotFound.
func (s *Store) Get(ctx context.Context, table schema.Table, id string) (*schema.Record, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE tbl = ? AND id = ?`,
		string(table), id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s %s: %w", table, id, err)
	}
	return rec, nil
}

// Put inserts or replaces a record by (table, id). The rowid, and with it
// the record's list position, is kept on update.
func (s *Store) Put(ctx context.Context, rec *schema.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.conn.ExecContext(ctx, upsertQuery, recordArgs(rec)...); err != nil {
		return fmt.Errorf("failed to put %s %s: %w", rec.Table, rec.ID, err)
	}
	return nil
}

const upsertQuery = `
	INSERT INTO records (` + recordColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(tbl, id) DO UPDATE SET
		owner_id = excluded.owner_id,
		parent_id = excluded.parent_id,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		data = excluded.data
	`

// Merge applies rec with last-write-wins semantics: the record is written
// only if no local copy exists or rec.UpdatedAt is strictly newer. Local wins
// ties. Returns true if the store changed.
func (s *Store) Merge(ctx context.Context, rec *schema.Record) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, fmt.Errorf("invalid record: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.conn.ExecContext(ctx, upsertQuery+`
	WHERE excluded.updated_at > records.updated_at`, recordArgs(rec)...)
	if err != nil {
		return false, fmt.Errorf("failed to merge %s %s: %w", rec.Table, rec.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to merge %s %s: %w", rec.Table, rec.ID, err)
	}
	return n > 0, nil
}

// PutIfAbsent inserts rec only if no record with the same id exists.
// Returns true if inserted.
func (s *Store) PutIfAbsent(ctx context.Context, rec *schema.Record) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, fmt.Errorf("invalid record: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.conn.ExecContext(ctx, `
	INSERT INTO records (`+recordColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(tbl, id) DO NOTHING`, recordArgs(rec)...)
	if err != nil {
		return false, fmt.Errorf("failed to insert %s %s: %w", rec.Table, rec.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to insert %s %s: %w", rec.Table, rec.ID, err)
	}
	return n > 0, nil
}

// Delete removes a record. Returns nil if it doesn't exist (idempotent).
func (s *Store) Delete(ctx context.Context, table schema.Table, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.conn.ExecContext(ctx, `DELETE FROM records WHERE tbl = ? AND id = ?`, string(table), id)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", table, id, err)
	}
	return nil
}

// Order selects the List ordering.
type Order int

const (
	// OrderInsertion returns records in the order they were first stored.
	OrderInsertion Order = iota
	// OrderCreated sorts by createdAt ascending.
	OrderCreated
	// OrderUpdated sorts by updatedAt descending.
	OrderUpdated
)

// Filter configures List.
type Filter struct {
	// ParentID restricts to records of one transcript (empty = all)
	ParentID string
	// OwnerID restricts to one principal (empty = all)
	OwnerID string
	// OrderBy selects the sort (default insertion order)
	OrderBy Order
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// List returns the records of a table matching filter.
func (s *Store) List(ctx context.Context, table schema.Table, filter Filter) ([]*schema.Record, error) {
	conditions := []string{"tbl = ?"}
	args := []interface{}{string(table)}

	if filter.ParentID != "" {
		conditions = append(conditions, "parent_id = ?")
		args = append(args, filter.ParentID)
	}
	if filter.OwnerID != "" {
		conditions = append(conditions, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}

	query := `SELECT ` + recordColumns + ` FROM records WHERE ` + strings.Join(conditions, " AND ")

	switch filter.OrderBy {
	case OrderCreated:
		query += " ORDER BY created_at ASC, rowid ASC"
	case OrderUpdated:
		query += " ORDER BY updated_at DESC, rowid ASC"
	default:
		query += " ORDER BY rowid ASC"
	}

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	defer rows.Close()

	var out []*schema.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s record: %w", table, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", table, err)
	}
	return out, nil
}

// Count returns the number of records in a table.
func (s *Store) Count(ctx context.Context, table schema.Table) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE tbl = ?`, string(table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*schema.Record, error) {
	var rec schema.Record
	var tbl, data string
	if err := row.Scan(&tbl, &rec.ID, &rec.OwnerID, &rec.ParentID, &rec.CreatedAt, &rec.UpdatedAt, &data); err != nil {
		return nil, err
	}
	rec.Table = schema.Table(tbl)
	rec.Data = []byte(data)
	return &rec, nil
}

func recordArgs(rec *schema.Record) []any {
	return []any{
		string(rec.Table),
		rec.ID,
		rec.OwnerID,
		rec.ParentID,
		rec.CreatedAt,
		rec.UpdatedAt,
		string(rec.Data),
	}
}
