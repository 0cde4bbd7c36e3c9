package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vtranscriptor/vtsync/internal/schema"
)

// ChangeChannel is the LISTEN/NOTIFY channel row changes are published on.
const ChangeChannel = "vt_changes"

// PostgresConfig configures the PostgreSQL authority.
type PostgresConfig struct {
	// URL is the connection string (postgres://...). Empty means the remote
	// is not configured.
	URL string

	// MaxConns caps the pool size (0 = pgxpool default)
	MaxConns int32

	// Signer signs blob URLs. SignedURL returns ErrNotConfigured without one.
	Signer *Signer

	// Logger for connection events (default: stderr with [remote] prefix)
	Logger *log.Logger
}

// Postgres is the Client backed by a PostgreSQL database.
type Postgres struct {
	pool   *pgxpool.Pool
	signer *Signer
	logger *log.Logger
}

// Compile-time interface checks.
var (
	_ Client   = (*Postgres)(nil)
	_ Notifier = (*Postgres)(nil)
)

// NewPostgres connects a pool to cfg.URL. The connection is lazy: an
// unreachable server does not fail construction, it fails Ping.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if cfg.URL == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse remote url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &Postgres{
		pool:   pool,
		signer: cfg.Signer,
		logger: cfg.Logger,
	}, nil
}

// Close releases all pooled connections.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Migrate creates the remote schema if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, remoteSchema()); err != nil {
		return fmt.Errorf("failed to migrate remote schema: %w", Classify(err))
	}
	p.logger.Printf("Remote schema ready")
	return nil
}

func remoteSchema() string {
	var b strings.Builder
	for _, t := range schema.Tables {
		name := string(t)
		fmt.Fprintf(&b, `
CREATE TABLE IF NOT EXISTS %[1]s (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	transcription_id TEXT,
	shared_with TEXT[] NOT NULL DEFAULT '{}',
	data JSONB NOT NULL DEFAULT '{}',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_user ON %[1]s(user_id);
CREATE INDEX IF NOT EXISTS idx_%[1]s_parent ON %[1]s(transcription_id);
`, name)
	}
	b.WriteString(functionsSQL)
	return b.String()
}

const functionsSQL = `
CREATE TABLE IF NOT EXISTS profiles (
	id TEXT PRIMARY KEY,
	email TEXT UNIQUE,
	data JSONB NOT NULL DEFAULT '{}',
	updated_at BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS blobs (
	bucket TEXT NOT NULL,
	path TEXT NOT NULL,
	content_type TEXT NOT NULL,
	data BYTEA NOT NULL,
	created_at BIGINT NOT NULL,
	PRIMARY KEY (bucket, path)
);

CREATE OR REPLACE FUNCTION vt_notify_change() RETURNS trigger
LANGUAGE plpgsql AS $$
DECLARE
	r RECORD;
BEGIN
	IF TG_OP = 'DELETE' THEN
		r := OLD;
	ELSE
		r := NEW;
	END IF;
	PERFORM pg_notify('vt_changes', json_build_object(
		'table', TG_TABLE_NAME,
		'type', TG_OP,
		'row', json_build_object(
			'id', r.id,
			'user_id', r.user_id,
			'transcription_id', r.transcription_id,
			'created_at', r.created_at,
			'updated_at', r.updated_at,
			'data', CASE WHEN TG_OP = 'DELETE' THEN '{}'::jsonb ELSE r.data END
		)
	)::text);
	RETURN r;
END $$;

DROP TRIGGER IF EXISTS comments_notify ON comments;
CREATE TRIGGER comments_notify
	AFTER INSERT OR UPDATE OR DELETE ON comments
	FOR EACH ROW EXECUTE FUNCTION vt_notify_change();

CREATE OR REPLACE FUNCTION get_user_id_by_email(email_input TEXT) RETURNS TEXT
LANGUAGE sql STABLE AS $$
	SELECT p.id FROM profiles p WHERE lower(p.email) = lower(email_input) LIMIT 1
$$;

CREATE OR REPLACE FUNCTION add_shared_user(transcription_id TEXT, target_user_id TEXT, caller_id TEXT)
RETURNS BOOLEAN LANGUAGE plpgsql AS $$
DECLARE
	now_ms BIGINT := (extract(epoch FROM clock_timestamp()) * 1000)::BIGINT;
BEGIN
	IF NOT EXISTS (SELECT 1 FROM transcriptions t
	               WHERE t.id = add_shared_user.transcription_id
	                 AND t.user_id = add_shared_user.caller_id) THEN
		RAISE EXCEPTION 'not the owner of transcription %', add_shared_user.transcription_id
			USING ERRCODE = '42501';
	END IF;
	UPDATE transcriptions t
	   SET shared_with = array_append(t.shared_with, add_shared_user.target_user_id),
	       updated_at = greatest(t.updated_at + 1, now_ms)
	 WHERE t.id = add_shared_user.transcription_id
	   AND NOT (add_shared_user.target_user_id = ANY(t.shared_with));
	UPDATE tasks k
	   SET shared_with = array_append(k.shared_with, add_shared_user.target_user_id),
	       updated_at = greatest(k.updated_at + 1, now_ms)
	 WHERE k.transcription_id = add_shared_user.transcription_id
	   AND k.user_id = add_shared_user.caller_id
	   AND NOT (add_shared_user.target_user_id = ANY(k.shared_with));
	RETURN TRUE;
END $$;

CREATE OR REPLACE FUNCTION remove_shared_user(transcription_id TEXT, target_user_id TEXT, caller_id TEXT)
RETURNS BOOLEAN LANGUAGE plpgsql AS $$
DECLARE
	now_ms BIGINT := (extract(epoch FROM clock_timestamp()) * 1000)::BIGINT;
BEGIN
	IF NOT EXISTS (SELECT 1 FROM transcriptions t
	               WHERE t.id = remove_shared_user.transcription_id
	                 AND t.user_id = remove_shared_user.caller_id) THEN
		RAISE EXCEPTION 'not the owner of transcription %', remove_shared_user.transcription_id
			USING ERRCODE = '42501';
	END IF;
	UPDATE transcriptions t
	   SET shared_with = array_remove(t.shared_with, remove_shared_user.target_user_id),
	       updated_at = greatest(t.updated_at + 1, now_ms)
	 WHERE t.id = remove_shared_user.transcription_id
	   AND remove_shared_user.target_user_id = ANY(t.shared_with);
	UPDATE tasks k
	   SET shared_with = array_remove(k.shared_with, remove_shared_user.target_user_id),
	       updated_at = greatest(k.updated_at + 1, now_ms)
	 WHERE k.transcription_id = remove_shared_user.transcription_id
	   AND k.user_id = remove_shared_user.caller_id
	   AND remove_shared_user.target_user_id = ANY(k.shared_with);
	RETURN TRUE;
END $$;
`

// packedRow is a Row split into columns and the data document.
type packedRow struct {
	id         string
	userID     string
	parentID   *string
	sharedWith []string
	data       json.RawMessage
	createdAt  int64
	updatedAt  int64
}

func pack(row schema.Row) (*packedRow, error) {
	p := &packedRow{
		id:         row.ID(),
		sharedWith: stringSet(row["shared_with"]),
		createdAt:  schema.ToInt64(row["created_at"]),
		updatedAt:  row.UpdatedAt(),
	}
	if p.id == "" {
		return nil, fmt.Errorf("row has no id")
	}
	p.userID, _ = row["user_id"].(string)
	if p.userID == "" {
		return nil, fmt.Errorf("%w: row %s has no user_id", ErrUnauthorized, p.id)
	}
	if parent, ok := row["transcription_id"].(string); ok && parent != "" {
		p.parentID = &parent
	}
	if p.createdAt == 0 {
		p.createdAt = p.updatedAt
	}

	doc := make(map[string]any, len(row))
	for k, v := range row {
		if !packed[k] {
			doc[k] = v
		}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode row %s: %w", p.id, err)
	}
	p.data = data
	return p, nil
}

// unpack rebuilds a Row from the data document and columns.
func unpack(data []byte, cols map[string]any) (schema.Row, error) {
	row := schema.Row{}
	if len(data) > 0 {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&row); err != nil {
			return nil, fmt.Errorf("failed to decode row data: %w", err)
		}
	}
	for k, v := range cols {
		if v != nil {
			row[k] = v
		}
	}
	return row, nil
}

func tableIdent(table schema.Table) (string, error) {
	if !table.IsValid() {
		return "", fmt.Errorf("invalid table: %q", table)
	}
	return pgx.Identifier{string(table)}.Sanitize(), nil
}

// Upsert implements Client.Upsert. shared_with is managed by the sharing
// functions and is only taken from row on first insert.
func (p *Postgres) Upsert(ctx context.Context, table schema.Table, row schema.Row) error {
	ident, err := tableIdent(table)
	if err != nil {
		return err
	}
	r, err := pack(row)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO ` + ident + ` AS t (id, user_id, transcription_id, shared_with, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			transcription_id = excluded.transcription_id,
			data = excluded.data,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
		WHERE t.user_id = excluded.user_id`

	tag, err := p.pool.Exec(ctx, query, r.id, r.userID, r.parentID, r.sharedWith, r.data, r.createdAt, r.updatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", table, r.id, Classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %s is owned by another user", ErrUnauthorized, table, r.id)
	}
	return nil
}

// Delete implements Client.Delete.
func (p *Postgres) Delete(ctx context.Context, table schema.Table, id, principalID string) error {
	ident, err := tableIdent(table)
	if err != nil {
		return err
	}
	if principalID == "" {
		return fmt.Errorf("%w: delete without principal", ErrUnauthorized)
	}

	_, err = p.pool.Exec(ctx, `DELETE FROM `+ident+` WHERE id = $1 AND user_id = $2`, id, principalID)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", table, id, Classify(err))
	}
	return nil
}

// Fetch implements Client.Fetch. Rows come back ordered by created_at.
func (p *Postgres) Fetch(ctx context.Context, table schema.Table, q Query) ([]schema.Row, error) {
	ident, err := tableIdent(table)
	if err != nil {
		return nil, err
	}
	if q.PrincipalID == "" {
		return nil, fmt.Errorf("%w: fetch without principal", ErrUnauthorized)
	}

	conditions := []string{`(user_id = $1 OR $1 = ANY(shared_with) OR transcription_id IN (
		SELECT tr.id FROM transcriptions tr WHERE tr.user_id = $1 OR $1 = ANY(tr.shared_with)))`}
	args := []any{q.PrincipalID}

	if q.ParentID != "" {
		args = append(args, q.ParentID)
		conditions = append(conditions, fmt.Sprintf("transcription_id = $%d", len(args)))
	}
	if q.SharedOnly {
		conditions = append(conditions, "user_id <> $1")
	}

	query := `SELECT id, user_id, transcription_id, shared_with, data, created_at, updated_at
		FROM ` + ident + ` WHERE ` + strings.Join(conditions, " AND ") + ` ORDER BY created_at, id`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", table, Classify(err))
	}
	defer rows.Close()

	var out []schema.Row
	for rows.Next() {
		var (
			id, userID string
			parentID   *string
			sharedWith []string
			data       []byte
			created    int64
			updated    int64
		)
		if err := rows.Scan(&id, &userID, &parentID, &sharedWith, &data, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}

		cols := map[string]any{
			"id":          id,
			"user_id":     userID,
			"shared_with": sharedWith,
			"created_at":  created,
			"updated_at":  updated,
		}
		if parentID != nil {
			cols["transcription_id"] = *parentID
		}
		row, err := unpack(data, cols)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", table, id, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s rows: %w", table, Classify(err))
	}
	return out, nil
}

// UploadBlob implements Client.UploadBlob. Re-uploading an existing path is
// a no-op.
func (p *Postgres) UploadBlob(ctx context.Context, bucket, path string, data []byte, contentType string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO blobs (bucket, path, content_type, data, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (bucket, path) DO NOTHING`,
		bucket, path, contentType, data, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upload %s/%s: %w", bucket, path, Classify(err))
	}
	return nil
}

// SignedURL implements Client.SignedURL.
func (p *Postgres) SignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error) {
	if p.signer == nil {
		return "", fmt.Errorf("%w: no url signing key", ErrNotConfigured)
	}

	var one int
	err := p.pool.QueryRow(ctx, `SELECT 1 FROM blobs WHERE bucket = $1 AND path = $2`, bucket, path).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up %s/%s: %w", bucket, path, Classify(err))
	}
	return p.signer.Sign(bucket, path, ttl), nil
}

// ReadBlob returns a stored blob and its content type.
func (p *Postgres) ReadBlob(ctx context.Context, bucket, path string) ([]byte, string, error) {
	var (
		data        []byte
		contentType string
	)
	err := p.pool.QueryRow(ctx, `SELECT data, content_type FROM blobs WHERE bucket = $1 AND path = $2`,
		bucket, path).Scan(&data, &contentType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, path)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s/%s: %w", bucket, path, Classify(err))
	}
	return data, contentType, nil
}

var knownFuncs = map[string]bool{
	FuncUserIDByEmail:    true,
	FuncAddSharedUser:    true,
	FuncRemoveSharedUser: true,
}

// Call implements Client.Call using named-argument notation. The result is
// the function's return value decoded from JSON (nil for SQL NULL).
func (p *Postgres) Call(ctx context.Context, fn string, args map[string]any) (any, error) {
	if !knownFuncs[fn] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, fn)
	}

	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]string, len(names))
	values := make([]any, len(names))
	for i, name := range names {
		params[i] = fmt.Sprintf("%s => $%d", pgx.Identifier{name}.Sanitize(), i+1)
		values[i] = args[name]
	}
	query := fmt.Sprintf("SELECT to_jsonb(%s(%s))", pgx.Identifier{fn}.Sanitize(), strings.Join(params, ", "))

	var raw []byte
	if err := p.pool.QueryRow(ctx, query, values...).Scan(&raw); err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", fn, Classify(err))
	}
	if raw == nil {
		return nil, nil
	}

	var result any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", fn, err)
	}
	return result, nil
}

// EnsureProfile creates the profile row for a principal if missing and
// records its email for lookups.
func (p *Postgres) EnsureProfile(ctx context.Context, principalID, email string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO profiles (id, email, updated_at) VALUES ($1, NULLIF($2, ''), $3)
		ON CONFLICT (id) DO UPDATE SET email = COALESCE(NULLIF($2, ''), profiles.email)`,
		principalID, email, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to ensure profile %s: %w", principalID, Classify(err))
	}
	return nil
}

// GetProfile implements Client.GetProfile.
func (p *Postgres) GetProfile(ctx context.Context, principalID string) (*Profile, error) {
	var (
		prof Profile
		data []byte
	)
	err := p.pool.QueryRow(ctx, `SELECT id, COALESCE(email, ''), data, updated_at FROM profiles WHERE id = $1`,
		principalID).Scan(&prof.ID, &prof.Email, &data, &prof.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: profile %s", ErrNotFound, principalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile %s: %w", principalID, Classify(err))
	}
	if err := json.Unmarshal(data, &prof.Data); err != nil {
		return nil, fmt.Errorf("failed to decode profile %s: %w", principalID, err)
	}
	return &prof, nil
}

// UpdateProfile implements Client.UpdateProfile.
func (p *Postgres) UpdateProfile(ctx context.Context, principalID string, data map[string]any) error {
	doc, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO profiles (id, data, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET data = profiles.data || excluded.data, updated_at = excluded.updated_at`,
		principalID, json.RawMessage(doc), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to update profile %s: %w", principalID, Classify(err))
	}
	return nil
}

// Ping implements Client.Ping.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return Classify(err)
	}
	return nil
}

// notification is the payload published by vt_notify_change.
type notification struct {
	Table string          `json:"table"`
	Type  string          `json:"type"`
	Row   json.RawMessage `json:"row"`
}

// Listen implements Notifier.Listen using LISTEN/NOTIFY on ChangeChannel.
// It returns nil when ctx is cancelled.
func (p *Postgres) Listen(ctx context.Context, fn func(Change)) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listen connection: %w", Classify(err))
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+ChangeChannel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", ChangeChannel, Classify(err))
	}
	defer func() {
		// Pooled connections must not keep listening after release.
		_, _ = conn.Exec(context.Background(), "UNLISTEN *")
	}()

	p.logger.Printf("Listening for changes on %s", ChangeChannel)
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to wait for notification: %w", Classify(err))
		}

		change, err := decodeNotification(n.Payload)
		if err != nil {
			p.logger.Printf("Ignoring malformed notification: %v", err)
			continue
		}
		fn(change)
	}
}

func decodeNotification(payload string) (Change, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return Change{}, fmt.Errorf("failed to decode notification: %w", err)
	}
	table, err := schema.ParseTable(n.Table)
	if err != nil {
		return Change{}, err
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(n.Row, &envelope); err != nil {
		return Change{}, fmt.Errorf("failed to decode notification row: %w", err)
	}

	cols := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(n.Row))
	dec.UseNumber()
	if err := dec.Decode(&cols); err != nil {
		return Change{}, fmt.Errorf("failed to decode notification row: %w", err)
	}
	delete(cols, "data")

	row, err := unpack(envelope.Data, cols)
	if err != nil {
		return Change{}, err
	}
	return Change{Table: table, Type: ChangeType(n.Type), Row: row}, nil
}
