package remote

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vtranscriptor/vtsync/internal/schema"
)

// FailureFunc decides whether a Memory call fails. method is the Client
// method name; table and id are empty where they do not apply.
type FailureFunc func(method string, table schema.Table, id string) error

// Memory is an in-process authority with the same semantics as Postgres.
// It backs tests and the CLI's offline demo mode, and supports fault
// injection and call counting.
type Memory struct {
	mu        sync.Mutex
	tables    map[schema.Table]map[string]schema.Row
	profiles  map[string]*Profile
	blobs     map[string]memBlob
	signer    *Signer
	offline   bool
	failure   FailureFunc
	calls     map[string]int
	listeners map[int]func(Change)
	nextID    int
}

type memBlob struct {
	data        []byte
	contentType string
}

// Compile-time interface checks.
var (
	_ Client   = (*Memory)(nil)
	_ Notifier = (*Memory)(nil)
)

// NewMemory returns an empty authority. signer may be nil.
func NewMemory(signer *Signer) *Memory {
	m := &Memory{
		tables:    make(map[schema.Table]map[string]schema.Row),
		profiles:  make(map[string]*Profile),
		blobs:     make(map[string]memBlob),
		signer:    signer,
		calls:     make(map[string]int),
		listeners: make(map[int]func(Change)),
	}
	for _, t := range schema.Tables {
		m.tables[t] = make(map[string]schema.Row)
	}
	return m
}

// SetOffline makes every call fail with ErrUnavailable while true.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// SetFailure installs fn to inject errors. nil removes it.
func (m *Memory) SetFailure(fn FailureFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = fn
}

// Calls returns how many times method was invoked, including failed calls.
func (m *Memory) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// Row returns a copy of a stored row, or nil.
func (m *Memory) Row(table schema.Table, id string) schema.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.tables[table][id]; ok {
		return r.Clone()
	}
	return nil
}

// Len returns the number of rows in table.
func (m *Memory) Len(table schema.Table) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[table])
}

// enter records a call and applies offline and failure injection. Caller
// must hold m.mu.
func (m *Memory) enter(method string, table schema.Table, id string) error {
	m.calls[method]++
	if m.offline {
		return fmt.Errorf("%w: offline", ErrUnavailable)
	}
	if m.failure != nil {
		if err := m.failure(method, table, id); err != nil {
			return Classify(err)
		}
	}
	if table != "" && !table.IsValid() {
		return fmt.Errorf("invalid table: %q", table)
	}
	return nil
}

// notify delivers a change to every listener outside the lock.
func (m *Memory) notify(c Change) {
	m.mu.Lock()
	fns := make([]func(Change), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(Change{Table: c.Table, Type: c.Type, Row: c.Row.Clone()})
	}
}

// Upsert implements Client.Upsert.
func (m *Memory) Upsert(ctx context.Context, table schema.Table, row schema.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if err := m.enter("Upsert", table, row.ID()); err != nil {
		m.mu.Unlock()
		return err
	}
	id := row.ID()
	owner, _ := row["user_id"].(string)
	if id == "" || owner == "" {
		m.mu.Unlock()
		return fmt.Errorf("%w: row without id or user_id", ErrUnauthorized)
	}

	stored := row.Clone()
	stored["shared_with"] = stringSet(row["shared_with"])
	if stored["created_at"] == nil {
		stored["created_at"] = row["updated_at"]
	}

	kind := ChangeInsert
	if existing, ok := m.tables[table][id]; ok {
		if existing["user_id"] != owner {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s %s is owned by another user", ErrUnauthorized, table, id)
		}
		stored["shared_with"] = existing["shared_with"]
		kind = ChangeUpdate
	}
	m.tables[table][id] = stored
	m.mu.Unlock()

	m.notify(Change{Table: table, Type: kind, Row: stored})
	return nil
}

// Delete implements Client.Delete.
func (m *Memory) Delete(ctx context.Context, table schema.Table, id, principalID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if err := m.enter("Delete", table, id); err != nil {
		m.mu.Unlock()
		return err
	}
	if principalID == "" {
		m.mu.Unlock()
		return fmt.Errorf("%w: delete without principal", ErrUnauthorized)
	}
	existing, ok := m.tables[table][id]
	if !ok || existing["user_id"] != principalID {
		m.mu.Unlock()
		return nil
	}
	delete(m.tables[table], id)
	m.mu.Unlock()

	m.notify(Change{Table: table, Type: ChangeDelete, Row: schema.Row{
		"id":               id,
		"user_id":          principalID,
		"transcription_id": existing["transcription_id"],
	}})
	return nil
}

// visible reports whether principal may read row. Caller must hold m.mu.
func (m *Memory) visible(row schema.Row, principal string) bool {
	if row["user_id"] == principal || contains(stringSet(row["shared_with"]), principal) {
		return true
	}
	parent, _ := row["transcription_id"].(string)
	if parent == "" {
		return false
	}
	tr, ok := m.tables[schema.TableTranscripts][parent]
	return ok && (tr["user_id"] == principal || contains(stringSet(tr["shared_with"]), principal))
}

// Fetch implements Client.Fetch.
func (m *Memory) Fetch(ctx context.Context, table schema.Table, q Query) ([]schema.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter("Fetch", table, ""); err != nil {
		return nil, err
	}
	if q.PrincipalID == "" {
		return nil, fmt.Errorf("%w: fetch without principal", ErrUnauthorized)
	}

	var out []schema.Row
	for _, row := range m.tables[table] {
		if !m.visible(row, q.PrincipalID) {
			continue
		}
		if q.ParentID != "" && row["transcription_id"] != q.ParentID {
			continue
		}
		if q.SharedOnly && row["user_id"] == q.PrincipalID {
			continue
		}
		out = append(out, row.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := schema.ToInt64(out[i]["created_at"]), schema.ToInt64(out[j]["created_at"])
		if ci != cj {
			return ci < cj
		}
		return out[i].ID() < out[j].ID()
	})
	return out, nil
}

func blobKey(bucket, path string) string { return bucket + "/" + path }

// UploadBlob implements Client.UploadBlob.
func (m *Memory) UploadBlob(ctx context.Context, bucket, path string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter("UploadBlob", "", path); err != nil {
		return err
	}
	key := blobKey(bucket, path)
	if _, ok := m.blobs[key]; !ok {
		m.blobs[key] = memBlob{data: append([]byte(nil), data...), contentType: contentType}
	}
	return nil
}

// SignedURL implements Client.SignedURL.
func (m *Memory) SignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter("SignedURL", "", path); err != nil {
		return "", err
	}
	if m.signer == nil {
		return "", fmt.Errorf("%w: no url signing key", ErrNotConfigured)
	}
	if _, ok := m.blobs[blobKey(bucket, path)]; !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, path)
	}
	return m.signer.Sign(bucket, path, ttl), nil
}

// ReadBlob returns a stored blob and its content type.
func (m *Memory) ReadBlob(ctx context.Context, bucket, path string) ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.blobs[blobKey(bucket, path)]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, path)
	}
	return append([]byte(nil), b.data...), b.contentType, nil
}

// Call implements Client.Call for the sharing functions.
func (m *Memory) Call(ctx context.Context, fn string, args map[string]any) (any, error) {
	m.mu.Lock()
	if err := m.enter("Call", "", fn); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	str := func(name string) string {
		s, _ := args[name].(string)
		return s
	}

	switch fn {
	case FuncUserIDByEmail:
		defer m.mu.Unlock()
		email := strings.ToLower(str("email_input"))
		for _, p := range m.profiles {
			if email != "" && strings.ToLower(p.Email) == email {
				return p.ID, nil
			}
		}
		return nil, nil

	case FuncAddSharedUser, FuncRemoveSharedUser:
		trID, target, caller := str("transcription_id"), str("target_user_id"), str("caller_id")
		tr, ok := m.tables[schema.TableTranscripts][trID]
		if !ok || tr["user_id"] != caller {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: not the owner of transcription %s", ErrUnauthorized, trID)
		}

		var changed []Change
		update := func(table schema.Table, row schema.Row) {
			shared := stringSet(row["shared_with"])
			has := contains(shared, target)
			switch {
			case fn == FuncAddSharedUser && !has:
				shared = append(append([]string(nil), shared...), target)
			case fn == FuncRemoveSharedUser && has:
				kept := make([]string, 0, len(shared))
				for _, s := range shared {
					if s != target {
						kept = append(kept, s)
					}
				}
				shared = kept
			default:
				return
			}
			row["shared_with"] = shared
			now := time.Now().UnixMilli()
			if next := row.UpdatedAt() + 1; next > now {
				now = next
			}
			row["updated_at"] = now
			changed = append(changed, Change{Table: table, Type: ChangeUpdate, Row: row.Clone()})
		}

		update(schema.TableTranscripts, tr)
		for _, task := range m.tables[schema.TableTasks] {
			if task["transcription_id"] == trID && task["user_id"] == caller {
				update(schema.TableTasks, task)
			}
		}
		m.mu.Unlock()

		for _, c := range changed {
			m.notify(c)
		}
		return true, nil
	}

	m.mu.Unlock()
	return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, fn)
}

// EnsureProfile implements Client.EnsureProfile.
func (m *Memory) EnsureProfile(ctx context.Context, principalID, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter("EnsureProfile", "", principalID); err != nil {
		return err
	}
	p, ok := m.profiles[principalID]
	if !ok {
		p = &Profile{ID: principalID, Data: map[string]any{}, UpdatedAt: time.Now().UnixMilli()}
		m.profiles[principalID] = p
	}
	if email != "" {
		p.Email = email
	}
	return nil
}

// GetProfile implements Client.GetProfile.
func (m *Memory) GetProfile(ctx context.Context, principalID string) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter("GetProfile", "", principalID); err != nil {
		return nil, err
	}
	p, ok := m.profiles[principalID]
	if !ok {
		return nil, fmt.Errorf("%w: profile %s", ErrNotFound, principalID)
	}
	out := *p
	out.Data = make(map[string]any, len(p.Data))
	for k, v := range p.Data {
		out.Data[k] = v
	}
	return &out, nil
}

// UpdateProfile implements Client.UpdateProfile.
func (m *Memory) UpdateProfile(ctx context.Context, principalID string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter("UpdateProfile", "", principalID); err != nil {
		return err
	}
	p, ok := m.profiles[principalID]
	if !ok {
		p = &Profile{ID: principalID, Data: map[string]any{}}
		m.profiles[principalID] = p
	}
	for k, v := range data {
		p.Data[k] = v
	}
	p.UpdatedAt = time.Now().UnixMilli()
	return nil
}

// Ping implements Client.Ping.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter("Ping", "", "")
}

// Listeners returns the number of active Listen calls.
func (m *Memory) Listeners() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// Listen implements Notifier.Listen. It blocks until ctx is done.
func (m *Memory) Listen(ctx context.Context, fn func(Change)) error {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	delete(m.listeners, id)
	m.mu.Unlock()
	return nil
}
