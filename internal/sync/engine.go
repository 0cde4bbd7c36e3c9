package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	stdsync "sync"
	"time"

	"github.com/vtranscriptor/vtsync/internal/queue"
	"github.com/vtranscriptor/vtsync/internal/remote"
	"github.com/vtranscriptor/vtsync/internal/schema"
	"github.com/vtranscriptor/vtsync/internal/session"
	"github.com/vtranscriptor/vtsync/internal/store"
)

// AudioURLTTL is how long signed audio URLs stay valid.
const AudioURLTTL = time.Hour

// ErrNotEligible is returned by operations that need a sync-eligible
// session.
var ErrNotEligible = errors.New("sync not available: sign in and go online")

// Session is the view of the session context the engine needs.
// *session.Context satisfies it.
type Session interface {
	CurrentPrincipal() string
	IsSyncEligible() bool
	State() session.State
	Subscribe() (<-chan session.Transition, func())
}

// Config wires an Engine.
type Config struct {
	// Store is the local store (required)
	Store *store.Store

	// Queue is the operation queue (required)
	Queue *queue.Queue

	// Remote is the remote authority. nil means not configured.
	Remote remote.Client

	// Session supplies principal and connectivity (required)
	Session Session

	// Interval triggers a periodic SyncAll in Run (0 = only on reconnect)
	Interval time.Duration

	// Logger (default: stderr with [sync] prefix)
	Logger *log.Logger

	// Now returns epoch millis (default: schema.NowMillis)
	Now func() int64
}

// Engine reconciles the local store with the remote authority.
type Engine struct {
	store    *store.Store
	queue    *queue.Queue
	remote   remote.Client
	session  Session
	interval time.Duration
	logger   *log.Logger
	now      func() int64

	// syncing coalesces concurrent SyncAll calls.
	syncing stdsync.Mutex

	mu       stdsync.Mutex
	lastSync time.Time
	lastErr  error
}

// New creates an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Queue == nil || cfg.Session == nil {
		return nil, fmt.Errorf("store, queue and session are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = schema.NowMillis
	}
	return &Engine{
		store:    cfg.Store,
		queue:    cfg.Queue,
		remote:   cfg.Remote,
		session:  cfg.Session,
		interval: cfg.Interval,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}, nil
}

// CanSync reports whether remote calls may be made now: a remote is
// configured and the session is authenticated, online and has a principal.
func (e *Engine) CanSync() bool {
	return e.remote != nil && e.session.IsSyncEligible()
}

// operation builds the queue entry for a mutation stamped with principal.
func (e *Engine) operation(kind queue.Kind, rec *schema.Record, principal string) (queue.Operation, error) {
	var payload schema.Row
	switch kind {
	case queue.KindUpsert:
		row, err := schema.RecordToRow(rec, principal)
		if err != nil {
			return queue.Operation{}, err
		}
		payload = row
	case queue.KindDelete:
		payload = schema.DeleteRow(rec.ID, principal)
	default:
		return queue.Operation{}, fmt.Errorf("invalid operation: %q", kind)
	}
	return queue.NewOperation(rec.Table, kind, payload, e.now()), nil
}

// Propagate pushes a local mutation that has already been committed to the
// store. For deletes only rec.Table and rec.ID are used.
//
// Guest sessions are local only: nothing is sent or queued. Otherwise the
// operation is sent directly when the engine can sync and no older
// operation for the same record is still queued, and enqueued in every
// other case, including a failed direct send. Propagate never fails.
func (e *Engine) Propagate(ctx context.Context, kind queue.Kind, rec *schema.Record) {
	principal := e.session.CurrentPrincipal()
	if principal == "" {
		return
	}

	op, err := e.operation(kind, rec, principal)
	if err != nil {
		e.logger.Printf("Cannot propagate %s %s: %v", rec.Table, rec.ID, err)
		return
	}

	if e.CanSync() && !e.queue.Pending(rec.Table, rec.ID) {
		err := e.apply(ctx, op)
		if err == nil {
			return
		}
		e.logger.Printf("Direct %s of %s %s failed, queueing: %v", kind, rec.Table, rec.ID, err)
	}

	if err := e.queue.Enqueue(ctx, op); err != nil {
		e.logger.Printf("Failed to queue %s: %v", op.ID, err)
	}
}

// PropagateUpsert is Propagate(ctx, queue.KindUpsert, rec).
func (e *Engine) PropagateUpsert(ctx context.Context, rec *schema.Record) {
	e.Propagate(ctx, queue.KindUpsert, rec)
}

// PropagateDelete is Propagate for a deleted record.
func (e *Engine) PropagateDelete(ctx context.Context, table schema.Table, id string) {
	e.Propagate(ctx, queue.KindDelete, &schema.Record{Table: table, ID: id})
}

// apply sends one operation to the remote.
func (e *Engine) apply(ctx context.Context, op queue.Operation) error {
	switch op.Kind {
	case queue.KindUpsert:
		return e.remote.Upsert(ctx, op.Table, op.Payload)
	case queue.KindDelete:
		return e.remote.Delete(ctx, op.Table, op.RecordID(), op.Principal())
	}
	return fmt.Errorf("invalid operation: %q", op.Kind)
}

// Result summarizes a SyncAll run.
type Result struct {
	// Skipped is true if another SyncAll was running or the session was
	// not eligible. Nothing was attempted.
	Skipped bool

	// Pushed counts operations applied remotely
	Pushed int

	// Held counts operations stamped for another principal, left queued
	Held int

	// Failed is the id of the operation that stopped the batch, if any
	Failed string

	// Abandoned is true if the session lost eligibility mid-batch
	Abandoned bool

	// Remaining is the queue depth afterwards
	Remaining int

	// Pull is the pull that followed a clean drain, if any
	Pull *PullResult
}

// SyncAll drains the operation queue in order and then pulls.
//
// A call made while another is running returns immediately with Skipped
// set. On the first failing operation, that operation and every untried one
// go back to the front of the queue and the batch stops; per-record order
// is never violated. Pull runs only after a batch drained without failure.
// Errors are returned only for local storage failures and pull failures.
func (e *Engine) SyncAll(ctx context.Context) (*Result, error) {
	if !e.syncing.TryLock() {
		return &Result{Skipped: true, Remaining: e.queue.Len()}, nil
	}
	defer e.syncing.Unlock()

	res, err := e.syncAll(ctx)

	e.mu.Lock()
	e.lastSync = time.Now()
	e.lastErr = err
	e.mu.Unlock()
	return res, err
}

func (e *Engine) syncAll(ctx context.Context) (*Result, error) {
	if !e.CanSync() {
		return &Result{Skipped: true, Remaining: e.queue.Len()}, nil
	}
	principal := e.session.CurrentPrincipal()

	if err := e.queue.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}

	res := &Result{}
	batch := e.queue.Drain(ctx)
	if len(batch) > 0 {
		e.logger.Printf("Draining %d queued operation(s)", len(batch))
	}

	var keep []queue.Operation
	for i, op := range batch {
		if ctx.Err() != nil || !e.CanSync() || e.session.CurrentPrincipal() != principal {
			keep = append(keep, batch[i:]...)
			res.Abandoned = true
			e.logger.Printf("Session changed, leaving %d operation(s) queued", len(batch)-i)
			break
		}

		if op.Principal() != principal {
			keep = append(keep, op)
			res.Held++
			continue
		}

		if err := e.apply(ctx, op); err != nil {
			keep = append(keep, batch[i:]...)
			res.Failed = op.ID
			if remote.IsUnauthorized(err) {
				e.logger.Printf("Unauthorized applying %s, leaving queued: %v", op.ID, err)
			} else {
				e.logger.Printf("Failed to apply %s, will retry: %v", op.ID, err)
			}
			break
		}

		if err := e.queue.Done(ctx, op); err != nil {
			_ = e.requeue(ctx, append(keep, batch[i+1:]...))
			return nil, err
		}
		res.Pushed++
	}

	if err := e.requeue(ctx, keep); err != nil {
		return nil, err
	}
	res.Remaining = e.queue.Len()

	if res.Failed != "" || res.Abandoned {
		return res, nil
	}

	pull, err := e.Pull(ctx)
	res.Pull = pull
	if err != nil {
		return res, err
	}
	return res, nil
}

func (e *Engine) requeue(ctx context.Context, ops []queue.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	if err := e.queue.Requeue(ctx, ops...); err != nil {
		return fmt.Errorf("failed to requeue operations: %w", err)
	}
	return nil
}

// PullResult counts fetched and merged rows per table.
type PullResult struct {
	Fetched map[schema.Table]int
	Applied map[schema.Table]int
}

// Total returns the number of records merged into the store.
func (p *PullResult) Total() int {
	n := 0
	for _, c := range p.Applied {
		n += c
	}
	return n
}

// Pull fetches every record visible to the principal and merges each into
// the store with last-write-wins. A remote copy replaces the local one only
// if strictly newer.
func (e *Engine) Pull(ctx context.Context) (*PullResult, error) {
	if !e.CanSync() {
		return nil, ErrNotEligible
	}
	principal := e.session.CurrentPrincipal()

	res := &PullResult{
		Fetched: make(map[schema.Table]int),
		Applied: make(map[schema.Table]int),
	}
	for _, table := range schema.Tables {
		rows, err := e.remote.Fetch(ctx, table, remote.Query{PrincipalID: principal})
		if err != nil {
			return res, fmt.Errorf("failed to pull %s: %w", table, err)
		}
		res.Fetched[table] = len(rows)

		for _, row := range rows {
			rec, err := schema.RowToRecord(table, row)
			if err != nil {
				e.logger.Printf("Skipping malformed %s row: %v", table, err)
				continue
			}
			applied, err := e.store.Merge(ctx, rec)
			if err != nil {
				return res, fmt.Errorf("failed to merge %s %s: %w", table, rec.ID, err)
			}
			if applied {
				res.Applied[table]++
			}
		}
	}

	if n := res.Total(); n > 0 {
		e.logger.Printf("Pulled %d updated record(s)", n)
	}
	return res, nil
}

// EnableSync submits existing local records after sign-in. Records without
// an owner (created as guest) are claimed for the current principal first.
// Records owned by someone else are left alone. Returns the number of
// records submitted.
func (e *Engine) EnableSync(ctx context.Context) (int, error) {
	principal := e.session.CurrentPrincipal()
	if principal == "" {
		return 0, ErrNotEligible
	}

	n := 0
	for _, table := range schema.Tables {
		recs, err := e.store.List(ctx, table, store.Filter{})
		if err != nil {
			return n, fmt.Errorf("failed to list %s: %w", table, err)
		}
		for _, rec := range recs {
			if rec.OwnerID != "" && rec.OwnerID != principal {
				continue
			}
			if rec.OwnerID == "" {
				if err := claim(rec, principal); err != nil {
					e.logger.Printf("Skipping %s %s: %v", table, rec.ID, err)
					continue
				}
				if err := e.store.Put(ctx, rec); err != nil {
					return n, err
				}
			}
			e.PropagateUpsert(ctx, rec)
			n++
		}
	}
	e.logger.Printf("Enabled sync for %d local record(s)", n)
	return n, nil
}

// claim sets the owner of an unowned record without touching its clocks.
func claim(rec *schema.Record, principal string) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(rec.Data, &doc); err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}
	owner, err := json.Marshal(principal)
	if err != nil {
		return err
	}
	doc["userId"] = owner
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	rec.Data = data
	rec.OwnerID = principal
	return nil
}

// UploadAudio stores a recording under {principal}/{epochMillis}-{name} and
// returns the blob path.
func (e *Engine) UploadAudio(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	if !e.CanSync() {
		return "", ErrNotEligible
	}
	name = strings.ReplaceAll(filepath.Base(name), "/", "_")
	path := fmt.Sprintf("%s/%d-%s", e.session.CurrentPrincipal(), e.now(), name)

	if err := e.remote.UploadBlob(ctx, remote.AudioBucket, path, data, contentType); err != nil {
		return "", fmt.Errorf("failed to upload audio: %w", err)
	}
	return path, nil
}

// AudioURL returns a signed URL for an uploaded recording, valid for
// AudioURLTTL.
func (e *Engine) AudioURL(ctx context.Context, path string) (string, error) {
	if !e.CanSync() {
		return "", ErrNotEligible
	}
	u, err := e.remote.SignedURL(ctx, remote.AudioBucket, path, AudioURLTTL)
	if err != nil {
		return "", fmt.Errorf("failed to sign audio url: %w", err)
	}
	return u, nil
}

// Status is a point-in-time view of the engine.
type Status struct {
	State      session.State
	Principal  string
	CanSync    bool
	QueueDepth int
	LastSync   time.Time
	LastError  error
}

// Status reports the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		State:      e.session.State(),
		Principal:  e.session.CurrentPrincipal(),
		CanSync:    e.CanSync(),
		QueueDepth: e.queue.Len(),
		LastSync:   e.lastSync,
		LastError:  e.lastErr,
	}
}

// Run reacts to session transitions until ctx is done: becoming
// Authenticated-Online, or switching principal while online, triggers
// SyncAll. With a non-zero interval SyncAll also runs periodically.
func (e *Engine) Run(ctx context.Context) error {
	transitions, stop := e.session.Subscribe()
	defer stop()

	var tick <-chan time.Time
	if e.interval > 0 {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-transitions:
			if !ok {
				return nil
			}
			if t.To == session.StateOnline {
				e.runSync(ctx, "reconnect")
			}
		case <-tick:
			e.runSync(ctx, "interval")
		}
	}
}

func (e *Engine) runSync(ctx context.Context, reason string) {
	res, err := e.SyncAll(ctx)
	if err != nil {
		e.logger.Printf("Sync (%s) failed: %v", reason, err)
		return
	}
	if res.Skipped {
		return
	}
	pulled := 0
	if res.Pull != nil {
		pulled = res.Pull.Total()
	}
	e.logger.Printf("Sync (%s): pushed=%d pulled=%d remaining=%d", reason, res.Pushed, pulled, res.Remaining)
}
