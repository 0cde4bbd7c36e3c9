package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/vtranscriptor/vtsync/internal/schema"
	"github.com/vtranscriptor/vtsync/internal/store"
)

// StorageKey is the key/value entry holding the persisted queue.
const StorageKey = "vt-sync-queue"

// Persister stores the serialized queue. *store.Store satisfies it.
type Persister interface {
	GetValue(ctx context.Context, key string) ([]byte, error)
	SetValue(ctx context.Context, key string, value []byte) error
}

// Queue is a durable FIFO of pending operations. It is safe for concurrent
// use.
type Queue struct {
	mu       sync.Mutex
	persist  Persister
	logger   *log.Logger
	pending  []Operation
	inflight []Operation
}

// New creates an empty queue backed by p. Call Load to restore persisted
// operations.
//
// If logger is nil, a default logger writing to stderr is used.
func New(p Persister, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{
		persist: p,
		logger:  logger,
	}
}

// Load replaces the in-memory queue with the persisted one. A missing entry
// yields an empty queue. Load is a no-op while a batch is in flight, since
// the in-memory state is then newer than anything on disk.
func (q *Queue) Load(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.inflight) > 0 {
		return nil
	}

	data, err := q.persist.GetValue(ctx, StorageKey)
	if errors.Is(err, store.ErrNotFound) {
		q.pending = nil
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load queue: %w", err)
	}

	ops, err := decode(data)
	if err != nil {
		return err
	}

	valid := ops[:0]
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			q.logger.Printf("Dropping unreadable operation %q: %v", op.ID, err)
			continue
		}
		valid = append(valid, op)
	}
	q.pending = valid
	return nil
}

// Enqueue appends op. If the newest queued operation for the same record has
// the same id, it is replaced in place instead. If the queue cannot be
// persisted the in-memory queue is left unchanged and the error returned.
func (q *Queue) Enqueue(ctx context.Context, op Operation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid operation: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	// Memory never runs ahead of the persisted queue, or the next Load
	// would drop the operation.
	if i := q.newestPending(op); i >= 0 && q.pending[i].ID == op.ID {
		prev := q.pending[i]
		q.pending[i] = op
		if err := q.save(ctx); err != nil {
			q.pending[i] = prev
			return err
		}
		return nil
	}

	n := len(q.pending)
	q.pending = append(q.pending, op)
	if err := q.save(ctx); err != nil {
		q.pending = q.pending[:n]
		return err
	}
	return nil
}

// newestPending returns the index of the newest pending operation for the
// same record as op, or -1.
func (q *Queue) newestPending(op Operation) int {
	for i := len(q.pending) - 1; i >= 0; i-- {
		if sameRecord(q.pending[i], op) {
			return i
		}
	}
	return -1
}

// Drain moves every pending operation in flight and returns them in order.
// Operations enqueued after Drain returns are not part of the batch.
func (q *Queue) Drain(ctx context.Context) []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil
	}

	batch := q.pending
	q.pending = nil
	q.inflight = append(q.inflight, batch...)

	// The persisted form is unchanged (in-flight + pending), so there is
	// nothing to write here.
	out := make([]Operation, len(batch))
	copy(out, batch)
	return out
}

// Done forgets in-flight operations that were applied remotely.
func (q *Queue) Done(ctx context.Context, ops ...Operation) error {
	if len(ops) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, op := range ops {
		q.inflight = removeFirst(q.inflight, op.ID)
	}
	return q.save(ctx)
}

// Requeue returns in-flight operations to the front of the queue, ahead of
// anything enqueued since they were drained, preserving their relative
// order.
func (q *Queue) Requeue(ctx context.Context, ops ...Operation) error {
	if len(ops) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, op := range ops {
		q.inflight = removeFirst(q.inflight, op.ID)
	}

	front := make([]Operation, 0, len(ops)+len(q.pending))
	front = append(front, ops...)
	q.pending = append(front, q.pending...)
	return q.save(ctx)
}

// Pending reports whether any queued or in-flight operation targets the
// record.
func (q *Queue) Pending(table schema.Table, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, list := range [][]Operation{q.inflight, q.pending} {
		for _, op := range list {
			if op.Table == table && op.RecordID() == id {
				return true
			}
		}
	}
	return false
}

// Len returns the number of queued plus in-flight operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight) + len(q.pending)
}

// Snapshot returns a copy of the queue in persisted order.
func (q *Queue) Snapshot() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.all()
}

func (q *Queue) all() []Operation {
	out := make([]Operation, 0, len(q.inflight)+len(q.pending))
	out = append(out, q.inflight...)
	return append(out, q.pending...)
}

// save persists the queue. Caller must hold q.mu.
func (q *Queue) save(ctx context.Context) error {
	data, err := json.Marshal(q.all())
	if err != nil {
		return fmt.Errorf("failed to encode queue: %w", err)
	}
	if err := q.persist.SetValue(ctx, StorageKey, data); err != nil {
		return fmt.Errorf("failed to persist queue: %w", err)
	}
	return nil
}

func decode(data []byte) ([]Operation, error) {
	var ops []Operation
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&ops); err != nil {
		return nil, fmt.Errorf("failed to decode queue: %w", err)
	}
	return ops, nil
}

func removeFirst(ops []Operation, id string) []Operation {
	for i, op := range ops {
		if op.ID == id {
			return append(ops[:i], ops[i+1:]...)
		}
	}
	return ops
}
