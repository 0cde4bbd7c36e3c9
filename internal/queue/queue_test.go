package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/vtranscriptor/vtsync/internal/schema"
	"github.com/vtranscriptor/vtsync/internal/store"
)

// setupTestQueue returns a queue persisted in a temporary store.
func setupTestQueue(t *testing.T) (*Queue, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, nil), st
}

func upsertOp(id string, at int64) Operation {
	return NewOperation(schema.TableTasks, KindUpsert, schema.Row{"id": id, "user_id": "u-1", "updated_at": at}, at)
}

func ids(ops []Operation) string {
	var out []string
	for _, op := range ops {
		out = append(out, op.ID)
	}
	return fmt.Sprint(out)
}

func TestNewOperation_ID(t *testing.T) {
	op := upsertOp("abc", 42)
	if op.ID != "tasks-abc-42" {
		t.Errorf("ID = %q, want tasks-abc-42", op.ID)
	}
	if op.RecordID() != "abc" || op.Principal() != "u-1" {
		t.Errorf("RecordID/Principal = %q/%q", op.RecordID(), op.Principal())
	}
}

func TestEnqueue_RejectsInvalid(t *testing.T) {
	q, _ := setupTestQueue(t)

	tests := []struct {
		name string
		op   Operation
	}{
		{"no id", Operation{Table: schema.TableTasks, Kind: KindUpsert, Payload: schema.Row{"id": "a"}}},
		{"bad table", NewOperation("bogus", KindUpsert, schema.Row{"id": "a"}, 1)},
		{"bad kind", NewOperation(schema.TableTasks, "merge", schema.Row{"id": "a"}, 1)},
		{"no payload id", NewOperation(schema.TableTasks, KindDelete, schema.Row{}, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := q.Enqueue(context.Background(), tt.op); err == nil {
				t.Error("Enqueue() accepted an invalid operation")
			}
		})
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestDurability_ReloadKeepsOrder(t *testing.T) {
	q, st := setupTestQueue(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, upsertOp(id, int64(100+i))); err != nil {
			t.Fatalf("Enqueue(%s) failed: %v", id, err)
		}
	}

	// A fresh queue over the same store simulates a restart.
	restarted := New(st, nil)
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	got := ids(restarted.Snapshot())
	want := "[tasks-a-100 tasks-b-101 tasks-c-102]"
	if got != want {
		t.Errorf("reloaded queue = %s, want %s", got, want)
	}

	// Numeric payload values survive as exact integers.
	if v := schema.ToInt64(restarted.Snapshot()[2].Payload["updated_at"]); v != 102 {
		t.Errorf("payload updated_at = %d, want 102", v)
	}
}

func TestLoad_Empty(t *testing.T) {
	q, _ := setupTestQueue(t)

	if err := q.Load(context.Background()); err != nil {
		t.Fatalf("Load() on empty store failed: %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestEnqueue_ReplacesNewestWithSameID(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	first := upsertOp("a", 100)
	second := upsertOp("a", 100)
	second.Payload["title"] = "edited"

	for _, op := range []Operation{first, second} {
		if err := q.Enqueue(ctx, op); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}

	snap := q.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Len() = %d, want 1 after same-id enqueue", len(snap))
	}
	if snap[0].Payload["title"] != "edited" {
		t.Errorf("payload not replaced: %v", snap[0].Payload)
	}
}

func TestEnqueue_DistinctMutationsKept(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	ops := []Operation{upsertOp("a", 100), upsertOp("b", 101), upsertOp("a", 102), upsertOp("a", 100)}
	for _, op := range ops {
		if err := q.Enqueue(ctx, op); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}

	// The last op repeats an id that is no longer the newest for "a".
	want := "[tasks-a-100 tasks-b-101 tasks-a-102 tasks-a-100]"
	if got := ids(q.Snapshot()); got != want {
		t.Errorf("queue = %s, want %s", got, want)
	}
}

func TestDrainDone(t *testing.T) {
	q, st := setupTestQueue(t)
	ctx := context.Background()

	_ = q.Enqueue(ctx, upsertOp("a", 1))
	_ = q.Enqueue(ctx, upsertOp("b", 2))

	batch := q.Drain(ctx)
	if len(batch) != 2 {
		t.Fatalf("Drain() returned %d ops, want 2", len(batch))
	}
	if q.Len() != 2 {
		t.Errorf("in-flight ops not counted: Len() = %d", q.Len())
	}
	if !q.Pending(schema.TableTasks, "a") {
		t.Error("Pending() false for in-flight record")
	}
	if again := q.Drain(ctx); len(again) != 0 {
		t.Errorf("second Drain() returned %d ops", len(again))
	}

	if err := q.Done(ctx, batch...); err != nil {
		t.Fatalf("Done() failed: %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after Done, want 0", q.Len())
	}

	restarted := New(st, nil)
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if restarted.Len() != 0 {
		t.Errorf("completed ops were persisted: %s", ids(restarted.Snapshot()))
	}
}

func TestRequeue_FrontPreservesOrder(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		_ = q.Enqueue(ctx, upsertOp(id, int64(i+1)))
	}
	batch := q.Drain(ctx)

	// Enqueued while the batch is in flight.
	_ = q.Enqueue(ctx, upsertOp("d", 10))

	// a succeeded, b failed, c untried.
	if err := q.Done(ctx, batch[0]); err != nil {
		t.Fatalf("Done() failed: %v", err)
	}
	if err := q.Requeue(ctx, batch[1:]...); err != nil {
		t.Fatalf("Requeue() failed: %v", err)
	}

	want := "[tasks-b-2 tasks-c-3 tasks-d-10]"
	if got := ids(q.Snapshot()); got != want {
		t.Errorf("queue = %s, want %s", got, want)
	}
	if next := ids(q.Drain(ctx)); next != want {
		t.Errorf("next Drain() = %s, want %s", next, want)
	}
}

func TestCrashMidDrain_ReplaysBatch(t *testing.T) {
	q, st := setupTestQueue(t)
	ctx := context.Background()

	_ = q.Enqueue(ctx, upsertOp("a", 1))
	_ = q.Enqueue(ctx, upsertOp("b", 2))
	_ = q.Drain(ctx)
	_ = q.Enqueue(ctx, upsertOp("c", 3))

	// The process dies before Done/Requeue.
	restarted := New(st, nil)
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	want := "[tasks-a-1 tasks-b-2 tasks-c-3]"
	if got := ids(restarted.Snapshot()); got != want {
		t.Errorf("replayed queue = %s, want %s", got, want)
	}
}

func TestLoad_SkippedWhileInFlight(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	_ = q.Enqueue(ctx, upsertOp("a", 1))
	_ = q.Drain(ctx)

	if err := q.Load(ctx); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d after Load during drain, want 1", q.Len())
	}
}

func TestEnqueue_ConcurrentWithDrain(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	const n = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		drained []Operation
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := q.Enqueue(ctx, upsertOp(fmt.Sprintf("r%d", i), int64(i+1))); err != nil {
				t.Errorf("Enqueue() failed: %v", err)
			}
			if i%10 == 0 {
				batch := q.Drain(ctx)
				mu.Lock()
				drained = append(drained, batch...)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	drained = append(drained, q.Drain(ctx)...)

	seen := make(map[string]int)
	for _, op := range drained {
		seen[op.ID]++
	}
	if len(seen) != n {
		t.Errorf("drained %d distinct ops, want %d", len(seen), n)
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("op %s drained %d times", id, count)
		}
	}
}

// flakyPersister wraps a store and fails writes while failing is set.
type flakyPersister struct {
	*store.Store
	mu      sync.Mutex
	failing bool
}

func (p *flakyPersister) SetValue(ctx context.Context, key string, value []byte) error {
	p.mu.Lock()
	failing := p.failing
	p.mu.Unlock()
	if failing {
		return fmt.Errorf("disk full")
	}
	return p.Store.SetValue(ctx, key, value)
}

func (p *flakyPersister) setFailing(v bool) {
	p.mu.Lock()
	p.failing = v
	p.mu.Unlock()
}

func TestEnqueue_PersistFailureLeavesQueueUnchanged(t *testing.T) {
	ctx := context.Background()
	_, st := setupTestQueue(t)
	p := &flakyPersister{Store: st}
	q := New(p, nil)

	if err := q.Enqueue(ctx, upsertOp("a", 1)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	p.setFailing(true)
	if err := q.Enqueue(ctx, upsertOp("b", 2)); err == nil {
		t.Fatal("expected error when the queue cannot be persisted")
	}
	// Same id as the newest op for "a": the replacement must be undone too.
	replaced := upsertOp("a", 1)
	replaced.Payload["title"] = "changed"
	if err := q.Enqueue(ctx, replaced); err == nil {
		t.Fatal("expected error replacing in place")
	}

	if got := ids(q.Snapshot()); got != "[tasks-a-1]" {
		t.Fatalf("in-memory queue = %s, want [tasks-a-1]", got)
	}
	if _, ok := q.Snapshot()[0].Payload["title"]; ok {
		t.Error("failed replacement left the new payload in memory")
	}

	// Memory and disk agree, so a reload loses nothing that was reported
	// as queued.
	p.setFailing(false)
	if err := q.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := ids(q.Snapshot()); got != "[tasks-a-1]" {
		t.Errorf("after Load = %s, want [tasks-a-1]", got)
	}

	if err := q.Enqueue(ctx, upsertOp("b", 2)); err != nil {
		t.Fatalf("Enqueue after recovery failed: %v", err)
	}
	if got := ids(q.Snapshot()); got != "[tasks-a-1 tasks-b-2]" {
		t.Errorf("queue = %s", got)
	}
}
