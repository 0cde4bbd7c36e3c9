// Package loadtest simulates many devices editing offline and then
// reconnecting at once against a single remote authority.
//
// Every simulated client has its own local store, operation queue, session
// and sync engine. A run has three phases:
//
//  1. Offline: each client commits Records tasks, all of which queue.
//  2. Reconnect: every client goes online and calls SyncAll concurrently.
//  3. Verify: every client pulls again and must hold the full set.
//
// The run converges when the remote and every client hold exactly
// Clients*Records tasks and every queue is empty.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vtranscriptor/vtsync/internal/queue"
	"github.com/vtranscriptor/vtsync/internal/remote"
	"github.com/vtranscriptor/vtsync/internal/schema"
	"github.com/vtranscriptor/vtsync/internal/session"
	"github.com/vtranscriptor/vtsync/internal/store"
	vtsync "github.com/vtranscriptor/vtsync/internal/sync"
)

// Config controls a run.
type Config struct {
	// Dir holds the per-client stores (required)
	Dir string

	// Clients is the number of simulated devices (default: 10)
	Clients int

	// Records is the number of tasks each client writes offline (default: 20)
	Records int

	// Principal all clients sign in as (default: "loadtest")
	Principal string

	// Remote is the shared authority (default: a fresh in-memory remote)
	Remote remote.Client

	// Logger (default: discard)
	Logger *log.Logger
}

// LatencyStats captures performance metrics from a phase.
type LatencyStats struct {
	Min    time.Duration
	Max    time.Duration
	Mean   time.Duration
	P50    time.Duration // Median
	P95    time.Duration
	P99    time.Duration
	Count  int
	Errors int
}

// Report is the outcome of a run.
type Report struct {
	Clients   int
	Records   int
	Writes    *LatencyStats // offline commit (store write plus enqueue)
	Syncs     *LatencyStats // concurrent SyncAll on reconnect
	Remote    int           // tasks held by the remote afterwards
	Converged bool
	Problems  []string
}

type client struct {
	id     int
	store  *store.Store
	queue  *queue.Queue
	sess   *session.Context
	engine *vtsync.Engine
}

// Run executes the three phases and reports latencies and convergence.
func Run(ctx context.Context, cfg Config) (*Report, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("dir is required")
	}
	if cfg.Clients <= 0 {
		cfg.Clients = 10
	}
	if cfg.Records <= 0 {
		cfg.Records = 20
	}
	if cfg.Principal == "" {
		cfg.Principal = "loadtest"
	}
	if cfg.Remote == nil {
		cfg.Remote = remote.NewMemory(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}

	clients := make([]*client, 0, cfg.Clients)
	defer func() {
		for _, c := range clients {
			_ = c.store.Close()
		}
	}()
	for i := 0; i < cfg.Clients; i++ {
		c, err := newClient(ctx, i, cfg)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}

	report := &Report{Clients: cfg.Clients, Records: cfg.Records}

	writes, err := runPhase(ctx, clients, func(ctx context.Context, c *client) ([]time.Duration, error) {
		return c.writeOffline(ctx, cfg.Records, cfg.Principal)
	})
	if err != nil {
		return nil, fmt.Errorf("offline phase failed: %w", err)
	}
	report.Writes = computeLatencyStats(writes)

	for _, c := range clients {
		c.sess.SetOnline(true)
	}

	var syncErrors int
	var mu sync.Mutex
	syncs, err := runPhase(ctx, clients, func(ctx context.Context, c *client) ([]time.Duration, error) {
		start := time.Now()
		res, err := c.engine.SyncAll(ctx)
		elapsed := time.Since(start)
		if err != nil {
			return nil, fmt.Errorf("client %d sync: %w", c.id, err)
		}
		if res.Failed != "" {
			mu.Lock()
			syncErrors++
			mu.Unlock()
			cfg.Logger.Printf("Client %d: %s", c.id, res.Failed)
		}
		return []time.Duration{elapsed}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconnect phase failed: %w", err)
	}
	report.Syncs = computeLatencyStats(syncs)
	report.Syncs.Errors = syncErrors

	if err := verify(ctx, clients, cfg, report); err != nil {
		return nil, err
	}
	return report, nil
}

func newClient(ctx context.Context, id int, cfg Config) (*client, error) {
	st, err := store.Open(filepath.Join(cfg.Dir, fmt.Sprintf("client-%03d.db", id)))
	if err != nil {
		return nil, fmt.Errorf("client %d: %w", id, err)
	}
	q := queue.New(st, cfg.Logger)
	if err := q.Load(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("client %d: %w", id, err)
	}
	sess := session.New(true, cfg.Logger)
	sess.SignIn(cfg.Principal, cfg.Principal+"@example.com")

	e, err := vtsync.New(vtsync.Config{
		Store:   st,
		Queue:   q,
		Remote:  cfg.Remote,
		Session: sess,
		Logger:  cfg.Logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("client %d: %w", id, err)
	}
	return &client{id: id, store: st, queue: q, sess: sess, engine: e}, nil
}

// writeOffline commits n tasks while the session is offline so every
// mutation lands in the queue.
func (c *client) writeOffline(ctx context.Context, n int, principal string) ([]time.Duration, error) {
	durations := make([]time.Duration, 0, n)
	priorities := []schema.TaskPriority{schema.PriorityHigh, schema.PriorityMedium, schema.PriorityMedium, schema.PriorityLow}

	for j := 0; j < n; j++ {
		task := schema.NewTask(fmt.Sprintf("Client %d task %d", c.id, j))
		task.UserID = principal
		task.Priority = priorities[j%len(priorities)]
		task.Tags = []string{"loadtest", fmt.Sprintf("client-%d", c.id)}

		start := time.Now()
		rec, err := schema.ToRecord(task)
		if err != nil {
			return nil, err
		}
		if err := c.store.Put(ctx, rec); err != nil {
			return nil, fmt.Errorf("client %d write %d: %w", c.id, j, err)
		}
		c.engine.PropagateUpsert(ctx, rec)
		durations = append(durations, time.Since(start))
	}
	return durations, nil
}

// runPhase runs fn for every client concurrently and gathers durations.
func runPhase(ctx context.Context, clients []*client, fn func(context.Context, *client) ([]time.Duration, error)) ([]time.Duration, error) {
	var mu sync.Mutex
	var all []time.Duration

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range clients {
		g.Go(func() error {
			d, err := fn(gctx, c)
			if err != nil {
				return err
			}
			mu.Lock()
			all = append(all, d...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return all, nil
}

// verify pulls every client once more and checks the final state.
func verify(ctx context.Context, clients []*client, cfg Config, report *Report) error {
	want := cfg.Clients * cfg.Records

	rows, err := cfg.Remote.Fetch(ctx, schema.TableTasks, remote.Query{PrincipalID: cfg.Principal})
	if err != nil {
		return fmt.Errorf("failed to fetch remote tasks: %w", err)
	}
	report.Remote = len(rows)
	if report.Remote != want {
		report.Problems = append(report.Problems, fmt.Sprintf("remote holds %d tasks, want %d", report.Remote, want))
	}

	for _, c := range clients {
		if _, err := c.engine.Pull(ctx); err != nil {
			return fmt.Errorf("client %d pull: %w", c.id, err)
		}
		n, err := c.store.Count(ctx, schema.TableTasks)
		if err != nil {
			return fmt.Errorf("client %d count: %w", c.id, err)
		}
		if n != want {
			report.Problems = append(report.Problems, fmt.Sprintf("client %d holds %d tasks, want %d", c.id, n, want))
		}
		if depth := c.queue.Len(); depth != 0 {
			report.Problems = append(report.Problems, fmt.Sprintf("client %d has %d queued operations", c.id, depth))
		}
	}
	report.Converged = len(report.Problems) == 0
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(durations)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(durations),
	}
}

// WriteStats formats latency statistics under a heading.
func (s *LatencyStats) WriteStats(w io.Writer, heading string) {
	fmt.Fprintf(w, "%s:\n", heading)
	fmt.Fprintf(w, "  Count:         %d\n", s.Count)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
