package daemon

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vtranscriptor/vtsync/internal/config"
	"github.com/vtranscriptor/vtsync/internal/realtime"
	"github.com/vtranscriptor/vtsync/internal/remote"
	"github.com/vtranscriptor/vtsync/internal/session"
)

// Options selects what the daemon runs.
type Options struct {
	// ConfigPath is watched for session changes ("" disables watching)
	ConfigPath string

	// DebounceInterval batches rapid config writes (default: 100ms)
	DebounceInterval time.Duration

	// Relay runs the realtime hub and blob endpoint
	Relay bool

	// RelayOnly skips the client loops (monitor, engine, config watch)
	RelayOnly bool
}

// Daemon runs the background loops over a Services graph.
type Daemon struct {
	svc    *Services
	opts   Options
	logger *log.Logger

	ready     chan struct{}
	readyOnce sync.Once

	mu  sync.Mutex
	hub *realtime.Hub
}

// New creates a daemon. Call Run to start it.
func New(svc *Services, opts Options) *Daemon {
	if opts.DebounceInterval <= 0 {
		opts.DebounceInterval = 100 * time.Millisecond
	}
	if opts.RelayOnly {
		opts.Relay = true
	}
	return &Daemon{
		svc:    svc,
		opts:   opts,
		logger: svc.Logs.For("daemon"),
		ready:  make(chan struct{}),
	}
}

// Ready is closed once every loop has been started.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// RelayAddr returns the hub's listening address, or "" when the relay is
// not running.
func (d *Daemon) RelayAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hub == nil {
		return ""
	}
	return d.hub.GetAddr()
}

// Run blocks until ctx is cancelled or a loop fails.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Println("Starting daemon")
	defer d.logger.Println("Daemon stopped")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	// abort stops loops that already started.
	abort := func(err error) error {
		cancel()
		_ = g.Wait()
		return err
	}

	if !d.opts.RelayOnly {
		if err := d.startClient(ctx, g); err != nil {
			return abort(err)
		}
	}
	if d.opts.Relay {
		if err := d.startRelay(ctx, g); err != nil {
			return abort(err)
		}
	}

	d.readyOnce.Do(func() { close(d.ready) })
	return g.Wait()
}

func (d *Daemon) startClient(ctx context.Context, g *errgroup.Group) error {
	svc := d.svc
	cfg := svc.Config

	if svc.Remote != nil {
		mon := session.NewMonitor(svc.Session, svc.Remote, session.MonitorConfig{
			Interval: cfg.Sync.PingInterval,
			Timeout:  cfg.Sync.PingTimeout,
			Logger:   svc.Logs.For("monitor"),
		})
		g.Go(func() error { return mon.Run(ctx) })
	} else {
		d.logger.Println("No remote configured; running local only")
	}

	g.Go(func() error { return svc.Engine.Run(ctx) })

	if d.opts.ConfigPath != "" {
		w, err := config.NewWatcher(d.opts.ConfigPath, d.opts.DebounceInterval, svc.Logs.For("config"))
		if err != nil {
			return err
		}
		if err := w.Start(); err != nil {
			return err
		}
		d.logger.Printf("Watching: %s", d.opts.ConfigPath)
		g.Go(func() error {
			defer w.Stop()
			d.watchConfig(ctx, w)
			return nil
		})
	}
	return nil
}

// watchConfig applies session changes from reloaded config. Other settings
// need a restart.
func (d *Daemon) watchConfig(ctx context.Context, w *config.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return

		case cfg, ok := <-w.Changes():
			if !ok {
				return
			}
			d.svc.ApplySession(ctx, cfg.Session)

		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			d.logger.Printf("Config watch error: %v", err)
		}
	}
}

func (d *Daemon) startRelay(ctx context.Context, g *errgroup.Group) error {
	svc := d.svc
	notifier, ok := svc.Remote.(remote.Notifier)
	if !ok {
		return fmt.Errorf("relay needs a remote that publishes changes: %w", remote.ErrNotConfigured)
	}
	blobs, _ := svc.Remote.(realtime.BlobReader)

	hub := realtime.NewHub(realtime.HubConfig{
		Addr:           svc.Config.Relay.Addr,
		Signer:         svc.Signer,
		Blobs:          blobs,
		OriginPatterns: svc.Config.Relay.AllowedOrigins,
		Logger:         svc.Logs.For("hub"),
	})
	if err := hub.Start(); err != nil {
		return err
	}
	d.mu.Lock()
	d.hub = hub
	d.mu.Unlock()

	bridge := realtime.NewBridge(hub, svc.Logs.For("bridge"))
	g.Go(func() error {
		err := bridge.Run(ctx, notifier)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		return hub.Stop()
	})
	return nil
}
