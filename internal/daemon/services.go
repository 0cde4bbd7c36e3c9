package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/vtranscriptor/vtsync/internal/collab"
	"github.com/vtranscriptor/vtsync/internal/config"
	"github.com/vtranscriptor/vtsync/internal/logging"
	"github.com/vtranscriptor/vtsync/internal/queue"
	"github.com/vtranscriptor/vtsync/internal/realtime"
	"github.com/vtranscriptor/vtsync/internal/remote"
	"github.com/vtranscriptor/vtsync/internal/session"
	"github.com/vtranscriptor/vtsync/internal/settings"
	"github.com/vtranscriptor/vtsync/internal/store"
	"github.com/vtranscriptor/vtsync/internal/sync"
)

// Services is the wired object graph shared by the daemon and the CLI.
// Construct it once with Open and pass it by reference.
type Services struct {
	Config *config.Config
	Logs   *logging.Logs

	Store   *store.Store
	Queue   *queue.Queue
	Session *session.Context
	Engine  *sync.Engine

	// Remote is nil when no remote authority is configured.
	Remote remote.Client
	Signer *remote.Signer

	Collab   *collab.Service
	Settings *settings.Manager
	Feed     *realtime.Feed

	closers []func()
}

// Open builds Services from cfg, connecting to the configured Postgres
// authority if any.
func Open(ctx context.Context, cfg *config.Config, logs *logging.Logs) (*Services, error) {
	var (
		rc     remote.Client
		signer *remote.Signer
		pg     *remote.Postgres
	)
	if cfg.Remote.URL != "" {
		signer = remote.NewSigner(cfg.Relay.PublicURL, []byte(cfg.Relay.SigningKey))
		var err error
		pg, err = remote.NewPostgres(ctx, remote.PostgresConfig{
			URL:      cfg.Remote.URL,
			MaxConns: cfg.Remote.MaxConns,
			Signer:   signer,
			Logger:   logs.For("remote"),
		})
		if err != nil {
			return nil, err
		}
		rc = pg
	}

	svc, err := OpenWithRemote(ctx, cfg, logs, rc, signer)
	if err != nil {
		if pg != nil {
			pg.Close()
		}
		return nil, err
	}
	if pg != nil {
		svc.closers = append(svc.closers, pg.Close)
	}
	return svc, nil
}

// OpenWithRemote builds Services around an existing remote client. rc may
// be nil for a local-only setup.
func OpenWithRemote(ctx context.Context, cfg *config.Config, logs *logging.Logs, rc remote.Client, signer *remote.Signer) (*Services, error) {
	if logs == nil {
		logs = logging.Discard()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}

	q := queue.New(st, logs.For("queue"))
	if err := q.Load(ctx); err != nil {
		st.Close()
		return nil, err
	}

	sc := session.New(rc != nil, logs.For("session"))

	engine, err := sync.New(sync.Config{
		Store:    st,
		Queue:    q,
		Remote:   rc,
		Session:  sc,
		Interval: cfg.Sync.Interval,
		Logger:   logs.For("sync"),
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	feed, err := realtime.NewFeed(realtime.FeedConfig{
		Store:     st,
		Transport: realtime.NewWSTransport(cfg.RealtimeURL()),
		Logger:    logs.For("realtime"),
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	cs, err := collab.New(collab.Config{
		Store:   st,
		Engine:  engine,
		Remote:  rc,
		Session: sc,
		Feed:    feed,
		Logger:  logs.For("collab"),
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	svc := &Services{
		Config:   cfg,
		Logs:     logs,
		Store:    st,
		Queue:    q,
		Session:  sc,
		Engine:   engine,
		Remote:   rc,
		Signer:   signer,
		Collab:   cs,
		Settings: settings.NewManager(st, rc, sc, logs.For("settings")),
		Feed:     feed,
	}
	svc.ApplySession(ctx, cfg.Session)
	return svc, nil
}

// ApplySession signs in or out to match sc. Signing in records the
// account's email on its remote profile when the remote is reachable.
func (s *Services) ApplySession(ctx context.Context, sc config.SessionConfig) {
	if sc.Principal == "" {
		if s.Session.IsAuthenticated() {
			s.Session.SignOut()
		}
		return
	}
	if sc.Principal == s.Session.CurrentPrincipal() && sc.Email == s.Session.Email() {
		return
	}
	s.Session.SignIn(sc.Principal, sc.Email)

	if s.Remote != nil {
		if err := s.Remote.EnsureProfile(ctx, sc.Principal, sc.Email); err != nil && !errors.Is(err, remote.ErrUnavailable) {
			s.Logs.For("session").Printf("Failed to record profile for %s: %v", sc.Principal, err)
		}
	}
}

// Close releases the store and remote connections.
func (s *Services) Close() error {
	s.Feed.Unsubscribe()
	for _, c := range s.closers {
		c()
	}
	return s.Store.Close()
}
