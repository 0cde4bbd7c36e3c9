// Command vtsync is the local-first sync client and relay for
// transcripts, analyses, tasks and comments.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vtranscriptor/vtsync/internal/config"
	"github.com/vtranscriptor/vtsync/internal/daemon"
	"github.com/vtranscriptor/vtsync/internal/logging"
	"github.com/vtranscriptor/vtsync/internal/schema"
	"github.com/vtranscriptor/vtsync/internal/session"
	"github.com/vtranscriptor/vtsync/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "vtsync",
	Short: "Local-first sync for transcripts, tasks and comments",
	Long: `vtsync keeps a local SQLite store as the source of truth and reconciles
it with a remote Postgres authority when signed in and online.

Guests work entirely offline. After signing in (set [session] principal in
the config file), mutations are pushed directly when possible and queued
otherwise; the queue drains on reconnect.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Config file")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "data", Title: "Data:"},
		&cobra.Group{ID: "collab", Title: "Collaboration:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openServices loads config and wires the object graph. One-shot commands
// log only to the log file; the daemon also logs to stderr.
func openServices(ctx context.Context, console bool) *daemon.Services {
	cfg, err := config.Load(configPath)
	if err != nil {
		fatalf("%v", err)
	}

	logs, err := logging.New(logging.Options{
		File:       cfg.LogPath(),
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Quiet:      !console,
	})
	if err != nil {
		fatalf("failed to open log: %v", err)
	}

	svc, err := daemon.Open(ctx, cfg, logs)
	if err != nil {
		logs.Close()
		fatalf("%v", err)
	}
	return svc
}

func closeServices(svc *daemon.Services) {
	if err := svc.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	_ = svc.Logs.Close()
}

// connect probes the remote once so the session knows whether it is
// online. It reports whether the engine can sync afterwards.
func connect(ctx context.Context, svc *daemon.Services) bool {
	if svc.Remote == nil {
		return false
	}
	mon := session.NewMonitor(svc.Session, svc.Remote, session.MonitorConfig{
		Timeout: svc.Config.Sync.PingTimeout,
		Logger:  svc.Logs.For("monitor"),
	})
	mon.Check(ctx)
	return svc.Engine.CanSync()
}

// save commits an entity locally and propagates it.
func save(ctx context.Context, svc *daemon.Services, e schema.Entity) *schema.Record {
	rec, err := schema.ToRecord(e)
	if err != nil {
		fatalf("%v", err)
	}
	if err := svc.Store.Put(ctx, rec); err != nil {
		fatalf("%v", err)
	}
	svc.Engine.PropagateUpsert(ctx, rec)
	return rec
}

// resolveID expands an id prefix to a single record id in table.
func resolveID(ctx context.Context, svc *daemon.Services, table schema.Table, prefix string) string {
	if _, err := svc.Store.Get(ctx, table, prefix); err == nil {
		return prefix
	}
	recs, err := svc.Store.List(ctx, table, store.Filter{})
	if err != nil {
		fatalf("%v", err)
	}
	var match string
	for _, rec := range recs {
		if strings.HasPrefix(rec.ID, prefix) {
			if match != "" {
				fatalf("%q matches more than one %s", prefix, table)
			}
			match = rec.ID
		}
	}
	if match == "" {
		fatalf("no %s matches %q", table, prefix)
	}
	return match
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
