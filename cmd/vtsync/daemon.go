package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vtranscriptor/vtsync/internal/daemon"
	"github.com/vtranscriptor/vtsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync daemon (foreground)",
	Long: `Run the sync daemon in the foreground.

The daemon will:
  1. Probe the remote and track connectivity
  2. Drain the queue and pull whenever the session comes online
  3. Sync periodically (sync.interval)
  4. Apply [session] changes from the config file without a restart

With --relay it also serves the realtime hub and signed blob downloads.`,
	Run: func(cmd *cobra.Command, args []string) {
		relay, _ := cmd.Flags().GetBool("relay")

		ctx, cancel := signalContext()
		defer cancel()

		svc := openServices(ctx, true)
		defer closeServices(svc)

		d := daemon.New(svc, daemon.Options{ConfigPath: configPath, Relay: relay})

		fmt.Printf("%s Starting vtsync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Store: %s\n", svc.Store.Path())
		fmt.Printf("   Config: %s\n", configPath)
		fmt.Printf("   Session: %s\n", svc.Session.State())
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := d.Run(ctx); err != nil {
			fatalf("daemon stopped with error: %v", err)
		}
	},
}

var relayCmd = &cobra.Command{
	Use:     "relay",
	GroupID: "advanced",
	Short:   "Run the realtime and blob relay",
	Long: `Run the relay next to the remote authority.

The relay listens for row changes on the Postgres channel vt_changes and
fans comment events out to websocket subscribers:

  ws://HOST/realtime?topic=comments:<transcriptId>

It also serves audio behind signed URLs:

  http://HOST/blobs/<bucket>/<path>?expires=...&sig=...

Health check: http://HOST/health`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()

		svc := openServices(ctx, true)
		defer closeServices(svc)

		if svc.Remote == nil {
			fatalf("relay needs remote.url in %s", configPath)
		}

		d := daemon.New(svc, daemon.Options{RelayOnly: true})
		go func() {
			<-d.Ready()
			fmt.Printf("%s Relay listening on %s\n", ui.RenderAccent("📡"), d.RelayAddr())
			fmt.Printf("   Realtime: %s\n", svc.Config.RealtimeURL())
			fmt.Printf("\nPress Ctrl+C to stop\n\n")
		}()

		if err := d.Run(ctx); err != nil {
			fatalf("relay stopped with error: %v", err)
		}
	},
}

func init() {
	daemonCmd.Flags().Bool("relay", false, "Also run the realtime and blob relay")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(relayCmd)
}
