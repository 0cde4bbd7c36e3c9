package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vtranscriptor/vtsync/internal/loadtest"
	"github.com/vtranscriptor/vtsync/internal/remote"
	"github.com/vtranscriptor/vtsync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Simulate many devices reconnecting at once",
	Long: `Simulate a fleet of devices that each write tasks offline and then
reconnect and sync at the same moment, and check that every device and the
remote converge on the same data.

By default the fleet syncs against an in-memory remote. With --use-remote it
uses the configured Postgres remote under a throwaway principal.`,
	Run: func(cmd *cobra.Command, args []string) {
		clients, _ := cmd.Flags().GetInt("clients")
		records, _ := cmd.Flags().GetInt("records")
		useRemote, _ := cmd.Flags().GetBool("use-remote")

		ctx, cancel := signalContext()
		defer cancel()

		cfg := loadtest.Config{
			Clients: clients,
			Records: records,
			Remote:  remote.NewMemory(nil),
		}

		dir, err := os.MkdirTemp("", "vtsync-loadtest-")
		if err != nil {
			fatalf("%v", err)
		}
		defer os.RemoveAll(dir)
		cfg.Dir = dir

		if useRemote {
			svc := openServices(ctx, false)
			defer closeServices(svc)
			if svc.Remote == nil {
				fatalf("no remote configured")
			}
			cfg.Remote = svc.Remote
			cfg.Principal = "loadtest-" + uuid.NewString()
			cfg.Logger = svc.Logs.For("loadtest")
		}

		fmt.Printf("%s Running %d clients x %d records\n", ui.RenderAccent("🚀"), clients, records)
		report, err := loadtest.Run(ctx, cfg)
		if err != nil {
			fatalf("%v", err)
		}

		fmt.Println()
		report.Writes.WriteStats(os.Stdout, "Offline writes")
		fmt.Println()
		report.Syncs.WriteStats(os.Stdout, "Reconnect syncs")
		fmt.Println()

		if !report.Converged {
			for _, p := range report.Problems {
				fmt.Printf("%s %s\n", ui.RenderFail("✗"), p)
			}
			os.Exit(1)
		}
		fmt.Printf("%s Converged: remote and %d clients hold %d tasks\n", ui.RenderPass("✓"), report.Clients, report.Remote)
	},
}

func init() {
	loadtestCmd.Flags().Int("clients", 10, "Number of simulated devices")
	loadtestCmd.Flags().Int("records", 20, "Tasks each device writes offline")
	loadtestCmd.Flags().Bool("use-remote", false, "Sync against the configured remote")
	rootCmd.AddCommand(loadtestCmd)
}
