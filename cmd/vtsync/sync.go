package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/vtranscriptor/vtsync/internal/schema"
	"github.com/vtranscriptor/vtsync/internal/sync"
	"github.com/vtranscriptor/vtsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Drain the queue and pull remote changes",
	Long: `Run one sync cycle:
  1. Push queued operations in order, stopping at the first failure
  2. Pull every table and merge by last-write-wins

Does nothing for guests or when the remote is unreachable.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		svc := openServices(ctx, false)
		defer closeServices(svc)

		if !connect(ctx, svc) {
			fmt.Printf("%s Not syncing: %s\n", ui.RenderWarn("⚠"), svc.Session.State())
			return
		}

		start := time.Now()
		res, err := svc.Engine.SyncAll(ctx)
		if err != nil {
			fatalf("sync failed: %v", err)
		}
		if res.Skipped {
			fmt.Printf("%s Sync already running\n", ui.RenderWarn("⚠"))
			return
		}

		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Pushed: %d\n", res.Pushed)
		if res.Held > 0 {
			fmt.Printf("   Held (other account): %d\n", res.Held)
		}
		if res.Failed != "" {
			fmt.Printf("   %s Stopped at %s\n", ui.RenderFail("✗"), res.Failed)
		}
		if res.Pull != nil {
			fmt.Printf("   Pulled: %d fetched, %d applied\n", fetched(res.Pull), res.Pull.Total())
		}
		fmt.Printf("   Remaining: %d\n", res.Remaining)
	},
}

var pullCmd = &cobra.Command{
	Use:     "pull",
	GroupID: "sync",
	Short:   "Pull remote changes without pushing",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		svc := openServices(ctx, false)
		defer closeServices(svc)

		connect(ctx, svc)
		res, err := svc.Engine.Pull(ctx)
		if err != nil {
			fatalf("pull failed: %v", err)
		}
		fmt.Printf("%s Pulled %d records, applied %d\n", ui.RenderPass("✓"), fetched(res), res.Total())
		for _, table := range schema.Tables {
			if n := res.Applied[table]; n > 0 {
				fmt.Printf("   %s: %d\n", table, n)
			}
		}
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show session and queue status",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		svc := openServices(ctx, false)
		defer closeServices(svc)

		connect(ctx, svc)
		st := svc.Engine.Status()

		remote := ui.RenderMuted("not configured")
		if svc.Remote != nil {
			remote = "configured"
		}
		principal := st.Principal
		if principal == "" {
			principal = ui.RenderMuted("guest")
		}
		canSync := ui.RenderWarn("no")
		if st.CanSync {
			canSync = ui.RenderPass("yes")
		}

		fmt.Printf("\n%s vtsync status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Store: %s\n", svc.Store.Path())
		fmt.Printf("Remote: %s\n", remote)
		fmt.Printf("Session: %s\n", st.State)
		fmt.Printf("Principal: %s\n", principal)
		fmt.Printf("Can sync: %s\n", canSync)
		fmt.Printf("Queued operations: %d\n", st.QueueDepth)
		fmt.Println()
	},
}

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "List queued operations",
	Run: func(cmd *cobra.Command, args []string) {
		jsonOutput, _ := cmd.Flags().GetBool("json")

		ctx, cancel := signalContext()
		defer cancel()
		svc := openServices(ctx, false)
		defer closeServices(svc)

		ops := svc.Queue.Snapshot()
		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(ops); err != nil {
				fatalf("%v", err)
			}
			return
		}
		if len(ops) == 0 {
			fmt.Println("Queue is empty")
			return
		}

		rows := make([][]string, 0, len(ops))
		for _, op := range ops {
			rows = append(rows, []string{
				time.UnixMilli(op.EnqueuedAt).Format("2006-01-02 15:04:05"),
				string(op.Kind),
				string(op.Table),
				op.RecordID(),
				op.Principal(),
			})
		}
		fmt.Print(ui.Table([]string{"QUEUED", "OP", "TABLE", "RECORD", "ACCOUNT"}, rows))
	},
}

var enableSyncCmd = &cobra.Command{
	Use:     "enable-sync",
	GroupID: "sync",
	Short:   "Claim local records for the signed in account and push them",
	Long: `Submit records created before signing in.

Guest data is never synced on its own. This command assigns every
unowned local record to the signed in account and pushes it (or queues it
when offline). Records owned by another account are left alone.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		svc := openServices(ctx, false)
		defer closeServices(svc)

		connect(ctx, svc)
		n, err := svc.Engine.EnableSync(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Claimed %d records\n", ui.RenderPass("✓"), n)
		if q := svc.Queue.Len(); q > 0 {
			fmt.Printf("   %d operations queued until online\n", q)
		}
	},
}

var uploadCmd = &cobra.Command{
	Use:     "upload <file>",
	GroupID: "data",
	Short:   "Upload an audio file and print a signed URL",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		contentType, _ := cmd.Flags().GetString("type")

		data, err := os.ReadFile(args[0])
		if err != nil {
			fatalf("%v", err)
		}

		ctx, cancel := signalContext()
		defer cancel()
		svc := openServices(ctx, false)
		defer closeServices(svc)

		connect(ctx, svc)
		path, err := svc.Engine.UploadAudio(ctx, filepath.Base(args[0]), data, contentType)
		if err != nil {
			fatalf("upload failed: %v", err)
		}
		url, err := svc.Engine.AudioURL(ctx, path)
		if err != nil {
			fatalf("failed to sign url: %v", err)
		}
		fmt.Printf("%s Uploaded %s\n", ui.RenderPass("✓"), path)
		fmt.Printf("   URL (valid 1h): %s\n", url)
	},
}

func fetched(p *sync.PullResult) int {
	n := 0
	for _, c := range p.Fetched {
		n += c
	}
	return n
}

func init() {
	queueCmd.Flags().Bool("json", false, "Output as JSON")
	uploadCmd.Flags().String("type", "audio/webm", "Content type")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(enableSyncCmd)
	rootCmd.AddCommand(uploadCmd)
}
