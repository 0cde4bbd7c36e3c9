package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vtranscriptor/vtsync/internal/realtime"
	"github.com/vtranscriptor/vtsync/internal/schema"
	"github.com/vtranscriptor/vtsync/internal/sync"
	"github.com/vtranscriptor/vtsync/internal/ui"
)

var commentCmd = &cobra.Command{
	Use:     "comment",
	GroupID: "collab",
	Short:   "Comment on transcripts",
}

var commentAddCmd = &cobra.Command{
	Use:   "add <transcript> <text>",
	Short: "Comment on a transcript",
	Long: `Comment on a transcript. Comments are written straight to the remote
and are not queued, so this needs a signed-in, online session.

Examples:
  vtsync comment add 3f2a "Great point here" --at 83.2`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		svc := openServices(ctx, false)
		defer closeServices(svc)
		connect(ctx, svc)

		var at *float64
		if cmd.Flags().Changed("at") {
			v, _ := cmd.Flags().GetFloat64("at")
			at = &v
		}

		trID := resolveID(ctx, svc, schema.TableTranscripts, args[0])
		c, err := svc.Collab.AddComment(ctx, trID, strings.Join(args[1:], " "), at)
		if errors.Is(err, sync.ErrNotEligible) {
			fatalf("comments need a signed-in, online session")
		}
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Added comment %s\n", ui.RenderPass("✓"), shortID(c.ID))
	},
}

func formatComment(c *schema.Comment, me string) string {
	author := shortID(c.UserID)
	if c.UserID == me {
		author = "me"
	}
	created := time.UnixMilli(c.CreatedAt).Format("2006-01-02 15:04")
	ref := ""
	if c.TimestampRef != nil {
		secs := int(*c.TimestampRef)
		ref = ui.RenderAccent(fmt.Sprintf("@%d:%02d ", secs/60, secs%60))
	}
	return fmt.Sprintf("%s %s %s\n  %s%s", ui.RenderMuted(shortID(c.ID)), ui.RenderBold(author), ui.RenderMuted(created), ref, c.Text)
}

var commentLsCmd = &cobra.Command{
	Use:   "ls <transcript>",
	Short: "List comments on a transcript",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		svc := openServices(ctx, false)
		defer closeServices(svc)
		if !connect(ctx, svc) && svc.Remote != nil {
			fmt.Fprintf(os.Stderr, "%s Offline, showing local comments\n", ui.RenderWarn("⚠"))
		}

		trID := resolveID(ctx, svc, schema.TableTranscripts, args[0])
		comments, err := svc.Collab.LoadComments(ctx, trID)
		if err != nil {
			fatalf("%v", err)
		}
		if len(comments) == 0 {
			fmt.Println("No comments")
			return
		}
		me := svc.Session.CurrentPrincipal()
		for _, c := range comments {
			fmt.Println(formatComment(c, me))
		}
	},
}

var commentRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete one of your comments",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		svc := openServices(ctx, false)
		defer closeServices(svc)
		connect(ctx, svc)

		id := resolveID(ctx, svc, schema.TableComments, args[0])
		if err := svc.Collab.DeleteComment(ctx, id); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Deleted comment %s\n", ui.RenderPass("✓"), shortID(id))
	},
}

var commentWatchCmd = &cobra.Command{
	Use:   "watch <transcript>",
	Short: "Stream new comments on a transcript",
	Long: `Stream comments on a transcript as they are added or removed.
Incoming comments are also saved to the local store. Press Ctrl+C to stop.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		svc := openServices(ctx, false)
		defer closeServices(svc)

		trID := resolveID(ctx, svc, schema.TableTranscripts, args[0])
		me := svc.Session.CurrentPrincipal()
		svc.Feed.SetOnEvent(func(ev realtime.Event) {
			switch ev.Type {
			case realtime.EventDelete:
				fmt.Printf("%s comment %s deleted\n", ui.RenderWarn("-"), shortID(ev.Row.ID()))
			case realtime.EventInsert, realtime.EventUpdate:
				rec, err := schema.RowToRecord(schema.TableComments, ev.Row)
				if err != nil {
					return
				}
				var c schema.Comment
				if err := schema.Decode(rec, &c); err != nil {
					return
				}
				fmt.Println(formatComment(&c, me))
			}
		})

		if err := svc.Collab.Watch(ctx, trID); err != nil {
			fatalf("failed to watch comments: %v", err)
		}
		defer svc.Collab.Leave()
		done := svc.Feed.Done()

		fmt.Printf("%s Watching comments on %s (Ctrl+C to stop)\n", ui.RenderAccent("👀"), shortID(trID))
		select {
		case <-ctx.Done():
		case <-done:
			fmt.Fprintf(os.Stderr, "%s Realtime connection closed\n", ui.RenderWarn("⚠"))
		}
	},
}

func init() {
	commentAddCmd.Flags().Float64("at", 0, "Playback position in seconds")

	commentCmd.AddCommand(commentAddCmd)
	commentCmd.AddCommand(commentLsCmd)
	commentCmd.AddCommand(commentRmCmd)
	commentCmd.AddCommand(commentWatchCmd)
	rootCmd.AddCommand(commentCmd)
}
