package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vtranscriptor/vtsync/internal/daemon"
	"github.com/vtranscriptor/vtsync/internal/schema"
	"github.com/vtranscriptor/vtsync/internal/sync"
	"github.com/vtranscriptor/vtsync/internal/ui"
)

// requireOnline exits unless the session can reach the remote.
func requireOnline(svc *daemon.Services, what string) {
	if svc.Remote == nil {
		fatalf("%s needs a remote; set [remote] url in the config file", what)
	}
	if svc.Session.CurrentPrincipal() == "" {
		fatalf("%s needs a signed-in session; set [session] principal in the config file", what)
	}
	if !svc.Engine.CanSync() {
		fatalf("%s needs the remote, which is unreachable", what)
	}
}

var shareCmd = &cobra.Command{
	Use:     "share <transcript> <email>",
	GroupID: "collab",
	Short:   "Share a transcript with another account",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		svc := openServices(ctx, false)
		defer closeServices(svc)
		connect(ctx, svc)
		requireOnline(svc, "sharing")

		trID := resolveID(ctx, svc, schema.TableTranscripts, args[0])
		userID, err := svc.Collab.Share(ctx, trID, args[1])
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Shared %s with %s (%s)\n", ui.RenderPass("✓"), shortID(trID), args[1], shortID(userID))
	},
}

var unshareCmd = &cobra.Command{
	Use:     "unshare <transcript> <email|user-id>",
	GroupID: "collab",
	Short:   "Revoke another account's access to a transcript",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		svc := openServices(ctx, false)
		defer closeServices(svc)
		connect(ctx, svc)
		requireOnline(svc, "sharing")

		trID := resolveID(ctx, svc, schema.TableTranscripts, args[0])
		userID := args[1]
		if strings.Contains(userID, "@") {
			id, err := svc.Collab.LookupUser(ctx, userID)
			if err != nil {
				fatalf("%v", err)
			}
			userID = id
		}
		if err := svc.Collab.Unshare(ctx, trID, userID); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Revoked %s's access to %s\n", ui.RenderPass("✓"), args[1], shortID(trID))
	},
}

var sharedCmd = &cobra.Command{
	Use:     "shared",
	GroupID: "collab",
	Short:   "List transcripts others have shared with you",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		svc := openServices(ctx, false)
		defer closeServices(svc)
		connect(ctx, svc)

		list, err := svc.Collab.SharedWithMe(ctx)
		if errors.Is(err, sync.ErrNotEligible) {
			fatalf("listing shared transcripts needs a signed-in, online session")
		}
		if err != nil {
			fatalf("%v", err)
		}
		if len(list) == 0 {
			fmt.Println("Nothing has been shared with you")
			return
		}
		var rows [][]string
		for _, tr := range list {
			rows = append(rows, []string{shortID(tr.ID), shortID(tr.UserID), ui.Truncate(tr.Title, 48)})
		}
		fmt.Print(ui.Table([]string{"ID", "OWNER", "TITLE"}, rows))
	},
}

func init() {
	rootCmd.AddCommand(shareCmd)
	rootCmd.AddCommand(unshareCmd)
	rootCmd.AddCommand(sharedCmd)
}
