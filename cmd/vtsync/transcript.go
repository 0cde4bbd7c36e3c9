package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vtranscriptor/vtsync/internal/schema"
	"github.com/vtranscriptor/vtsync/internal/store"
	"github.com/vtranscriptor/vtsync/internal/ui"
)

var transcriptCmd = &cobra.Command{
	Use:     "transcript",
	Aliases: []string{"tr"},
	GroupID: "data",
	Short:   "Manage transcripts",
}

var transcriptAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Create a transcript",
	Long: `Create a transcript, optionally from a text file.

Examples:
  vtsync transcript add "Weekly sync"
  vtsync transcript add "Interview" --audio recordings/abc.webm --language de`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		language, _ := cmd.Flags().GetString("language")
		mode, _ := cmd.Flags().GetString("mode")
		audio, _ := cmd.Flags().GetString("audio")
		text, _ := cmd.Flags().GetString("text")

		ctx, cancel := signalContext()
		defer cancel()
		svc := openServices(ctx, false)
		defer closeServices(svc)
		connect(ctx, svc)

		tr := schema.NewTranscript(args[0])
		tr.UserID = svc.Session.CurrentPrincipal()
		tr.Language = language
		tr.Mode = mode
		tr.AudioFileURL = audio
		tr.RawText = text
		if text != "" {
			tr.Status = schema.TranscriptCompleted
		}
		save(ctx, svc, tr)

		fmt.Printf("%s Created transcript %s\n", ui.RenderPass("✓"), shortID(tr.ID))
	},
}

var transcriptLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List transcripts",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		svc := openServices(ctx, false)
		defer closeServices(svc)

		recs, err := svc.Store.List(ctx, schema.TableTranscripts, store.Filter{OrderBy: store.OrderUpdated})
		if err != nil {
			fatalf("%v", err)
		}
		if len(recs) == 0 {
			fmt.Println("No transcripts")
			return
		}

		me := svc.Session.CurrentPrincipal()
		var rows [][]string
		for _, rec := range recs {
			var tr schema.Transcript
			if err := schema.Decode(rec, &tr); err != nil {
				continue
			}
			owner := "me"
			switch {
			case tr.UserID == "":
				owner = ui.RenderMuted("local")
			case tr.UserID != me:
				owner = shortID(tr.UserID)
			}
			updated := time.UnixMilli(tr.UpdatedAt).Format("2006-01-02 15:04")
			rows = append(rows, []string{shortID(tr.ID), string(tr.Status), owner, updated, ui.Truncate(tr.Title, 48)})
		}
		fmt.Print(ui.Table([]string{"ID", "STATUS", "OWNER", "UPDATED", "TITLE"}, rows))
	},
}

var transcriptRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a transcript",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		svc := openServices(ctx, false)
		defer closeServices(svc)
		connect(ctx, svc)

		id := resolveID(ctx, svc, schema.TableTranscripts, args[0])
		if err := svc.Store.Delete(ctx, schema.TableTranscripts, id); err != nil {
			fatalf("%v", err)
		}
		svc.Engine.PropagateDelete(ctx, schema.TableTranscripts, id)
		fmt.Printf("%s Deleted transcript %s\n", ui.RenderPass("✓"), shortID(id))
	},
}

func init() {
	transcriptAddCmd.Flags().String("language", "en", "Language code")
	transcriptAddCmd.Flags().String("mode", "general", "Transcription mode")
	transcriptAddCmd.Flags().String("audio", "", "Storage path of the uploaded audio")
	transcriptAddCmd.Flags().String("text", "", "Transcript text")

	transcriptCmd.AddCommand(transcriptAddCmd)
	transcriptCmd.AddCommand(transcriptLsCmd)
	transcriptCmd.AddCommand(transcriptRmCmd)
	rootCmd.AddCommand(transcriptCmd)
}
