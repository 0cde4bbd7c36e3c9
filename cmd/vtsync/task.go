package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/vtranscriptor/vtsync/internal/schema"
	"github.com/vtranscriptor/vtsync/internal/store"
	"github.com/vtranscriptor/vtsync/internal/ui"
)

// dueDateFormat is how task due dates are stored.
const dueDateFormat = "2006-01-02"

var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseDueDate accepts a calendar date or natural language ("tomorrow",
// "next friday", "in 3 days") relative to now.
func parseDueDate(s string, now time.Time) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	if t, err := time.Parse(dueDateFormat, s); err == nil {
		return t.Format(dueDateFormat), nil
	}
	r, err := dateParser.Parse(s, now)
	if err != nil {
		return "", fmt.Errorf("invalid due date %q: %w", s, err)
	}
	if r == nil {
		return "", fmt.Errorf("invalid due date %q", s)
	}
	return r.Time.Format(dueDateFormat), nil
}

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "data",
	Short:   "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Create a task",
	Long: `Create a task.

Examples:
  vtsync task add "Send minutes" --due tomorrow
  vtsync task add "Review draft" --due "next friday" --priority high
  vtsync task add "Follow up" --transcript 3f2a --at 754.5`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		due, _ := cmd.Flags().GetString("due")
		priority, _ := cmd.Flags().GetString("priority")
		transcript, _ := cmd.Flags().GetString("transcript")
		description, _ := cmd.Flags().GetString("description")

		dueDate, err := parseDueDate(due, time.Now())
		if err != nil {
			fatalf("%v", err)
		}
		if !schema.TaskPriority(priority).IsValid() {
			fatalf("invalid priority %q (want high, medium or low)", priority)
		}

		ctx, cancel := signalContext()
		defer cancel()
		svc := openServices(ctx, false)
		defer closeServices(svc)
		connect(ctx, svc)

		task := schema.NewTask(strings.Join(args, " "))
		task.UserID = svc.Session.CurrentPrincipal()
		task.Priority = schema.TaskPriority(priority)
		task.Description = description
		task.DueDate = dueDate
		if transcript != "" {
			task.TranscriptionID = resolveID(ctx, svc, schema.TableTranscripts, transcript)
		}
		if cmd.Flags().Changed("at") {
			at, _ := cmd.Flags().GetFloat64("at")
			task.LinkedTimestamp = &at
		}
		save(ctx, svc, task)

		fmt.Printf("%s Created task %s\n", ui.RenderPass("✓"), shortID(task.ID))
		if task.DueDate != "" {
			fmt.Printf("   Due: %s\n", task.DueDate)
		}
	},
}

// setTaskStatus loads a task, applies status and saves it.
func setTaskStatus(id string, status schema.TaskStatus) {
	ctx, cancel := signalContext()
	defer cancel()
	svc := openServices(ctx, false)
	defer closeServices(svc)
	connect(ctx, svc)

	id = resolveID(ctx, svc, schema.TableTasks, id)
	rec, err := svc.Store.Get(ctx, schema.TableTasks, id)
	if err != nil {
		fatalf("%v", err)
	}
	var task schema.Task
	if err := schema.Decode(rec, &task); err != nil {
		fatalf("%v", err)
	}
	task.SetStatus(status, schema.NowMillis())
	save(ctx, svc, &task)

	fmt.Printf("%s %s is %s\n", ui.RenderPass("✓"), shortID(task.ID), status)
}

var taskDoneCmd = &cobra.Command{
	Use:   "done <id>",
	Short: "Mark a task done",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setTaskStatus(args[0], schema.TaskDone)
	},
}

var taskStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Mark a task in progress",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setTaskStatus(args[0], schema.TaskInProgress)
	},
}

var taskRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		svc := openServices(ctx, false)
		defer closeServices(svc)
		connect(ctx, svc)

		id := resolveID(ctx, svc, schema.TableTasks, args[0])
		if err := svc.Store.Delete(ctx, schema.TableTasks, id); err != nil {
			fatalf("%v", err)
		}
		svc.Engine.PropagateDelete(ctx, schema.TableTasks, id)
		fmt.Printf("%s Deleted task %s\n", ui.RenderPass("✓"), shortID(id))
	},
}

var taskLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List tasks",
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		transcript, _ := cmd.Flags().GetString("transcript")

		ctx, cancel := signalContext()
		defer cancel()
		svc := openServices(ctx, false)
		defer closeServices(svc)

		filter := store.Filter{OrderBy: store.OrderCreated}
		if transcript != "" {
			filter.ParentID = resolveID(ctx, svc, schema.TableTranscripts, transcript)
		}
		recs, err := svc.Store.List(ctx, schema.TableTasks, filter)
		if err != nil {
			fatalf("%v", err)
		}

		var rows [][]string
		for _, rec := range recs {
			var task schema.Task
			if err := schema.Decode(rec, &task); err != nil {
				continue
			}
			if task.Status == schema.TaskDone && !all {
				continue
			}
			status := string(task.Status)
			if task.Status == schema.TaskDone {
				status = ui.RenderPass(status)
			}
			rows = append(rows, []string{shortID(task.ID), status, string(task.Priority), task.DueDate, task.Title})
		}
		if len(rows) == 0 {
			fmt.Println("No tasks")
			return
		}
		fmt.Print(ui.Table([]string{"ID", "STATUS", "PRIORITY", "DUE", "TITLE"}, rows))
	},
}

func init() {
	taskAddCmd.Flags().String("due", "", "Due date (YYYY-MM-DD or natural language)")
	taskAddCmd.Flags().String("priority", string(schema.PriorityMedium), "Priority: high, medium or low")
	taskAddCmd.Flags().String("transcript", "", "Link to a transcript (id or prefix)")
	taskAddCmd.Flags().Float64("at", 0, "Link to a playback position in seconds")
	taskAddCmd.Flags().StringP("description", "d", "", "Description")
	taskLsCmd.Flags().BoolP("all", "a", false, "Include done tasks")
	taskLsCmd.Flags().String("transcript", "", "Only tasks of this transcript")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskDoneCmd)
	taskCmd.AddCommand(taskStartCmd)
	taskCmd.AddCommand(taskRmCmd)
	taskCmd.AddCommand(taskLsCmd)
	rootCmd.AddCommand(taskCmd)
}
