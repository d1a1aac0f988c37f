package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/orchestra/internal/app"
	"github.com/YoshitsuguKoike/orchestra/internal/infra/persistence/sqlite"
	"github.com/YoshitsuguKoike/orchestra/internal/workflow"
)

func (rt *runtime) journal() *app.Journal {
	return app.NewJournal(rt.fs, rt.paths.Journal)
}

// attachJournal records executor events. Journal failures never stop a run.
func (rt *runtime) attachJournal(e *workflow.Executor, j *app.Journal) {
	write := func(entry app.JournalEntry) {
		if err := j.Append(entry); err != nil {
			rt.logger.Warn("journal %s: %v", entry.Event, err)
		}
	}
	e.OnPhaseChange(func(ev workflow.PhaseChange) {
		write(app.JournalEntry{
			Event:      app.EventPhaseChange,
			WorkflowID: ev.WorkflowID,
			StoryID:    ev.StoryID,
			Phase:      ev.To,
			From:       ev.From,
			Attempt:    ev.Attempt,
		})
	})
	e.OnAgentSpawn(func(ev workflow.AgentSpawn) {
		write(app.JournalEntry{
			Event:      app.EventAgentSpawn,
			WorkflowID: ev.WorkflowID,
			StoryID:    ev.StoryID,
			Phase:      ev.Phase,
			Agent:      ev.Agent,
		})
	})
	e.OnTerminalSpawn(func(ev workflow.TerminalSpawn) {
		write(app.JournalEntry{
			Event:      app.EventTerminalSpawn,
			WorkflowID: ev.WorkflowID,
			StoryID:    ev.StoryID,
			Phase:      ev.Phase,
			Agent:      ev.Agent,
			PID:        ev.PID,
		})
	})
}

// recordResult appends r to the journal and the phase history.
func (rt *runtime) recordResult(ctx context.Context, run *workflowRun, workflowID string, r *workflow.PhaseResult) {
	success := r.Success
	err := run.journal.Append(app.JournalEntry{
		Event:      app.EventPhaseResult,
		WorkflowID: workflowID,
		StoryID:    run.story.ID,
		Phase:      r.Phase,
		Agent:      r.Agent,
		Attempt:    r.Attempt,
		Success:    &success,
		Error:      r.Error,
		ElapsedMs:  r.Duration.Milliseconds(),
		Next:       r.Next,
	})
	if err != nil {
		rt.logger.Warn("journal %s: %v", app.EventPhaseResult, err)
	}
	if run.history == nil {
		return
	}
	if err := run.history.Record(ctx, workflowID, run.story.ID, *r); err != nil {
		rt.logger.Warn("history: %v", err)
	}
}

func newWorkflowJournalCmd(rt *runtime) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recent workflow events",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, skipped, err := rt.journal().Tail(limit)
			if err != nil {
				return err
			}
			if skipped > 0 {
				rt.logger.Warn("journal: skipped %d unreadable line(s)", skipped)
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No journal entries")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tEVENT\tSTORY\tPHASE\tDETAIL")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Ts, e.Event, e.StoryID, e.Phase, journalDetail(e))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show (0 for all)")
	return cmd
}

func journalDetail(e app.JournalEntry) string {
	switch e.Event {
	case app.EventPhaseChange:
		if e.From == "" {
			return fmt.Sprintf("start, attempt %d", e.Attempt)
		}
		return fmt.Sprintf("from %s, attempt %d", e.From, e.Attempt)
	case app.EventAgentSpawn:
		return e.Agent
	case app.EventTerminalSpawn:
		return fmt.Sprintf("%s pid %d", e.Agent, e.PID)
	case app.EventPhaseResult:
		if e.Success != nil && *e.Success {
			return fmt.Sprintf("ok in %dms", e.ElapsedMs)
		}
		return "failed: " + e.Error
	}
	return ""
}

func newWorkflowHistoryCmd(rt *runtime) *cobra.Command {
	var workflowID bool
	cmd := &cobra.Command{
		Use:   "history <story-id|workflow-id>",
		Short: "List recorded phase results for a story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := sqlite.Open(rt.paths.History)
			if err != nil {
				return err
			}
			defer h.Close()

			var entries []sqlite.Entry
			if workflowID {
				entries, err = h.ForWorkflow(cmd.Context(), args[0])
			} else {
				entries, err = h.ForStory(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintf(out, "No phase results for %s\n", args[0])
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tWORKFLOW\tPHASE\tAGENT\tATTEMPT\tRESULT\tNEXT")
			for _, e := range entries {
				result := "ok"
				if !e.Success {
					result = "failed"
				}
				next := e.Next
				if next == "" {
					next = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					e.StartedAt.Local().Format("2006-01-02 15:04:05"), e.WorkflowID, e.Phase, e.Agent, e.Attempt, result, next)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&workflowID, "workflow", false, "treat the argument as a workflow id")
	return cmd
}
