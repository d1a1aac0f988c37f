package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/orchestra/internal/accumulator"
	"github.com/YoshitsuguKoike/orchestra/internal/agent"
	"github.com/YoshitsuguKoike/orchestra/internal/app"
	"github.com/YoshitsuguKoike/orchestra/internal/infra/persistence/sqlite"
	"github.com/YoshitsuguKoike/orchestra/internal/lock"
	"github.com/YoshitsuguKoike/orchestra/internal/story"
	"github.com/YoshitsuguKoike/orchestra/internal/workflow"
)

func newWorkflowCmd(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Validate and run the story workflow",
	}
	cmd.AddCommand(newWorkflowValidateCmd(rt))
	cmd.AddCommand(newWorkflowRunCmd(rt))
	cmd.AddCommand(newWorkflowPhaseCmd(rt))
	cmd.AddCommand(newWorkflowSessionCmd(rt))
	cmd.AddCommand(newWorkflowJournalCmd(rt))
	cmd.AddCommand(newWorkflowHistoryCmd(rt))
	return cmd
}

func (rt *runtime) workflowPath(flag string) string {
	if flag != "" {
		return flag
	}
	return rt.config.Workflow()
}

func newWorkflowValidateCmd(rt *runtime) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the workflow definition and its prompt templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := workflow.Load(rt.fs, rt.workflowPath(path))
			if err != nil {
				return err
			}
			var problems []error
			for _, p := range def.Phases {
				if p.PromptPath == "" {
					continue
				}
				data, err := afero.ReadFile(rt.fs, filepath.Join(rt.paths.Home, p.PromptPath))
				if err != nil {
					problems = append(problems, fmt.Errorf("phase %s: prompt: %w", p.ID, err))
					continue
				}
				if unknown, _ := workflow.ValidatePlaceholders(string(data), workflow.PromptPlaceholders); len(unknown) > 0 {
					problems = append(problems, fmt.Errorf("phase %s: prompt %s: unknown placeholders %v", p.ID, p.PromptPath, unknown))
				}
			}
			if err := errors.Join(problems...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK: %s (%d phases, starts at %s)\n", def.Name, len(def.Phases), def.Initial().ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "file", "", "workflow definition (default from settings)")
	return cmd
}

// runFlags are shared by "workflow run" and "workflow phase".
type runFlags struct {
	path    string
	dryRun  bool
	workDir string
	files   []string
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.path, "file", "", "workflow definition (default from settings)")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "use a mock agent instead of running the agent binary")
	cmd.Flags().StringVar(&f.workDir, "work-dir", "", "agent working directory (default: project root)")
	cmd.Flags().StringSliceVar(&f.files, "files", nil, "files the story is expected to touch")
}

// workflowRun bundles what a run needs for one story.
type workflowRun struct {
	executor *workflow.Executor
	story    accumulator.Ref
	input    workflow.PhaseInput
	journal  *app.Journal
	history  *sqlite.History
	release  func()
}

func (rt *runtime) prepareRun(ctx context.Context, out io.Writer, f *runFlags, storyID string) (*workflowRun, error) {
	def, err := workflow.Load(rt.fs, rt.workflowPath(f.path))
	if err != nil {
		return nil, err
	}
	refs, err := story.LoadDir(rt.fs, rt.paths.Stories)
	if err != nil {
		return nil, err
	}
	ref := story.Resolve(refs, storyID)
	history := refs
	idx := story.Find(refs, storyID)
	if idx < 0 {
		idx = len(refs)
		rt.logger.Warn("story %s has no record in %s; agent placeholders may not resolve", storyID, rt.paths.Stories)
	} else {
		history = refs[:idx]
	}

	var invoker agent.Invoker
	if f.dryRun {
		invoker = agent.NewMockInvoker()
	} else {
		invoker = agent.CLIInvoker{
			Bin:     rt.config.AgentBin(),
			Args:    rt.config.AgentArgs(),
			Timeout: rt.config.AgentTimeout(),
			Logger:  rt.logger,
		}
	}

	locks := rt.locks()
	resource := "workflow:" + ref.ID
	ok, err := locks.Acquire(resource, lock.Owner("workflow"), lock.TTL(runLockTTL(def, rt.config.AgentTimeout(), rt.config.MaxTransitions())))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("story %s: %w", ref.ID, errLockBusy)
	}

	workDir := f.workDir
	if workDir == "" {
		workDir = rt.paths.ProjectRoot()
	}

	e := workflow.NewExecutor(def, invoker,
		workflow.WithSessionStore(rt.sessions()),
		workflow.WithPromptRoot(rt.fs, rt.paths.Home),
		workflow.WithLogger(rt.logger),
		workflow.WithMetrics(rt.metrics),
		workflow.WithMaxTransitions(rt.config.MaxTransitions()),
	)
	e.OnPhaseChange(func(ev workflow.PhaseChange) {
		fmt.Fprintf(out, "==> %s: phase %s (attempt %d)\n", ev.StoryID, ev.To, ev.Attempt)
	})
	e.OnTerminalSpawn(func(ev workflow.TerminalSpawn) {
		fmt.Fprintf(out, "    agent %s started (pid %d)\n", ev.Agent, ev.PID)
	})
	journal := rt.journal()
	rt.attachJournal(e, journal)
	results, err := sqlite.Open(rt.paths.History)
	if err != nil {
		rt.logger.Warn("phase history disabled: %v", err)
		results = nil
	}

	cache := rt.cache()
	run := &workflowRun{
		executor: e,
		story:    ref,
		journal:  journal,
		history:  results,
		input: workflow.PhaseInput{
			History:      history,
			CurrentIndex: idx,
			TargetFiles:  f.files,
			WorkDir:      workDir,
		},
		release: func() {
			if _, err := locks.Release(resource); err != nil {
				rt.logger.Warn("release %s: %v", resource, err)
			}
			// The story in progress is part of the status document.
			if err := cache.Invalidate(); err != nil {
				rt.logger.Warn("invalidate status cache: %v", err)
			}
			if results != nil {
				results.Close()
			}
		},
	}
	e.OnPhaseResult(func(ev workflow.PhaseCompleted) {
		printResult(out, &ev.Result)
		rt.recordResult(context.WithoutCancel(ctx), run, ev.WorkflowID, &ev.Result)
	})
	return run, nil
}

// runLockTTL covers the longest run the executor allows: every transition
// taking the longest configured timeout.
func runLockTTL(def *workflow.Definition, agentTimeout time.Duration, maxTransitions int) int {
	longest := agentTimeout
	for _, p := range def.Phases {
		if d := time.Duration(p.Timeout); d > longest {
			longest = d
		}
	}
	if maxTransitions <= 0 {
		maxTransitions = workflow.DefaultMaxTransitions
	}
	ttl := int(longest.Seconds()) * maxTransitions
	if ttl < lock.DefaultTTLSeconds {
		ttl = lock.DefaultTTLSeconds
	}
	return ttl
}

func printResult(w io.Writer, r *workflow.PhaseResult) {
	outcome := "ok"
	if !r.Success {
		outcome = "failed: " + r.Error
	}
	next := r.Next
	if next == "" {
		next = "(end)"
	}
	fmt.Fprintf(w, "    %s by %s %s -> %s\n", r.Phase, r.Agent, outcome, next)
}

func newWorkflowRunCmd(rt *runtime) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <story-id>",
		Short: "Drive a story through the workflow until it ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			run, err := rt.prepareRun(cmd.Context(), out, &f, args[0])
			if err != nil {
				return err
			}
			defer run.release()

			final, err := run.executor.Run(cmd.Context(), run.story, run.input)
			if err != nil {
				return err
			}
			if last, ok := final.PhaseResults[final.CurrentPhase]; ok && !last.Success {
				return fmt.Errorf("story %s stopped at phase %s", run.story.ID, final.CurrentPhase)
			}
			fmt.Fprintf(out, "workflow %s finished for story %s\n", final.WorkflowID, run.story.ID)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newWorkflowPhaseCmd(rt *runtime) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "phase <phase-id> <story-id>",
		Short: "Execute a single workflow phase",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			run, err := rt.prepareRun(cmd.Context(), out, &f, args[1])
			if err != nil {
				return err
			}
			defer run.release()

			res, err := run.executor.ExecutePhase(cmd.Context(), args[0], run.story, run.input)
			if err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("phase %s failed", res.Phase)
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newWorkflowSessionCmd(rt *runtime) *cobra.Command {
	var clearSession bool
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Show or clear the persisted workflow session",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := rt.sessions()
			out := cmd.OutOrStdout()
			if clearSession {
				if err := store.Clear(); err != nil {
					return err
				}
				fmt.Fprintln(out, "session cleared")
				return nil
			}
			s, err := store.Load()
			if err != nil {
				return err
			}
			if s == nil {
				fmt.Fprintln(out, "no active session")
				return nil
			}
			b, err := json.MarshalIndent(s, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(b))
			return nil
		},
	}
	cmd.Flags().BoolVar(&clearSession, "clear", false, "abandon the active session")
	return cmd
}
