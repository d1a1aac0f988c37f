package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/orchestra/internal/accumulator"
	"github.com/YoshitsuguKoike/orchestra/internal/story"
)

func newContextCmd(rt *runtime) *cobra.Command {
	var (
		files   []string
		budget  int
		summary bool
	)
	cmd := &cobra.Command{
		Use:   "context <story-id>",
		Short: "Print the accumulated context an agent would receive for a story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs, err := story.LoadDir(rt.fs, rt.paths.Stories)
			if err != nil {
				return err
			}
			idx := story.Find(refs, args[0])
			history := refs
			target := accumulator.Target{Files: files}
			if idx >= 0 {
				// Only stories before the current one are history.
				history = refs[:idx]
				target.Executor = refs[idx].Story.Executor
			} else {
				idx = len(refs)
			}

			cfg := accumulator.DefaultConfig()
			if budget > 0 {
				cfg.Budget = budget
			}
			res := cfg.Accumulate(history, idx, target)
			rt.metrics.ContextTokens(res.Tokens)

			out := cmd.OutOrStdout()
			if summary {
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "STORY\tLEVEL\tTOKENS\tNOTE")
				for _, e := range res.Entries {
					var notes []string
					if e.Upgraded {
						notes = append(notes, "upgraded")
					}
					if e.Truncated {
						notes = append(notes, "truncated")
					}
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", e.ID, e.Level, e.Tokens, strings.Join(notes, ","))
				}
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(out, "%d stories, %d omitted, ~%d tokens (budget %d)\n", len(res.Entries), res.Omitted, res.Tokens, cfg.Budget)
				return nil
			}
			if res.Empty() {
				fmt.Fprintln(cmd.ErrOrStderr(), "no earlier stories")
				return nil
			}
			fmt.Fprintln(out, res.Text)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&files, "files", nil, "files the story will touch (upgrades overlapping stories)")
	cmd.Flags().IntVar(&budget, "budget", 0, "token budget (default 8000)")
	cmd.Flags().BoolVar(&summary, "summary", false, "print per-story levels instead of the context text")
	return cmd
}
