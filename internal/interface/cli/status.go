package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/orchestra/internal/status"
)

// StatusOutput is the --json document of "orchestra status".
type StatusOutput struct {
	Status *status.Status `json:"status"`
	Active bool           `json:"active"`
	Cache  string         `json:"cache"`
}

func newStatusCmd(rt *runtime) *cobra.Command {
	var (
		jsonOutput bool
		refresh    bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show repository and workflow status",
		Long: `Show the branch, modified files, recent commits, worktrees and the story
in progress. The result is cached per worktree and regenerated when the git
state changes or the cache expires.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := rt.cache()
			var st *status.Status
			if refresh {
				fresh, err := c.Refresh(cmd.Context())
				if err != nil {
					rt.logger.Warn("status cache not written: %v", err)
				}
				st = fresh
			} else {
				st = c.Load(cmd.Context())
			}

			if jsonOutput {
				out := StatusOutput{Status: st, Active: st.Active, Cache: c.Path()}
				b, err := json.MarshalIndent(out, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal json: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return nil
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status in JSON format")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Ignore the cache and regenerate")
	return cmd
}

func printStatus(w io.Writer, st *status.Status) {
	if st.CurrentStory != nil {
		s := st.CurrentStory
		fmt.Fprintf(w, "Story   : %s %s\n", s.ID, s.Title)
		fmt.Fprintf(w, "Phase   : %s (executor %s)\n", s.Phase, s.Executor)
	} else {
		fmt.Fprintln(w, "Story   : none")
	}
	if !st.IsGitRepo {
		fmt.Fprintln(w, "Git     : not a repository")
		return
	}
	fmt.Fprintf(w, "Branch  : %s\n", st.Branch)
	fmt.Fprintf(w, "Modified: %d\n", st.ModifiedTotal)
	for _, f := range st.ModifiedFiles {
		fmt.Fprintf(w, "  %s\n", f)
	}
	if more := st.ModifiedTotal - len(st.ModifiedFiles); more > 0 {
		fmt.Fprintf(w, "  ... and %d more\n", more)
	}
	if len(st.RecentCommits) > 0 {
		fmt.Fprintln(w, "Commits :")
		for _, c := range st.RecentCommits {
			fmt.Fprintf(w, "  %s %s\n", c.Hash, c.Subject)
		}
	}
	if len(st.Worktrees) > 1 {
		fmt.Fprintln(w, "Worktrees:")
		for _, wt := range st.Worktrees {
			marker := " "
			if wt.Current {
				marker = "*"
			}
			fmt.Fprintf(w, "  %s %s [%s]\n", marker, wt.Path, wt.Branch)
		}
	}
}
