package cli

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/orchestra/internal/lock"
)

// errLockBusy makes "lock acquire" exit non-zero when another live owner
// holds the lock.
var errLockBusy = errors.New("lock is held by another process")

func newLockCmd(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Manage advisory resource locks",
		Long: `Manage the file-based advisory locks agents use to coordinate access
to shared resources. Locks owned by a dead process or older than their TTL
are stale and may be taken over.`,
	}
	cmd.AddCommand(newLockAcquireCmd(rt))
	cmd.AddCommand(newLockReleaseCmd(rt))
	cmd.AddCommand(newLockStatusCmd(rt))
	cmd.AddCommand(newLockListCmd(rt))
	cmd.AddCommand(newLockCleanupCmd(rt))
	return cmd
}

// ownerPID defaults to the parent process: the shell or agent that runs
// this command is the one holding the lock.
func ownerPID(flag int) int {
	if flag > 0 {
		return flag
	}
	return os.Getppid()
}

func newLockAcquireCmd(rt *runtime) *cobra.Command {
	var (
		ttl   int
		owner string
		pid   int
		wait  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "acquire <resource>",
		Short: "Take a lock, optionally waiting for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := rt.locks(lock.WithPID(ownerPID(pid)))
			opts := []lock.AcquireOption{lock.TTL(ttl), lock.Owner(owner)}

			var ok bool
			var err error
			if wait > 0 {
				ok, err = m.AcquireWait(cmd.Context(), args[0], wait, opts...)
			} else {
				ok, err = m.Acquire(args[0], opts...)
			}
			if err != nil {
				return err
			}
			if !ok {
				if rec, _ := m.Get(args[0]); rec != nil {
					return fmt.Errorf("%s: %w (pid %d, owner %s)", args[0], errLockBusy, rec.PID, rec.Owner)
				}
				return fmt.Errorf("%s: %w", args[0], errLockBusy)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "acquired %s (pid %d)\n", args[0], m.PID())
			return nil
		},
	}
	cmd.Flags().IntVar(&ttl, "ttl", lock.DefaultTTLSeconds, "lock lifetime in seconds")
	cmd.Flags().StringVar(&owner, "owner", "", "descriptive owner name")
	cmd.Flags().IntVar(&pid, "pid", 0, "owning process id (default: parent process)")
	cmd.Flags().DurationVar(&wait, "wait", 0, "keep retrying for this long")
	return cmd
}

func newLockReleaseCmd(rt *runtime) *cobra.Command {
	var pid int
	cmd := &cobra.Command{
		Use:   "release <resource>",
		Short: "Release a lock owned by the given process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := rt.locks(lock.WithPID(ownerPID(pid)))
			released, err := m.Release(args[0])
			if err != nil {
				return err
			}
			if released {
				fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "not held by pid %d: %s\n", m.PID(), args[0])
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&pid, "pid", 0, "owning process id (default: parent process)")
	return cmd
}

func newLockStatusCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "status <resource>",
		Short: "Show who holds a lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := rt.locks()
			rec, err := m.Get(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if rec == nil {
				fmt.Fprintf(out, "%s: free\n", args[0])
				return nil
			}
			state := "held"
			if m.Stale(*rec) {
				state = "stale"
			}
			fmt.Fprintf(out, "%s: %s by pid %d (owner %s, age %s, ttl %ds)\n",
				args[0], state, rec.PID, rec.Owner, rec.Age(time.Now()).Round(time.Second), rec.TTLSeconds)
			return nil
		},
	}
}

func newLockListCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			m := rt.locks()
			records, err := m.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No locks found")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RESOURCE\tPID\tOWNER\tACQUIRED\tTTL\tSTATUS")
			for _, rec := range records {
				state := "active"
				if m.Stale(rec) {
					state = "stale"
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%ds\t%s\n",
					rec.Resource, rec.PID, rec.Owner,
					rec.CreatedAt.Local().Format("15:04:05"), rec.TTLSeconds, state)
			}
			return w.Flush()
		},
	}
}

func newLockCleanupCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stale locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := rt.locks().CleanupStale()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d stale lock(s)\n", removed)
			return nil
		},
	}
}
