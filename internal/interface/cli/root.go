// Package cli implements the orchestra command line.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/orchestra/internal/app"
	"github.com/YoshitsuguKoike/orchestra/internal/app/config"
	infraConfig "github.com/YoshitsuguKoike/orchestra/internal/infra/config"
	"github.com/YoshitsuguKoike/orchestra/internal/lock"
	"github.com/YoshitsuguKoike/orchestra/internal/logging"
	"github.com/YoshitsuguKoike/orchestra/internal/metrics"
	"github.com/YoshitsuguKoike/orchestra/internal/status"
	"github.com/YoshitsuguKoike/orchestra/internal/workflow"
)

// runtime is the per-invocation state shared by all commands. It is filled
// in by the root command's PersistentPreRunE.
type runtime struct {
	fs      afero.Fs
	paths   app.Paths
	config  config.Config
	logger  *logging.ZapLogger
	metrics *metrics.Metrics

	home     string
	logLevel string
}

// NewRoot builds the command tree.
func NewRoot() *cobra.Command {
	return newRoot(&runtime{fs: afero.NewOsFs()})
}

func newRoot(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "orchestra",
		Short:         "Coordinate AI agents working on stories in a shared repository",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return rt.setup(cmd.ErrOrStderr())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if rt.logger != nil {
				_ = rt.logger.Sync()
			}
		},
		RunE: func(c *cobra.Command, _ []string) error { return c.Help() },
	}
	cmd.PersistentFlags().StringVar(&rt.home, "home", "", "project home directory (default $ORCHESTRA_HOME or .orchestra)")
	cmd.PersistentFlags().StringVar(&rt.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	cmd.AddCommand(newInitCmd(rt))
	cmd.AddCommand(newLockCmd(rt))
	cmd.AddCommand(newStatusCmd(rt))
	cmd.AddCommand(newWorkflowCmd(rt))
	cmd.AddCommand(newContextCmd(rt))
	cmd.AddCommand(newServeCmd(rt))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the root command and reports a failure on stderr.
func Execute() int {
	if err := NewRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// setup loads configuration and builds the logger.
// Priority: setting.yaml > ORCHESTRA_* env > defaults
func (rt *runtime) setup(stderr io.Writer) error {
	home := app.HomeDir(rt.home)
	cfg, err := infraConfig.LoadSettings(home)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	level := cfg.LogLevel()
	if rt.logLevel != "" {
		level = rt.logLevel
	}

	rt.paths = app.ResolvePaths(home)
	rt.config = cfg
	rt.logger = logging.New(level, cfg.LogFormat(), stderr)
	rt.metrics = metrics.New()
	rt.logger.Debug("configuration loaded from %s (home=%s)", cfg.ConfigSource(), home)
	return nil
}

func (rt *runtime) locks(opts ...lock.Option) *lock.Manager {
	base := []lock.Option{lock.WithLogger(rt.logger), lock.WithMetrics(rt.metrics)}
	return lock.NewManager(rt.fs, rt.paths.Locks, append(base, opts...)...)
}

func (rt *runtime) sessions() *workflow.FileSessionStore {
	return workflow.NewFileSessionStore(rt.fs, rt.paths.Session)
}

func (rt *runtime) cache() *status.Cache {
	return status.NewCache(rt.paths.ProjectRoot(), rt.locks(),
		status.WithFs(rt.fs),
		status.WithCacheDir(rt.paths.Cache),
		status.WithLogger(rt.logger),
		status.WithMetrics(rt.metrics),
		status.WithLimits(rt.config.MaxModifiedFiles(), rt.config.RecentCommits()),
		status.WithStorySource(sessionStory(rt.sessions(), rt.logger)),
	)
}

// sessionStory reports the story of the persisted workflow session.
func sessionStory(store workflow.SessionStore, logger logging.Logger) status.StorySource {
	return func() *status.StoryInfo {
		s, err := store.Load()
		if err != nil {
			logger.Warn("read session: %v", err)
			return nil
		}
		if s == nil {
			return nil
		}
		return &status.StoryInfo{
			ID:         s.CurrentStory,
			Title:      s.StoryTitle,
			Phase:      s.CurrentPhase,
			Executor:   s.Executor,
			WorkflowID: s.WorkflowID,
		}
	}
}
