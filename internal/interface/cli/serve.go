package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/orchestra/internal/server"
	"github.com/YoshitsuguKoike/orchestra/internal/status"
)

func newServeCmd(rt *runtime) *cobra.Command {
	var (
		addr     string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve project status over HTTP",
		Long: `Serve GET /api/status, the server-sent event stream /api/status/stream,
/healthz and Prometheus metrics on /metrics. Git changes invalidate the
status cache as they happen.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cache := rt.cache()
			opts := []server.Option{
				server.WithSessionStore(rt.sessions()),
				server.WithMetrics(rt.metrics),
				server.WithLogger(rt.logger),
				server.WithInterval(interval),
			}
			watcher, err := cache.Watch(ctx)
			switch {
			case err == nil:
				defer watcher.Close()
				opts = append(opts, server.WithChangeFeed(watcher))
			case errors.Is(err, status.ErrNotGitRepo):
				rt.logger.Info("not a git repository; status is refreshed on expiry only")
			default:
				rt.logger.Warn("git watcher unavailable: %v", err)
			}

			srv, err := server.New(cache, opts...)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = rt.config.ServeAddr()
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start(addr) }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return err
			}
			return <-errCh
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from settings)")
	cmd.Flags().DurationVar(&interval, "interval", server.DefaultInterval, "status stream push interval")
	return cmd
}
