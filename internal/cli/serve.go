package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mvp-joe/cortexd/internal/mcp"
)

const purgeInterval = time.Hour

func newServeCmd(opts *globalOptions) *cobra.Command {
	var noWatch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the indexing service with MCP tools on stdio",
		Long: `Serve takes ownership of the data directory, recovers work left behind by a
previous process, starts a watcher for every library with watching enabled
and answers MCP tool calls on stdin/stdout until interrupted or stdin closes.

Pending change events are drained as they arrive and at startup. Failed
events are retried automatically after indexing.event_retry_delay, doubled
per attempt up to indexing.event_retry_max_delay.

Only one process may own a data directory at a time.

Old completed and expired change events are purged every hour according to
indexing.event_retention.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, opts.cfg, opts.logger, appOptions{exclusive: true, recover: true, drain: true, watch: !noWatch})
			if err != nil {
				return err
			}
			defer a.Close()

			if retention := opts.cfg.Indexing.EventRetention; retention > 0 {
				go a.purgeLoop(ctx, retention, purgeInterval)
			}

			return mcp.NewServer(a.svc, opts.logger.With("component", "mcp")).Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not start file watchers")
	return cmd
}

// purgeLoop removes old completed and expired events every interval.
func (a *app) purgeLoop(ctx context.Context, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := a.svc.PurgeEvents(ctx, "", retention)
		if err != nil {
			a.logger.Warn("event purge failed", "error", err)
		} else if n > 0 {
			a.logger.Info("purged old events", "count", n, "older_than", retention)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
