package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mvp-joe/cortexd/internal/indexer"
	"github.com/mvp-joe/cortexd/internal/storage"
)

func newIndexCmd(opts *globalOptions) *cobra.Command {
	var (
		rebuild  bool
		quiet    bool
		priority int
	)

	cmd := &cobra.Command{
		Use:   "index <library>",
		Short: "Run an indexing pass over a library",
		Long: `Index brings a library's vector index up to date with its files and waits
for the run to finish. The library is given by ID, name or root path.

A normal run re-embeds only units whose content changed and removes vectors
for files that no longer exist. --rebuild drops the library's collection and
embeds everything again.

Runs interrupted by a previous process are recovered before this one starts.
Interrupting the command cancels the run; its status is still recorded.

Examples:
  # Index a library by name
  cortexd index myproject

  # Rebuild from scratch without progress bars
  cortexd index ~/src/myproject --rebuild --quiet
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, opts.cfg, opts.logger, appOptions{exclusive: true, recover: true})
			if err != nil {
				return err
			}
			defer a.Close()

			lib, err := a.svc.ResolveLibrary(ctx, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			reporter := NewCLIProgressReporter(out, cmd.ErrOrStderr(), quiet)
			task, err := a.svc.StartIndexing(ctx, lib.ID, rebuild, indexer.StartOptions{Reporter: reporter, Priority: priority})
			if err != nil {
				return err
			}
			if !quiet {
				fmt.Fprintf(out, "Indexing %s (%s), task %s\n", lib.Name, lib.RootPath, task.ID)
			}

			done, err := waitOrCancel(ctx, a, task.ID)
			if err != nil {
				return err
			}
			a.waitRestarted(context.WithoutCancel(ctx))

			switch done.Status {
			case storage.TaskFailed:
				return fmt.Errorf("indexing failed: %s", done.Error)
			case storage.TaskCancelled:
				return fmt.Errorf("indexing cancelled")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "Drop the collection and re-embed everything")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Disable progress output")
	cmd.Flags().IntVar(&priority, "priority", 0, "Run priority when library slots are contended")
	return cmd
}

// waitOrCancel waits for a task, cancelling it when ctx ends first. The
// returned task is always the persisted final state.
func waitOrCancel(ctx context.Context, a *app, taskID string) (*storage.IndexingTask, error) {
	done, err := a.svc.WaitTask(ctx, taskID)
	if err == nil {
		return done, nil
	}
	if ctx.Err() == nil {
		return nil, err
	}

	a.logger.Info("interrupted, cancelling run", "task_id", taskID)
	if err := a.svc.CancelTask(context.Background(), taskID); err != nil {
		a.logger.Warn("failed to cancel run", "task_id", taskID, "error", err)
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return a.svc.WaitTask(waitCtx, taskID)
}
