package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mvp-joe/cortexd/internal/daemon"
	"github.com/mvp-joe/cortexd/internal/embed"
	"github.com/mvp-joe/cortexd/internal/indexer"
	"github.com/mvp-joe/cortexd/internal/storage"
)

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <library>",
		Short: "Show a library's indexing state",
		Long: `Status prints a library's statistics, its active and most recent tasks and
the state of its change queue. It reads persisted state only and works while
another process owns the data directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts.cfg, opts.logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			lib, err := a.svc.ResolveLibrary(ctx, args[0])
			if err != nil {
				return err
			}
			st, err := a.svc.Status(ctx, lib.ID)
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			printStatus(cmd.OutOrStdout(), st, daemon.Owner(opts.cfg.Storage.DataDir), time.Now())
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func printStatus(out io.Writer, st *indexer.LibraryStatus, owner int, now time.Time) {
	lib := st.Library
	fmt.Fprintf(out, "Library %s\n", lib.Name)
	fmt.Fprintf(out, "  ID:         %s\n", lib.ID)
	fmt.Fprintf(out, "  Root:       %s\n", lib.RootPath)
	fmt.Fprintf(out, "  Status:     %s\n", lib.Status)
	fmt.Fprintf(out, "  Watch:      %s\n", watchSummary(lib.Watch))
	fmt.Fprintf(out, "  Indexed:    %s files, %s units\n", formatNumber(lib.Stats.TotalFiles), formatNumber(lib.Stats.TotalUnits))
	fmt.Fprintf(out, "  Updated:    %s\n", formatTimeSince(lib.Stats.LastUpdated, now))
	if owner > 0 {
		fmt.Fprintf(out, "  Owner:      pid %d\n", owner)
	}

	if t := st.ActiveTask; t != nil {
		fmt.Fprintf(out, "\nActive task %s (%s)\n", t.ID, t.Kind)
		fmt.Fprintf(out, "  Progress:   %.0f%%\n", t.Progress)
		if t.CurrentFile != "" {
			fmt.Fprintf(out, "  Current:    %s\n", t.CurrentFile)
		}
	}
	if t := st.LastTask; t != nil && (st.ActiveTask == nil || t.ID != st.ActiveTask.ID) {
		fmt.Fprintf(out, "\nLast task %s (%s)\n", t.ID, t.Kind)
		fmt.Fprintf(out, "  Status:     %s\n", t.Status)
		if t.CompletedAt != nil {
			fmt.Fprintf(out, "  Finished:   %s\n", formatTimeSince(*t.CompletedAt, now))
		}
		if t.Status.Terminal() {
			fmt.Fprintf(out, "  Duration:   %s\n", formatDuration(t.Result.Duration))
		}
		if t.Error != "" {
			fmt.Fprintf(out, "  Error:      %s\n", t.Error)
		}
	}

	if len(st.Providers) > 0 {
		fmt.Fprintln(out, "\nEmbedding providers")
		for _, p := range st.Providers {
			fmt.Fprintf(out, "  %-11s %s\n", p.Name+":", providerSummary(p, st.CollectionProvider))
		}
	}

	if len(st.Events) > 0 {
		statuses := make([]string, 0, len(st.Events))
		for s := range st.Events {
			statuses = append(statuses, string(s))
		}
		sort.Strings(statuses)
		fmt.Fprintln(out, "\nChange queue")
		for _, s := range statuses {
			fmt.Fprintf(out, "  %-11s %s\n", s+":", formatNumber(st.Events[storage.EventStatus(s)]))
		}
	}
}

func providerSummary(p embed.ClientHealth, collection string) string {
	parts := []string{"unreachable"}
	if p.Reachable {
		parts[0] = "reachable"
	}
	if p.Active {
		parts = append(parts, "active")
	}
	if p.ConsecutiveFailures > 0 {
		parts = append(parts, fmt.Sprintf("%d consecutive failures", p.ConsecutiveFailures))
	}
	if p.Name == collection {
		parts = append(parts, "embedded this library")
	}
	return strings.Join(parts, ", ")
}
