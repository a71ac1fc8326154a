package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mvp-joe/cortexd/internal/storage"
)

func newEventsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect and maintain the change queue",
	}
	cmd.AddCommand(
		newEventsListCmd(opts),
		newEventsPurgeCmd(opts),
	)
	return cmd
}

func newEventsListCmd(opts *globalOptions) *cobra.Command {
	var (
		statuses []string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "list <library>",
		Short: "List a library's change events",
		Args:  cobra.ExactArgs(1),
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
			filter := make([]storage.EventStatus, 0, len(statuses))
			for _, s := range statuses {
				filter = append(filter, storage.EventStatus(s))
			}
			events, err := a.svc.ListEvents(ctx, lib.ID, filter...)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if events == nil {
					events = []*storage.ChangeEvent{}
				}
				return writeJSON(out, events)
			}
			if len(events) == 0 {
				fmt.Fprintln(out, "No events.")
				return nil
			}

			now := time.Now()
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tSTATUS\tKIND\tRETRIES\tAGE\tPATH\tERROR")
			for _, ev := range events {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
					ev.Seq, ev.Status, ev.Kind, ev.RetryCount, formatTimeSince(ev.CreatedAt, now), ev.FilePath, ev.Error)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only events with these statuses (pending, processing, completed, failed, expired)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newEventsPurgeCmd(opts *globalOptions) *cobra.Command {
	var (
		olderThan time.Duration
		library   string
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete old completed, failed and expired events",
		Long: `Purge deletes settled change events older than --older-than. Pending and
processing events are never purged. Without --library every library is
purged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				olderThan = opts.cfg.Indexing.EventRetention
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, opts.cfg, opts.logger, appOptions{exclusive: true})
			if err != nil {
				return err
			}
			defer a.Close()

			libraryID := ""
			if library != "" {
				lib, err := a.svc.ResolveLibrary(ctx, library)
				if err != nil {
					return err
				}
				libraryID = lib.ID
			}

			n, err := a.svc.PurgeEvents(ctx, libraryID, olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %s events older than %s\n", formatNumber(n), olderThan)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Minimum event age (default is indexing.event_retention)")
	cmd.Flags().StringVar(&library, "library", "", "Only purge this library")
	return cmd
}
