package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mvp-joe/cortexd/internal/indexer"
	"github.com/mvp-joe/cortexd/internal/storage"
)

func newLibraryCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "library",
		Aliases: []string{"lib"},
		Short:   "Manage registered libraries",
	}
	cmd.AddCommand(
		newLibraryAddCmd(opts),
		newLibraryListCmd(opts),
		newLibraryRemoveCmd(opts),
	)
	return cmd
}

func newLibraryAddCmd(opts *globalOptions) *cobra.Command {
	var (
		name        string
		watch       bool
		include     []string
		exclude     []string
		debounce    time.Duration
		maxFileSize int64
	)

	cmd := &cobra.Command{
		Use:   "add <path>",
		Short: "Register a directory as a library",
		Long: `Add registers a directory so it can be indexed and searched. The watch
settings default to the watch section of the configuration; flags given here
override them for this library only.

Adding a library does not index it. Run "cortexd index <library>" or start
"cortexd serve" with watching enabled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts.cfg, opts.logger, appOptions{exclusive: true})
			if err != nil {
				return err
			}
			defer a.Close()

			wc := a.svc.WatchDefaults()
			flags := cmd.Flags()
			if flags.Changed("watch") {
				wc.Enabled = watch
			}
			if flags.Changed("include") {
				wc.Include = include
			}
			if flags.Changed("exclude") {
				wc.Exclude = exclude
			}
			if flags.Changed("debounce") {
				wc.Debounce = debounce
			}
			if flags.Changed("max-file-size") {
				wc.MaxFileSize = maxFileSize
			}

			lib, err := a.svc.CreateLibrary(ctx, indexer.CreateLibraryRequest{Path: args[0], Name: name, Watch: &wc})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Added library %s (%s)\n  ID:   %s\n  Root: %s\n", lib.Name, watchSummary(lib.Watch), lib.ID, lib.RootPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Display name (default is the directory name)")
	cmd.Flags().BoolVar(&watch, "watch", false, "Watch the library for changes")
	cmd.Flags().StringSliceVar(&include, "include", nil, "Glob patterns of files to index")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "Glob patterns of files and directories to skip")
	cmd.Flags().DurationVar(&debounce, "debounce", 0, "Quiet period before a change is processed")
	cmd.Flags().Int64Var(&maxFileSize, "max-file-size", 0, "Skip files larger than this many bytes (0 = unlimited)")
	return cmd
}

func newLibraryListCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered libraries",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts.cfg, opts.logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			libs, err := a.svc.ListLibraries(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, libs)
			}
			if len(libs) == 0 {
				fmt.Fprintln(out, "No libraries registered. Add one with: cortexd library add <path>")
				return nil
			}

			now := time.Now()
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSTATUS\tFILES\tUNITS\tUPDATED\tWATCH\tROOT")
			for _, lib := range libs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					lib.Name, lib.Status,
					formatNumber(lib.Stats.TotalFiles), formatNumber(lib.Stats.TotalUnits),
					formatTimeSince(lib.Stats.LastUpdated, now), watchSummary(lib.Watch), lib.RootPath)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newLibraryRemoveCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "remove <library>",
		Aliases: []string{"rm"},
		Short:   "Unregister a library and drop its vectors",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts.cfg, opts.logger, appOptions{exclusive: true})
			if err != nil {
				return err
			}
			defer a.Close()

			lib, err := a.svc.ResolveLibrary(ctx, args[0])
			if err != nil {
				return err
			}
			if err := a.svc.RemoveLibrary(ctx, lib.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Removed library %s\n", lib.Name)
			return nil
		},
	}
	return cmd
}

func watchSummary(w storage.WatchConfig) string {
	if !w.Enabled {
		return "not watched"
	}
	return fmt.Sprintf("watched, debounce %s", w.Debounce)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
