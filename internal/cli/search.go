package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mvp-joe/cortexd/internal/indexer"
)

func newSearchCmd(opts *globalOptions) *cobra.Command {
	var (
		limit    int
		minScore float32
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "search <library> <query>",
		Short: "Search a library's index",
		Long: `Search embeds the query with the active embedding provider and returns the
closest content units of the library.

Examples:
  cortexd search myproject "where are retries configured"
  cortexd search myproject "http handler" --limit 5 --min-score 0.3 --json`,
		Args: cobra.ExactArgs(2),
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
			hits, err := a.svc.Search(ctx, indexer.SearchRequest{LibraryID: lib.ID, Query: args[1], Limit: limit, MinScore: minScore})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if hits == nil {
					hits = []indexer.SearchHit{}
				}
				return writeJSON(out, hits)
			}
			if len(hits) == 0 {
				fmt.Fprintln(out, "No results.")
				return nil
			}
			for i, h := range hits {
				fmt.Fprintf(out, "%2d. %.3f  %s:%s-%s", i+1, h.Score, h.FilePath, h.StartLine, h.EndLine)
				if h.Label != "" {
					fmt.Fprintf(out, "  %s", h.Label)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum number of results")
	cmd.Flags().Float32Var(&minScore, "min-score", -1, "Drop results scoring below this")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}
