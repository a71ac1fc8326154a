// Package cli implements the cortexd command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mvp-joe/cortexd/internal/config"
)

// globalOptions are the persistent flags and what they resolve to.
type globalOptions struct {
	cfgFile string
	verbose bool

	cfg    *config.Config
	logger *slog.Logger
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "cortexd",
		Short: "cortexd - incremental semantic indexing for codebases",
		Long: `cortexd keeps vector indexes of registered directories ("libraries") in
sync with their files. Changes are picked up by a file watcher, queued
durably, embedded in batches and written to a vector store, and every run
survives restarts.

Configuration is read from ~/.cortexd/config.yml (or --config) and
CORTEXD_* environment variables.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts.logger = newLogger(cmd.ErrOrStderr(), opts.verbose)
			slog.SetDefault(opts.logger)

			cfg, err := config.LoadConfig(opts.cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			opts.cfg = cfg
			opts.logger.Debug("configuration loaded", "data_dir", cfg.Storage.DataDir, "vector_backend", cfg.Storage.VectorBackend)
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default is $HOME/.cortexd/config.yml)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newLibraryCmd(opts),
		newIndexCmd(opts),
		newSearchCmd(opts),
		newStatusCmd(opts),
		newEventsCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger logs text to w at info level, or debug level when verbose.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
