package main

import (
	"github.com/spf13/cobra"

	"github.com/thalesfsp/tune/internal/logger"
)

// options holds the persistent flags.
type options struct {
	config   string
	db       string
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "tune",
		Short:         "Black-box hyperparameter search",
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if opts.logLevel != "" {
				logger.SetDefault(logger.New(opts.logLevel, "text", cmd.ErrOrStderr()))
			}
		},
	}

	root.PersistentFlags().StringVar(&opts.config, "config", "experiment.yaml", "experiment file (.yaml or .toml)")
	root.PersistentFlags().StringVar(&opts.db, "db", "", "SQLite results archive")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the experiment log level (debug, info, warn, error)")

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newValidateCmd(opts))
	root.AddCommand(newHistoryCmd(opts))

	return root
}
