package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thalesfsp/tune/internal/config"
	"github.com/thalesfsp/tune/internal/logger"
)

func newValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check an experiment file without running it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			exp, err := config.Load(opts.config)
			if err != nil {
				return err
			}

			e, err := prepare(exp, logger.Discard())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "Experiment:     %s\n", exp.Name)
			fmt.Fprintf(out, "Objective:      %s\n", exp.Objective)
			fmt.Fprintf(out, "Metrics:        %s\n", strings.Join(e.coord.Objectives().Metrics(), ", "))
			fmt.Fprintf(out, "Algorithm:      %s\n", exp.Search.Algorithm)

			if exp.SpaceFn != "" {
				fmt.Fprintf(out, "Space:          %s (define-by-run)\n", exp.SpaceFn)
			} else {
				fmt.Fprintf(out, "Space:          %s\n", strings.Join(exp.ParamNames(), ", "))
			}

			fmt.Fprintf(out, "Max concurrent: %d\n", exp.MaxConcurrent)
			fmt.Fprintf(out, "Samples:        %d\n", exp.NumSamples)
			fmt.Fprintln(out, "OK")

			return nil
		},
	}
}
