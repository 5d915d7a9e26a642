package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/thalesfsp/tune/internal/store"
)

func newHistoryCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "history [experiment-id]",
		Short: "List archived experiments, or the trials of one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.db == "" {
				return errors.New("--db is required")
			}

			s, err := store.Open(opts.db)
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()

			if len(args) == 1 {
				exp, err := s.GetExperiment(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				fmt.Fprintf(out, "%s (%s), %d completed, %d errored\n\n", exp.Name, exp.Algorithm, exp.Completed, exp.Errored)
				printTrials(out, exp.Objectives, exp.Trials)

				return nil
			}

			list, err := s.ListExperiments(cmd.Context())
			if err != nil {
				return err
			}

			if len(list) == 0 {
				fmt.Fprintln(out, "No experiments archived.")

				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			defer w.Flush()

			fmt.Fprintln(w, "ID\tNAME\tALGORITHM\tSTARTED\tCOMPLETED\tERRORED\tBEST")

			for _, exp := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
					exp.ID, exp.Name, exp.Algorithm, exp.StartedAt.Local().Format(time.DateTime),
					exp.Completed, exp.Errored, formatBest(exp.Best))
			}

			return nil
		},
	}
}

func formatBest(best map[string]float64) string {
	names := make([]string, 0, len(best))
	for name := range best {
		names = append(names, name)
	}

	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%.4f", name, best[name])
	}

	return strings.Join(parts, " ")
}
