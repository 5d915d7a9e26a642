package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/thalesfsp/tune"
	"github.com/thalesfsp/tune/engine"
	"github.com/thalesfsp/tune/internal/config"
	"github.com/thalesfsp/tune/internal/examples"
	"github.com/thalesfsp/tune/internal/logger"
	"github.com/thalesfsp/tune/internal/store"
)

func newRunCmd(opts *options) *cobra.Command {
	var samples int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an experiment",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runExperiment(ctx, opts, samples, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().IntVar(&samples, "samples", 0, "override num_samples")

	return cmd
}

// experiment is a loaded experiment wired to its coordinator.
type experiment struct {
	config    *config.Experiment
	coord     *tune.Coordinator
	objective engine.Objective
}

// prepare builds everything needed to run exp.
func prepare(exp *config.Experiment, log *slog.Logger) (*experiment, error) {
	space := tune.Static(exp.StaticSpace())

	if exp.SpaceFn != "" {
		fn, err := examples.Space(exp.SpaceFn)
		if err != nil {
			return nil, err
		}

		space = tune.Conditional(fn)
	}

	objective, err := examples.Objective(exp.Objective)
	if err != nil {
		return nil, err
	}

	strategy, err := exp.Strategy()
	if err != nil {
		return nil, err
	}

	cfg, err := exp.TuneConfig(space)
	if err != nil {
		return nil, err
	}

	cfg.Logger = log

	coord, err := tune.NewCoordinator(cfg, strategy)
	if err != nil {
		return nil, err
	}

	return &experiment{config: exp, coord: coord, objective: objective}, nil
}

func runExperiment(ctx context.Context, opts *options, samples int, out, errOut io.Writer) error {
	exp, err := config.Load(opts.config)
	if err != nil {
		return err
	}

	level := exp.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}

	log := logger.New(level, exp.LogFormat, errOut).With("experiment", exp.Name)

	e, err := prepare(exp, log)
	if err != nil {
		return err
	}

	numSamples := e.config.NumSamples
	if samples > 0 {
		numSamples = samples
	}

	runner := engine.New(engine.Options{
		NumSamples:   numSamples,
		LaunchRate:   e.config.Rate(),
		LaunchBurst:  e.config.LaunchBurst,
		TrialTimeout: e.config.Timeout(),
		Logger:       log,
	})
	defer runner.Close()

	started := time.Now()

	log.Info("starting experiment", "samples", numSamples, "max_concurrent", e.config.MaxConcurrent, "algorithm", e.config.Search.Algorithm)

	analysis, runErr := runner.Run(ctx, e.coord, e.objective)

	printAnalysis(out, e.coord.Objectives(), analysis)

	if opts.db != "" {
		id, err := archive(context.WithoutCancel(ctx), opts.db, e.config, analysis, started)
		if err != nil {
			return errors.Join(runErr, err)
		}

		fmt.Fprintf(out, "\nSaved as %s in %s\n", id, opts.db)
	}

	return runErr
}

func archive(ctx context.Context, path string, exp *config.Experiment, analysis *engine.Analysis, started time.Time) (string, error) {
	s, err := store.Open(path)
	if err != nil {
		return "", err
	}
	defer s.Close()

	objectives, err := exp.Objectives()
	if err != nil {
		return "", err
	}

	best := make(map[string]float64, len(objectives))

	for _, o := range objectives {
		t, ok := analysis.Best[o.Metric]
		if !ok {
			continue
		}

		for _, r := range t.Reports {
			v, ok := r.Metrics[o.Metric]
			if !ok {
				continue
			}

			if cur, seen := best[o.Metric]; !seen || o.Mode.Better(v, cur) {
				best[o.Metric] = v
			}
		}
	}

	return s.SaveExperiment(ctx, store.Experiment{
		Name:       exp.Name,
		Algorithm:  exp.Search.Algorithm,
		Objectives: objectives,
		Best:       best,
		Completed:  analysis.Completed,
		Errored:    analysis.Errored,
		StartedAt:  started,
		FinishedAt: started.Add(analysis.Duration),
		Trials:     analysis.Trials,
	})
}

func printAnalysis(out io.Writer, objectives tune.ObjectiveSpec, analysis *engine.Analysis) {
	fmt.Fprintf(out, "Trials: %d completed, %d errored in %s\n\n",
		analysis.Completed, analysis.Errored, analysis.Duration.Round(time.Millisecond))

	if objectives.IsMulti() {
		fmt.Fprintf(out, "Pareto front (%d trials):\n", len(analysis.ParetoFront))
		printTrials(out, objectives, analysis.ParetoFront)

		return
	}

	best, ok := analysis.Best[objectives[0].Metric]
	if !ok {
		fmt.Fprintln(out, "No trial reported the objective.")

		return
	}

	fmt.Fprintf(out, "Best trial for %s (%s):\n", objectives[0].Metric, objectives[0].Mode)
	printTrials(out, objectives, []tune.TrialSnapshot{best})
}

func printTrials(out io.Writer, objectives tune.ObjectiveSpec, trials []tune.TrialSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	header := append([]string{"TRIAL", "STATUS"}, objectives.Metrics()...)
	fmt.Fprintln(w, strings.Join(append(header, "PARAMS"), "\t"))

	for _, t := range trials {
		row := []string{shortID(t.ID), string(t.Status)}

		for _, m := range objectives.Metrics() {
			if v, ok := t.Fitness[m]; ok {
				row = append(row, fmt.Sprintf("%.4f", v))
			} else {
				row = append(row, "-")
			}
		}

		row = append(row, formatParams(t.Params))

		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
}

func formatParams(a tune.Assignment) string {
	names := make([]string, 0, len(a))
	for name := range a {
		names = append(names, name)
	}

	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		v := a[name]
		if f, ok := v.(float64); ok {
			parts[i] = fmt.Sprintf("%s=%.4g", name, f)
		} else {
			parts[i] = fmt.Sprintf("%s=%v", name, v)
		}
	}

	return strings.Join(parts, " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}

	return id
}
