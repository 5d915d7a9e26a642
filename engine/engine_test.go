package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/thalesfsp/tune"
	"github.com/thalesfsp/tune/internal/logger"
)

func newCoordinator(t *testing.T, budget int, strategy tune.Strategy, mutate func(*tune.Config)) *tune.Coordinator {
	t.Helper()

	cfg := tune.DefaultConfig()
	cfg.Space = tune.Static(tune.StaticSpace{
		"x": tune.Float(-1, 1),
	})
	cfg.Objectives = tune.SingleObjective("loss", tune.Min)
	cfg.MaxConcurrent = budget

	if mutate != nil {
		mutate(&cfg)
	}

	if strategy == nil {
		strategy = tune.NewRandomSearch(1)
	}

	c, err := tune.NewCoordinator(cfg, strategy)
	require.NoError(t, err)

	return c
}

func quiet(opts Options) Options {
	opts.Logger = logger.Discard()

	return opts
}

func square(_ context.Context, params tune.Assignment, r Reporter) error {
	x, _ := params.Float("x")

	return r.Report(map[string]float64{"loss": x * x})
}

func TestRunLaunchesNumSamples(t *testing.T) {
	const budget = 3

	coord := newCoordinator(t, budget, nil, nil)

	var running, peak int32

	objective := func(ctx context.Context, params tune.Assignment, r Reporter) error {
		n := atomic.AddInt32(&running, 1)
		defer atomic.AddInt32(&running, -1)

		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}

		time.Sleep(5 * time.Millisecond)

		return square(ctx, params, r)
	}

	e := New(quiet(Options{NumSamples: 12}))
	defer e.Close()

	analysis, err := e.Run(context.Background(), coord, objective)
	require.NoError(t, err)

	assert.Len(t, analysis.Trials, 12)
	assert.Equal(t, 12, analysis.Completed)
	assert.Equal(t, 0, analysis.Errored)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(budget))
	assert.Equal(t, 0, coord.Running())

	best, ok := analysis.Best["loss"]
	require.True(t, ok)

	for _, trial := range analysis.Trials {
		assert.LessOrEqual(t, best.Fitness["loss"], trial.Fitness["loss"])
	}
}

func TestRunStopsWhenExhausted(t *testing.T) {
	coord := newCoordinator(t, 2, tune.NewGridSearch(), func(cfg *tune.Config) {
		cfg.Space = tune.Static(tune.StaticSpace{"x": tune.Choice(-1.0, 0.0, 1.0)})
	})

	e := New(quiet(Options{}))

	analysis, err := e.Run(context.Background(), coord, square)
	require.NoError(t, err)

	assert.Len(t, analysis.Trials, 3)
	assert.Equal(t, 0.0, analysis.Best["loss"].Fitness["loss"])
}

func TestRunRecordsFailures(t *testing.T) {
	coord := newCoordinator(t, 2, nil, nil)

	var calls int32

	objective := func(ctx context.Context, params tune.Assignment, r Reporter) error {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			panic("boom")
		case 2:
			return errors.New("diverged")
		case 3:
			// No objective metric reported.
			return r.Report(map[string]float64{"iterations": 1})
		default:
			return square(ctx, params, r)
		}
	}

	e := New(quiet(Options{NumSamples: 5}))

	analysis, err := e.Run(context.Background(), coord, objective)
	require.NoError(t, err)

	assert.Equal(t, 3, analysis.Errored)
	assert.Equal(t, 2, analysis.Completed)
}

func TestRunTrialTimeout(t *testing.T) {
	coord := newCoordinator(t, 1, nil, nil)

	objective := func(ctx context.Context, _ tune.Assignment, _ Reporter) error {
		<-ctx.Done()

		return ctx.Err()
	}

	e := New(quiet(Options{NumSamples: 2, TrialTimeout: 10 * time.Millisecond}))

	analysis, err := e.Run(context.Background(), coord, objective)
	require.NoError(t, err)

	assert.Equal(t, 2, analysis.Errored)
}

func TestRunTrialTimeoutIgnoredByObjective(t *testing.T) {
	coord := newCoordinator(t, 1, nil, nil)

	objective := func(_ context.Context, _ tune.Assignment, r Reporter) error {
		time.Sleep(100 * time.Millisecond)

		return r.Report(map[string]float64{"loss": 1})
	}

	e := New(quiet(Options{NumSamples: 1, TrialTimeout: 10 * time.Millisecond}))

	analysis, err := e.Run(context.Background(), coord, objective)
	require.NoError(t, err)

	assert.Equal(t, 0, analysis.Completed)
	assert.Equal(t, 1, analysis.Errored)
}

func TestRunEarlyStopping(t *testing.T) {
	coord := newCoordinator(t, 1, nil, func(cfg *tune.Config) {
		cfg.Stopper = tune.NoImprovementStopper{Patience: 2}
	})

	var reports int32

	objective := func(_ context.Context, _ tune.Assignment, r Reporter) error {
		for step := 0; step < 100; step++ {
			atomic.AddInt32(&reports, 1)

			// Never improves after the first report.
			if err := r.Report(map[string]float64{"loss": 1}); err != nil {
				return err
			}
		}

		return nil
	}

	e := New(quiet(Options{NumSamples: 1}))

	analysis, err := e.Run(context.Background(), coord, objective)
	require.NoError(t, err)

	require.Len(t, analysis.Trials, 1)
	assert.Equal(t, tune.StatusCompleted, analysis.Trials[0].Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&reports))
	assert.Equal(t, 3, analysis.Trials[0].Reports[2].Step)
}

func TestRunCancelled(t *testing.T) {
	coord := newCoordinator(t, 2, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())

	var started int32

	objective := func(ctx context.Context, _ tune.Assignment, _ Reporter) error {
		if atomic.AddInt32(&started, 1) == 2 {
			cancel()
		}

		<-ctx.Done()

		return ctx.Err()
	}

	e := New(quiet(Options{NumSamples: 100}))

	analysis, err := e.Run(ctx, coord, objective)
	assert.ErrorIs(t, err, context.Canceled)

	e.Close()

	assert.Equal(t, 0, coord.Running())
	assert.Equal(t, len(analysis.Trials), analysis.Errored)
	assert.Less(t, len(analysis.Trials), 100)
}

func TestRunStrategyError(t *testing.T) {
	coord := newCoordinator(t, 1, nil, func(cfg *tune.Config) {
		cfg.Space = tune.Conditional(func(h *tune.TrialHandle) (map[string]any, error) {
			h.SuggestFloat("x", 1, 0)

			return nil, nil
		})
	})

	e := New(quiet(Options{NumSamples: 3}))

	analysis, err := e.Run(context.Background(), coord, square)

	var spaceErr *tune.InvalidSearchSpaceError
	require.ErrorAs(t, err, &spaceErr)
	assert.Empty(t, analysis.Trials)
}

func TestRunLaunchRate(t *testing.T) {
	coord := newCoordinator(t, 4, nil, nil)

	e := New(quiet(Options{NumSamples: 3, LaunchRate: rate.Every(20 * time.Millisecond)}))

	start := time.Now()

	_, err := e.Run(context.Background(), coord, square)
	require.NoError(t, err)

	// One token up front, then one every 20ms.
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestRunMultiObjective(t *testing.T) {
	objectives, err := tune.MultiObjective([]string{"loss", "gain"}, []tune.Direction{tune.Min, tune.Max})
	require.NoError(t, err)

	coord := newCoordinator(t, 2, nil, func(cfg *tune.Config) { cfg.Objectives = objectives })

	objective := func(_ context.Context, params tune.Assignment, r Reporter) error {
		x, _ := params.Float("x")

		return r.Report(map[string]float64{"loss": x, "gain": x})
	}

	e := New(quiet(Options{NumSamples: 6}))

	analysis, err := e.Run(context.Background(), coord, objective)
	require.NoError(t, err)

	// loss and gain move together, so every trial trades one for the other.
	assert.Len(t, analysis.ParetoFront, 6)
	assert.Contains(t, analysis.Best, "loss")
	assert.Contains(t, analysis.Best, "gain")
}
