// Package engine runs trials locally against a tune.Coordinator. It
// launches one goroutine per trial, up to the coordinator's concurrency
// budget, and feeds reports and outcomes back to it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/thalesfsp/tune"
	"github.com/thalesfsp/tune/internal/logger"
)

//////
// Const, vars, types.
//////

// ErrStopTrial is returned by Reporter.Report when the coordinator's
// stopper wants the trial to end. Objectives should return it (or nil);
// the trial is then recorded as completed with the reports made so far.
var ErrStopTrial = errors.New("trial stopped early")

// Objective evaluates one parameter assignment, reporting metrics through
// r. A nil or ErrStopTrial return completes the trial; any other error,
// a panic or a timeout marks it errored.
type Objective func(ctx context.Context, params tune.Assignment, r Reporter) error

// Reporter records intermediate results of a running trial.
type Reporter interface {
	// Report records one set of metrics. Steps are numbered from 1 in
	// call order.
	Report(metrics map[string]float64) error
}

// Options configures an Engine.
type Options struct {
	// NumSamples is the number of trials to launch. Zero runs until the
	// strategy is exhausted.
	NumSamples int

	// LaunchRate limits how many trials start per second. Zero means no
	// limit.
	LaunchRate rate.Limit

	// LaunchBurst is the number of trials that may start at once under
	// LaunchRate.
	LaunchBurst int

	// TrialTimeout bounds each objective call. Zero means no timeout.
	TrialTimeout time.Duration

	// Logger receives engine records. Nil uses logger.Default.
	Logger *slog.Logger
}

// Analysis summarizes a finished run.
type Analysis struct {
	// Trials holds every trial in creation order.
	Trials []tune.TrialSnapshot

	// Best maps each objective metric to the trial with its best value.
	Best map[string]tune.TrialSnapshot

	// ParetoFront holds the non-dominated completed trials.
	ParetoFront []tune.TrialSnapshot

	Completed int
	Errored   int
	Duration  time.Duration
}

// Engine runs objectives for a Coordinator.
type Engine struct {
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// reporter is the Reporter handed to a single trial.
type reporter struct {
	coord *tune.Coordinator
	id    string
	step  int
}

func (r *reporter) Report(metrics map[string]float64) error {
	r.step++

	if err := r.coord.Report(r.id, tune.MetricReport{Step: r.step, Metrics: metrics}); err != nil {
		return err
	}

	stop, err := r.coord.ShouldStop(r.id)
	if err != nil {
		return err
	}

	if stop {
		return ErrStopTrial
	}

	return nil
}

//////
// Factory.
//////

// DefaultOptions returns ten samples with no rate limit or timeout.
func DefaultOptions() Options {
	return Options{
		NumSamples:  10,
		LaunchBurst: 1,
	}
}

// New creates an Engine.
func New(opts Options) *Engine {
	limit := opts.LaunchRate
	if limit <= 0 {
		limit = rate.Inf
	}

	if opts.LaunchBurst < 1 {
		opts.LaunchBurst = 1
	}

	log := logger.With("component", "engine")
	if opts.Logger != nil {
		log = opts.Logger.With("component", "engine")
	}

	return &Engine{
		opts:    opts,
		limiter: rate.NewLimiter(limit, opts.LaunchBurst),
		logger:  log,
	}
}

//////
// Methods.
//////

// Run launches trials until NumSamples have started, the strategy is
// exhausted, the strategy fails or ctx is cancelled, then waits for the
// trials in flight and returns the analysis.
//
// Cancelling ctx cancels running trials; they are recorded as errored
// unless their objective returns nil. The analysis is returned even when
// err is not nil.
//
// The engine assumes it is the only caller of Suggest on coord.
func (e *Engine) Run(ctx context.Context, coord *tune.Coordinator, objective Objective) (*Analysis, error) {
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	finished := make(chan string)

	var (
		launched int
		inflight int
		runErr   error
	)

	for {
		for runErr == nil && ctx.Err() == nil && (e.opts.NumSamples <= 0 || launched < e.opts.NumSamples) {
			s, ok, err := coord.Suggest()
			if err != nil {
				runErr = err

				e.logger.Error("suggest failed", "error", err)

				break
			}

			if !ok {
				break
			}

			if err := e.limiter.Wait(ctx); err != nil {
				_ = coord.Complete(s.TrialID, tune.StatusErrored)
				runErr = err

				break
			}

			launched++
			inflight++

			e.logger.Debug("trial launched", "trial_id", s.TrialID, "params", s.Params, "inflight", inflight)

			e.wg.Add(1)

			go e.runTrial(ctx, coord, objective, s, finished)
		}

		if inflight == 0 {
			break
		}

		<-finished

		inflight--
	}

	if runErr == nil {
		runErr = ctx.Err()
	}

	analysis := analyze(coord)
	analysis.Duration = time.Since(start)

	e.logger.Info("run finished",
		"trials", len(analysis.Trials),
		"completed", analysis.Completed,
		"errored", analysis.Errored,
		"duration", analysis.Duration,
	)

	return analysis, runErr
}

// Close waits for every trial started by the engine to return.
func (e *Engine) Close() {
	e.wg.Wait()
}

func (e *Engine) runTrial(ctx context.Context, coord *tune.Coordinator, objective Objective, s tune.Suggestion, finished chan<- string) {
	defer e.wg.Done()

	if e.opts.TrialTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, e.opts.TrialTimeout)
		defer cancel()
	}

	err := call(ctx, objective, s.Params, &reporter{coord: coord, id: s.TrialID})

	// An objective ignoring ctx may return nil after its deadline.
	if err == nil && e.opts.TrialTimeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("objective exceeded timeout of %s: %w", e.opts.TrialTimeout, context.DeadlineExceeded)
	}

	status := tune.StatusCompleted
	if err != nil && !errors.Is(err, ErrStopTrial) {
		status = tune.StatusErrored

		e.logger.Warn("trial failed", "trial_id", s.TrialID, "error", err)
	}

	if err := coord.Complete(s.TrialID, status); err != nil {
		e.logger.Warn("trial completion rejected", "trial_id", s.TrialID, "error", err)
	}

	finished <- s.TrialID
}

//////
// Helper functions.
//////

// call runs objective, turning a panic into an error.
func call(ctx context.Context, objective Objective, params tune.Assignment, r Reporter) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("objective panicked: %v", p)
		}
	}()

	return objective(ctx, params, r)
}

func analyze(coord *tune.Coordinator) *Analysis {
	a := &Analysis{
		Trials:      coord.Trials(),
		Best:        make(map[string]tune.TrialSnapshot),
		ParetoFront: coord.ParetoFront(),
	}

	for _, o := range coord.Objectives() {
		if t, ok := coord.BestTrial(o.Metric, o.Mode); ok {
			a.Best[o.Metric] = t
		}
	}

	for _, t := range a.Trials {
		switch t.Status {
		case tune.StatusCompleted:
			a.Completed++
		case tune.StatusErrored:
			a.Errored++
		}
	}

	return a
}
