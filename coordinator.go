package tune

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

//////
// Const, vars, types.
//////

type bestKey struct {
	metric string
	mode   Direction
}

// incumbent is the best value seen for one metric and direction. seq is
// the global report sequence number, used to keep the earliest on ties.
type incumbent struct {
	trialID string
	value   float64
	seq     uint64
}

type trial struct {
	id          string
	params      Assignment
	status      TrialStatus
	reports     []MetricReport
	seqs        []uint64
	fitness     map[string]float64
	fromInitial bool
	createdAt   time.Time
	finishedAt  time.Time
}

func (t *trial) snapshot() TrialSnapshot {
	reports := make([]MetricReport, len(t.reports))
	for i, r := range t.reports {
		reports[i] = r.clone()
	}

	var fitness map[string]float64
	if t.fitness != nil {
		fitness = make(map[string]float64, len(t.fitness))
		for k, v := range t.fitness {
			fitness[k] = v
		}
	}

	return TrialSnapshot{
		ID:          t.id,
		Params:      t.params.Clone(),
		Status:      t.status,
		Reports:     reports,
		Fitness:     fitness,
		FromInitial: t.fromInitial,
		CreatedAt:   t.createdAt,
		FinishedAt:  t.finishedAt,
	}
}

// Coordinator mediates between a trial-execution engine and a Strategy.
// It hands out parameter assignments under a concurrency budget, records
// metric reports, tracks the best trial per metric and forwards finished
// trials to the strategy.
//
// All methods are safe for concurrent use. None of them block on I/O.
type Coordinator struct {
	mu sync.Mutex

	config   Config
	strategy Strategy
	logger   *slog.Logger
	newID    func() string

	queue     []Assignment
	trials    map[string]*trial
	order     []*trial
	active    int
	seq       uint64
	best      map[bestKey]incumbent
	exhausted bool
	completed int
	errored   int
}

//////
// Factory.
//////

// NewCoordinator validates config, sets up the strategy and returns a
// ready coordinator.
//
// Parameters:
//   - config: budget, objectives, space, points to evaluate and the
//     optional stopper, logger and progress channel
//   - strategy: the algorithm proposing assignments. Setup is called once,
//     here, with copies of config.PointsToEvaluate
//
// Usage:
//
//	cfg := DefaultConfig()
//	cfg.MaxConcurrent = 4
//	cfg.Objectives = SingleObjective("mean_loss", Min)
//	cfg.Space = Static(StaticSpace{
//	    "lr":     LogFloat(1e-4, 1e-1),
//	    "layers": Int(1, 8),
//	})
//	cfg.PointsToEvaluate = []Assignment{{"lr": 1e-3, "layers": 2}}
//
//	coord, err := NewCoordinator(cfg, NewBayesSearch(DefaultBayesConfig()))
//	if err != nil {
//	    return err
//	}
//
// Errors:
//   - *ConfigurationError for a bad budget, objective spec or reduction, or
//     a multi-objective spec combined with a ScalarOnly strategy or stopper
//   - *InvalidSearchSpaceError for a static domain that cannot be sampled,
//     or a space the strategy cannot represent
//   - *StrategyError for any other Setup failure
func NewCoordinator(config Config, strategy Strategy) (*Coordinator, error) {
	if strategy == nil {
		return nil, &ConfigurationError{Reason: "strategy is required"}
	}

	if config.MaxConcurrent < 1 {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("max concurrent trials must be positive, got %d", config.MaxConcurrent)}
	}

	if err := config.Objectives.validate(); err != nil {
		return nil, err
	}

	reduction, err := ParseReduction(string(config.Reduction))
	if err != nil {
		return nil, &ConfigurationError{Reason: err.Error()}
	}

	config.Reduction = reduction

	if config.Objectives.IsMulti() {
		if requiresScalar(strategy) {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("strategy %T needs a single objective", strategy)}
		}

		if config.Stopper != nil && requiresScalar(config.Stopper) {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("stopper %T needs a single objective", config.Stopper)}
		}
	}

	if err := config.Space.Validate(); err != nil {
		return nil, err
	}

	queue := make([]Assignment, len(config.PointsToEvaluate))
	for i, p := range config.PointsToEvaluate {
		queue[i] = p.Clone()
	}

	initial := make([]Assignment, len(queue))
	for i, p := range queue {
		initial[i] = p.Clone()
	}

	if err := strategy.Setup(config.Space, config.Objectives, initial); err != nil {
		var spaceErr *InvalidSearchSpaceError

		var configErr *ConfigurationError

		if errors.As(err, &spaceErr) || errors.As(err, &configErr) {
			return nil, err
		}

		return nil, &StrategyError{Op: "setup", Err: err}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Coordinator{
		config:   config,
		strategy: strategy,
		logger:   logger,
		newID:    func() string { return uuid.New().String() },
		queue:    queue,
		trials:   make(map[string]*trial),
		best:     make(map[bestKey]incumbent),
	}, nil
}

//////
// Methods.
//////

// Suggest registers a new trial and returns its parameters.
//
// It returns ok == false, with a nil error, when the concurrency budget is
// used up or the strategy is exhausted. PointsToEvaluate are returned, in
// order, before the strategy is asked.
//
// Strategy failures come back as *StrategyError, and define-by-run
// failures as *InvalidSearchSpaceError. Neither registers a trial.
//
// Usage:
//
//	for {
//	    s, ok, err := coord.Suggest()
//	    if err != nil {
//	        return err
//	    }
//
//	    if !ok {
//	        break // Budget used up or search exhausted.
//	    }
//
//	    go func() {
//	        loss := train(s.Params)
//	        _ = coord.Report(s.TrialID, MetricReport{Metrics: map[string]float64{"mean_loss": loss}})
//	        _ = coord.Complete(s.TrialID, StatusCompleted)
//	    }()
//	}
//
// Important notes:
//   - ok == false with a nil error is temporary when the budget is the
//     cause: completing a trial frees a slot. Running tells the two cases
//     apart
//   - The returned Params are a copy and may be modified freely
func (c *Coordinator) Suggest() (Suggestion, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active >= c.config.MaxConcurrent {
		return Suggestion{}, false, nil
	}

	var (
		params      Assignment
		fromInitial bool
	)

	switch {
	case len(c.queue) > 0:
		params = c.queue[0]
		c.queue = c.queue[1:]
		fromInitial = true
	case c.exhausted:
		return Suggestion{}, false, nil
	default:
		a, err := c.strategy.Next()
		if errors.Is(err, ErrSearchExhausted) {
			c.exhausted = true
			c.logger.Debug("search exhausted", "trials", len(c.order))

			return Suggestion{}, false, nil
		}

		if err != nil {
			var spaceErr *InvalidSearchSpaceError
			if errors.As(err, &spaceErr) {
				return Suggestion{}, false, err
			}

			return Suggestion{}, false, &StrategyError{Op: "next", Err: err}
		}

		if len(a) == 0 {
			return Suggestion{}, false, &StrategyError{Op: "next", Err: errors.New("empty assignment")}
		}

		params = a.Clone()
	}

	t := &trial{
		id:          c.newID(),
		params:      params,
		status:      StatusPending,
		fromInitial: fromInitial,
		createdAt:   time.Now(),
	}

	c.trials[t.id] = t
	c.order = append(c.order, t)
	c.active++

	c.logger.Debug("trial suggested", "trial_id", t.id, "initial", fromInitial, "active", c.active)

	return Suggestion{TrialID: t.id, Params: params.Clone()}, true, nil
}

// Report records a metric report for a trial and updates the best value
// of every metric it carries. Reports may omit objective metrics. A zero
// Step is replaced by the step following the trial's last report.
func (c *Coordinator) Report(id string, report MetricReport) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.trials[id]
	if !ok {
		return &UnknownTrialError{ID: id}
	}

	if t.status.IsTerminal() {
		return fmt.Errorf("trial %s: %w", id, ErrTrialFinished)
	}

	report = report.clone()

	if report.Step == 0 {
		report.Step = 1
		if n := len(t.reports); n > 0 {
			report.Step = t.reports[n-1].Step + 1
		}
	}

	c.seq++

	t.status = StatusRunning
	t.reports = append(t.reports, report)
	t.seqs = append(t.seqs, c.seq)

	for metric, v := range report.Metrics {
		c.offer(metric, v, t.id, c.seq)
	}

	return nil
}

// Complete marks a trial terminal, frees its concurrency slot and
// forwards its outcome to the strategy. Completing a terminal trial again
// is a no-op.
//
// When status is StatusCompleted but an objective metric was never
// reported, the trial is recorded as errored and an
// *ObjectiveMismatchError is returned. A failing Strategy.Observe is
// returned as *StrategyError; bookkeeping is done either way.
//
// Parameters:
//   - id: a trial ID returned by Suggest
//   - status: StatusCompleted or StatusErrored
//
// Returns:
//   - *UnknownTrialError for an ID Suggest never returned
//   - an error for a non-terminal status, leaving the trial untouched
//   - *ObjectiveMismatchError and *StrategyError as above, joined
func (c *Coordinator) Complete(id string, status TrialStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.trials[id]
	if !ok {
		return &UnknownTrialError{ID: id}
	}

	if t.status.IsTerminal() {
		return nil
	}

	if !status.IsTerminal() {
		return fmt.Errorf("trial %s: cannot complete with status %q", id, status)
	}

	t.fitness = c.config.Reduction.reduce(t.reports)
	t.finishedAt = time.Now()
	c.active--

	var mismatch error

	if status == StatusCompleted {
		var missing []string

		for _, o := range c.config.Objectives {
			if _, ok := t.fitness[o.Metric]; !ok {
				missing = append(missing, o.Metric)
			}
		}

		if len(missing) > 0 {
			status = StatusErrored
			mismatch = &ObjectiveMismatchError{ID: id, Missing: missing}
		}
	}

	t.status = status

	if status == StatusErrored {
		c.errored++
		c.retract(t.id)
	} else {
		c.completed++
	}

	var observeErr error

	snap := t.snapshot()

	result := Result{Status: status, Metrics: snap.Fitness, Reports: snap.Reports}
	if err := c.strategy.Observe(t.params.Clone(), result); err != nil {
		observeErr = &StrategyError{Op: "observe", Err: err}

		c.logger.Warn("strategy failed to observe trial", "trial_id", id, "error", err)
	}

	c.logger.Debug("trial finished", "trial_id", id, "status", status, "active", c.active)

	c.publish(t)

	return errors.Join(mismatch, observeErr)
}

// Best returns the parameters of the trial that reported the best value
// of metric in the given direction, or false if no trial reported it.
// Ties keep the earliest report.
func (c *Coordinator) Best(metric string, mode Direction) (Assignment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	inc, ok := c.best[bestKey{metric: metric, mode: mode}]
	if !ok {
		return nil, false
	}

	return c.trials[inc.trialID].params.Clone(), true
}

// BestTrial is like Best but returns the whole trial.
func (c *Coordinator) BestTrial(metric string, mode Direction) (TrialSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	inc, ok := c.best[bestKey{metric: metric, mode: mode}]
	if !ok {
		return TrialSnapshot{}, false
	}

	return c.trials[inc.trialID].snapshot(), true
}

// ParetoFront returns the completed trials that no other completed trial
// dominates over the configured objectives, in creation order. A trial
// dominates another when it is no worse on every objective and strictly
// better on at least one.
func (c *Coordinator) ParetoFront() []TrialSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	candidates := make([]TrialSnapshot, 0, len(c.order))

	for _, t := range c.order {
		if t.status == StatusCompleted {
			candidates = append(candidates, t.snapshot())
		}
	}

	return paretoFront(candidates, c.config.Objectives)
}

// ShouldStop asks the configured Stopper whether a trial should stop. It
// is always false without a stopper or for terminal trials.
func (c *Coordinator) ShouldStop(id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.trials[id]
	if !ok {
		return false, &UnknownTrialError{ID: id}
	}

	if c.config.Stopper == nil || t.status.IsTerminal() {
		return false, nil
	}

	others := make([]TrialSnapshot, 0, len(c.order)-1)

	for _, other := range c.order {
		if other != t {
			others = append(others, other.snapshot())
		}
	}

	stop := c.config.Stopper.ShouldStop(t.snapshot(), others, c.config.Objectives[0])
	if stop {
		c.logger.Debug("stopper requested early stop", "trial_id", id, "reports", len(t.reports))
	}

	return stop, nil
}

// Running returns the number of non-terminal trials.
func (c *Coordinator) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.active
}

// Objectives returns the configured objectives.
func (c *Coordinator) Objectives() ObjectiveSpec {
	out := make(ObjectiveSpec, len(c.config.Objectives))
	copy(out, c.config.Objectives)

	return out
}

// Trial returns a snapshot of one trial.
func (c *Coordinator) Trial(id string) (TrialSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.trials[id]
	if !ok {
		return TrialSnapshot{}, &UnknownTrialError{ID: id}
	}

	return t.snapshot(), nil
}

// Trials returns snapshots of every trial in creation order.
func (c *Coordinator) Trials() []TrialSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]TrialSnapshot, len(c.order))
	for i, t := range c.order {
		out[i] = t.snapshot()
	}

	return out
}

// offer updates the incumbents of metric with a freshly reported value.
func (c *Coordinator) offer(metric string, v float64, trialID string, seq uint64) {
	if math.IsNaN(v) {
		return
	}

	for _, mode := range []Direction{Min, Max} {
		key := bestKey{metric: metric, mode: mode}

		cur, ok := c.best[key]
		if !ok || mode.Better(v, cur.value) {
			c.best[key] = incumbent{trialID: trialID, value: v, seq: seq}
		}
	}
}

// retract removes an errored trial from the incumbents and recomputes
// them from the remaining trials.
func (c *Coordinator) retract(trialID string) {
	for key, inc := range c.best {
		if inc.trialID != trialID {
			continue
		}

		delete(c.best, key)

		for _, t := range c.order {
			if t.status == StatusErrored {
				continue
			}

			for i, r := range t.reports {
				v, ok := r.Metrics[key.metric]
				if !ok || math.IsNaN(v) {
					continue
				}

				cur, have := c.best[key]
				if !have || key.mode.Better(v, cur.value) || (v == cur.value && t.seqs[i] < cur.seq) {
					c.best[key] = incumbent{trialID: t.id, value: v, seq: t.seqs[i]}
				}
			}
		}
	}
}

// publish sends a progress update without blocking.
func (c *Coordinator) publish(t *trial) {
	if c.config.ProgressChan == nil {
		return
	}

	best := make(map[string]float64, len(c.config.Objectives))

	for _, o := range c.config.Objectives {
		if inc, ok := c.best[bestKey{metric: o.Metric, mode: o.Mode}]; ok {
			best[o.Metric] = inc.value
		}
	}

	snap := t.snapshot()

	update := ProgressUpdate{
		TrialID:   t.id,
		Status:    t.status,
		Params:    snap.Params,
		Fitness:   snap.Fitness,
		Completed: c.completed,
		Errored:   c.errored,
		Active:    c.active,
		Best:      best,
	}

	select {
	case c.config.ProgressChan <- update:
	default:
		// Skip update if channel is full.
	}
}
