package tune

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
)

//////
// Objectives.
//////

// Direction tells whether a metric is minimized or maximized.
type Direction string

const (
	// Min minimizes the metric.
	Min Direction = "min"

	// Max maximizes the metric.
	Max Direction = "max"
)

// ParseDirection accepts "min", "minimize", "max" and "maximize", case
// insensitive.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "min", "minimize":
		return Min, nil
	case "max", "maximize":
		return Max, nil
	default:
		return "", fmt.Errorf("unknown direction %q", s)
	}
}

// Better reports whether a strictly improves on b in this direction.
func (d Direction) Better(a, b float64) bool {
	if d == Max {
		return a > b
	}

	return a < b
}

// score maps a metric value onto a scale where lower is always better.
func (d Direction) score(v float64) float64 {
	if d == Max {
		return -v
	}

	return v
}

func (d Direction) valid() bool {
	return d == Min || d == Max
}

// Objective is a single (metric, direction) pair.
type Objective struct {
	Metric string
	Mode   Direction
}

// ObjectiveSpec lists the objectives of a search. A single entry means
// scalar optimization; more than one means multi-objective (Pareto)
// optimization.
type ObjectiveSpec []Objective

// SingleObjective returns a scalar ObjectiveSpec.
func SingleObjective(metric string, mode Direction) ObjectiveSpec {
	return ObjectiveSpec{{Metric: metric, Mode: mode}}
}

// MultiObjective builds an ObjectiveSpec from parallel lists of metric
// names and directions.
//
// Example:
//
//	spec, err := MultiObjective(
//	    []string{"loss", "gain"},
//	    []Direction{Min, Max},
//	)
func MultiObjective(metrics []string, modes []Direction) (ObjectiveSpec, error) {
	if len(metrics) != len(modes) {
		return nil, &ConfigurationError{
			Reason: fmt.Sprintf("%d metrics but %d modes", len(metrics), len(modes)),
		}
	}

	spec := make(ObjectiveSpec, len(metrics))
	for i := range metrics {
		spec[i] = Objective{Metric: metrics[i], Mode: modes[i]}
	}

	if err := spec.validate(); err != nil {
		return nil, err
	}

	return spec, nil
}

// IsMulti reports whether the spec has more than one objective.
func (s ObjectiveSpec) IsMulti() bool {
	return len(s) > 1
}

// Metrics returns the metric names in declaration order.
func (s ObjectiveSpec) Metrics() []string {
	names := make([]string, len(s))
	for i, o := range s {
		names[i] = o.Metric
	}

	return names
}

func (s ObjectiveSpec) validate() error {
	if len(s) == 0 {
		return &ConfigurationError{Reason: "at least one objective is required"}
	}

	seen := make(map[string]struct{}, len(s))

	for _, o := range s {
		if o.Metric == "" {
			return &ConfigurationError{Reason: "objective metric name is empty"}
		}

		if !o.Mode.valid() {
			return &ConfigurationError{Reason: fmt.Sprintf("objective %q: invalid mode %q", o.Metric, o.Mode)}
		}

		if _, dup := seen[o.Metric]; dup {
			return &ConfigurationError{Reason: fmt.Sprintf("objective %q declared twice", o.Metric)}
		}

		seen[o.Metric] = struct{}{}
	}

	return nil
}

//////
// Trials.
//////

// Assignment maps parameter names to the values chosen for one trial.
type Assignment map[string]any

// Clone returns a shallow copy of the assignment.
func (a Assignment) Clone() Assignment {
	if a == nil {
		return nil
	}

	out := make(Assignment, len(a))
	for k, v := range a {
		out[k] = v
	}

	return out
}

// Float returns the named parameter as a float64. Any Go numeric type is
// accepted, which covers values decoded from YAML, TOML or JSON.
func (a Assignment) Float(name string) (float64, bool) {
	v, ok := a[name]
	if !ok {
		return 0, false
	}

	return toFloat(v)
}

// Int returns the named parameter as an int, truncating floats.
func (a Assignment) Int(name string) (int, bool) {
	f, ok := a.Float(name)
	if !ok {
		return 0, false
	}

	return int(f), true
}

// String returns the named parameter when it holds a string.
func (a Assignment) String(name string) (string, bool) {
	s, ok := a[name].(string)

	return s, ok
}

// TrialStatus is the lifecycle state of a trial.
type TrialStatus string

const (
	// StatusPending is a trial handed out by Suggest that has not reported yet.
	StatusPending TrialStatus = "pending"

	// StatusRunning is a trial that has reported at least once.
	StatusRunning TrialStatus = "running"

	// StatusCompleted is a trial that finished normally.
	StatusCompleted TrialStatus = "completed"

	// StatusErrored is a trial that failed, was cancelled, or finished
	// without every objective metric.
	StatusErrored TrialStatus = "errored"
)

// IsTerminal reports whether the status is completed or errored.
func (s TrialStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusErrored
}

// MetricReport is one report emitted by a trial. Reports are ordered by
// arrival and never mutated once recorded.
type MetricReport struct {
	Step    int
	Metrics map[string]float64
}

func (r MetricReport) clone() MetricReport {
	m := make(map[string]float64, len(r.Metrics))
	for k, v := range r.Metrics {
		m[k] = v
	}

	return MetricReport{Step: r.Step, Metrics: m}
}

// Result is what a Strategy observes when a trial finishes.
type Result struct {
	Status TrialStatus

	// Metrics holds the trial fitness: each metric reduced over the
	// report history with the configured Reduction.
	Metrics map[string]float64

	// Reports is the full report history.
	Reports []MetricReport
}

// Suggestion is a new trial handed to the execution engine.
type Suggestion struct {
	TrialID string
	Params  Assignment
}

// TrialSnapshot is a point-in-time copy of a trial.
type TrialSnapshot struct {
	ID      string
	Params  Assignment
	Status  TrialStatus
	Reports []MetricReport

	// Fitness is only set once the trial is terminal.
	Fitness map[string]float64

	// FromInitial is true for trials seeded from PointsToEvaluate.
	FromInitial bool

	CreatedAt  time.Time
	FinishedAt time.Time
}

//////
// Fitness reduction.
//////

// Reduction selects how a trial's report history is reduced to a single
// fitness value per metric.
type Reduction string

const (
	// ReduceLast keeps the last reported value.
	ReduceLast Reduction = "last"

	// ReduceMin keeps the lowest reported value.
	ReduceMin Reduction = "min"

	// ReduceMax keeps the highest reported value.
	ReduceMax Reduction = "max"

	// ReduceMean averages all reported values.
	ReduceMean Reduction = "mean"
)

// ParseReduction parses a reduction name. Empty means ReduceLast.
func ParseReduction(s string) (Reduction, error) {
	switch r := Reduction(strings.ToLower(strings.TrimSpace(s))); r {
	case "":
		return ReduceLast, nil
	case ReduceLast, ReduceMin, ReduceMax, ReduceMean:
		return r, nil
	default:
		return "", fmt.Errorf("unknown reduction %q", s)
	}
}

// reduce folds the history into one value per metric. NaN values are
// skipped.
func (r Reduction) reduce(reports []MetricReport) map[string]float64 {
	out := make(map[string]float64)
	counts := make(map[string]int)

	for _, rep := range reports {
		for name, v := range rep.Metrics {
			if math.IsNaN(v) {
				continue
			}

			prev, seen := out[name]

			switch {
			case !seen:
				out[name] = v
			case r == ReduceMin:
				out[name] = math.Min(prev, v)
			case r == ReduceMax:
				out[name] = math.Max(prev, v)
			case r == ReduceMean:
				out[name] = prev + v
			default:
				out[name] = v
			}

			counts[name]++
		}
	}

	if r == ReduceMean {
		for name, n := range counts {
			out[name] /= float64(n)
		}
	}

	return out
}

//////
// Configuration.
//////

// ProgressUpdate is emitted every time a trial finishes.
type ProgressUpdate struct {
	// TrialID is the trial that just finished.
	TrialID string

	// Status is its terminal status.
	Status TrialStatus

	// Params holds the trial's parameter assignment.
	Params Assignment

	// Fitness holds the trial's reduced metrics.
	Fitness map[string]float64

	// Completed, Errored and Active count trials across the search.
	Completed int
	Errored   int
	Active    int

	// Best maps each objective metric to the best value reported so far.
	Best map[string]float64
}

// Config holds everything the coordinator needs at construction.
//
// Usage example:
//
//	cfg := DefaultConfig()
//	cfg.Space = Static(StaticSpace{
//	    "width":  Float(0, 20),
//	    "height": Float(-100, 100),
//	})
//	cfg.Objectives = SingleObjective("mean_loss", Min)
//	cfg.MaxConcurrent = 4
//
//	coord, err := NewCoordinator(cfg, NewRandomSearch(42))
type Config struct {
	// Space is the search space, static or define-by-run.
	Space SearchSpace

	// Objectives lists the metrics to optimize.
	Objectives ObjectiveSpec

	// MaxConcurrent is the maximum number of non-terminal trials.
	MaxConcurrent int

	// PointsToEvaluate are suggested, in order, before the strategy is
	// consulted.
	PointsToEvaluate []Assignment

	// Reduction selects how a trial's history becomes its fitness.
	Reduction Reduction

	// Stopper optionally decides when to stop running trials early.
	Stopper Stopper

	// Logger receives debug and warning records. Nil discards them.
	Logger *slog.Logger

	// ProgressChan receives an update for every finished trial. Sends never
	// block: updates are dropped when the channel is full.
	ProgressChan chan<- ProgressUpdate
}

// DefaultConfig returns a configuration with one concurrent trial and the
// "final report wins" reduction. Space and Objectives must still be set.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 1,
		Reduction:     ReduceLast,
	}
}
