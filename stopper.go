package tune

import "math"

// Stopper decides whether a running trial should be stopped early. It is
// consulted through Coordinator.ShouldStop after each report.
//
// Stoppers compare trials on a single objective, so every implementation
// here is ScalarOnly and cannot be combined with a multi-objective spec.
type Stopper interface {
	ShouldStop(trial TrialSnapshot, others []TrialSnapshot, objective Objective) bool
}

// MedianStopper implements the median stopping rule. A trial is stopped
// when its best raw value so far is worse than the median of the other
// trials' running averages, each taken over reports up to the trial's
// current step. Errored trials and trials without reports by that step
// are left out of the median.
//
// Example: with reports of 4, 3 and 5 at steps 1 to 3, the trial's best
// is 3. Two others with running averages 2 and 2.5 at step 3 give a
// median of 2.25, so a minimizing trial is stopped.
type MedianStopper struct {
	// GracePeriod is the number of reports a trial makes before it can be
	// stopped.
	GracePeriod int

	// MinSamples is the number of other trials needed to form a median.
	MinSamples int
}

// RequiresScalar implements ScalarOnly.
func (m MedianStopper) RequiresScalar() bool { return true }

func (m MedianStopper) ShouldStop(trial TrialSnapshot, others []TrialSnapshot, objective Objective) bool {
	values, steps := series(trial.Reports, objective.Metric)
	if len(values) == 0 || len(values) < m.GracePeriod {
		return false
	}

	best := values[0]
	for _, v := range values[1:] {
		if objective.Mode.Better(v, best) {
			best = v
		}
	}

	step := steps[len(steps)-1]

	averages := make([]float64, 0, len(others))

	for _, other := range others {
		if other.ID == trial.ID || other.Status == StatusErrored {
			continue
		}

		otherValues, otherSteps := series(other.Reports, objective.Metric)

		var sum float64

		n := 0

		for i, v := range otherValues {
			if otherSteps[i] > step {
				break
			}

			sum += v
			n++
		}

		if n > 0 {
			averages = append(averages, sum/float64(n))
		}
	}

	min := m.MinSamples
	if min < 1 {
		min = 1
	}

	if len(averages) < min {
		return false
	}

	return objective.Mode.Better(median(averages), best)
}

// NoImprovementStopper stops a trial whose best value has not improved
// for Patience consecutive reports.
type NoImprovementStopper struct {
	Patience int
}

// RequiresScalar implements ScalarOnly.
func (n NoImprovementStopper) RequiresScalar() bool { return true }

func (n NoImprovementStopper) ShouldStop(trial TrialSnapshot, _ []TrialSnapshot, objective Objective) bool {
	if n.Patience < 1 {
		return false
	}

	values, _ := series(trial.Reports, objective.Metric)
	if len(values) == 0 {
		return false
	}

	bestIndex := 0
	for i, v := range values {
		if objective.Mode.Better(v, values[bestIndex]) {
			bestIndex = i
		}
	}

	return len(values)-1-bestIndex >= n.Patience
}

// series extracts one metric's values and steps from a report history.
func series(reports []MetricReport, metric string) (values []float64, steps []int) {
	for _, r := range reports {
		v, ok := r.Metrics[metric]
		if !ok || math.IsNaN(v) {
			continue
		}

		values = append(values, v)
		steps = append(steps, r.Step)
	}

	return values, steps
}
