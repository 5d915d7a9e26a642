package tune

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
)

//////
// Const, vars, types.
//////

// AcquisitionFunc scores a candidate from the surrogate's posterior mean
// and variance at that point. Scores are on the minimization scale, and
// the candidate with the lowest acquisition value is suggested next.
//
// Custom functions must:
// - Handle zero variance
// - Return lower values for more promising points
// - Not retain params.RandomState beyond the call
type AcquisitionFunc func(mean, variance float64, params AcquisitionParams) float64

// AcquisitionParams carries the knobs of the built-in acquisition
// functions.
type AcquisitionParams struct {
	// Beta weights uncertainty in UCB. Higher values explore more.
	// Typical values range from 0.1 to 5.0.
	Beta float64

	// Xi is the minimum improvement PI and EI look for.
	// Typical values range from 0.01 to 0.1.
	Xi float64

	// BestSoFar is the lowest observed score. BayesSearch keeps it up to
	// date; start it at math.MaxFloat64.
	BestSoFar float64

	// RandomState drives ThompsonSampling. BayesSearch sets it from its
	// own seed when nil.
	RandomState *rand.Rand
}

//////
// Available acquisition functions.
//////

// UCB is the confidence-bound rule for minimization: the posterior mean
// minus Beta standard deviations. A good default.
func UCB(mean, variance float64, params AcquisitionParams) float64 {
	return mean - params.Beta*math.Sqrt(math.Max(variance, 0))
}

// ProbabilityOfImprovement returns the negated probability that a point
// scores below BestSoFar - Xi. Conservative: it favors small, likely
// improvements.
func ProbabilityOfImprovement(mean, variance float64, params AcquisitionParams) float64 {
	sigma := math.Sqrt(math.Max(variance, 0))
	improvement := params.BestSoFar - params.Xi - mean

	if sigma == 0 {
		if improvement > 0 {
			return -1
		}

		return 0
	}

	return -normalCDF(improvement / sigma)
}

// ExpectedImprovement returns the negated expected improvement over
// BestSoFar - Xi, weighing both the likelihood and the size of the gain.
func ExpectedImprovement(mean, variance float64, params AcquisitionParams) float64 {
	sigma := math.Sqrt(math.Max(variance, 0))
	improvement := params.BestSoFar - params.Xi - mean

	if sigma == 0 {
		return -math.Max(improvement, 0)
	}

	z := improvement / sigma

	return -(improvement*normalCDF(z) + sigma*normalPDF(z))
}

// ThompsonSampling draws one sample from the posterior. Cheap and well
// suited to suggesting many trials in parallel.
//
// Warning:
// - params.RandomState must not be nil
func ThompsonSampling(mean, variance float64, params AcquisitionParams) float64 {
	return mean + math.Sqrt(math.Max(variance, 0))*params.RandomState.NormFloat64()
}

// AcquisitionByName resolves "ucb", "pi", "ei" or "thompson".
func AcquisitionByName(name string) (AcquisitionFunc, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "ucb":
		return UCB, nil
	case "pi", "probability_of_improvement":
		return ProbabilityOfImprovement, nil
	case "ei", "expected_improvement":
		return ExpectedImprovement, nil
	case "thompson", "thompson_sampling":
		return ThompsonSampling, nil
	default:
		return nil, fmt.Errorf("unknown acquisition function %q", name)
	}
}
