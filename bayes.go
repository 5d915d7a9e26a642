package tune

import (
	"math"
)

//////
// Const, vars, types.
//////

// BayesConfig holds the settings of BayesSearch.
//
// Default values recommendations:
// - InitialSamples: 10 (increase for a more stable initial model)
// - NumCandidates: 50-500 (increase for a more thorough search per suggestion)
type BayesConfig struct {
	// InitialSamples is the number of random suggestions made before the
	// surrogate model is trusted. Recommended range: 5-20.
	InitialSamples int

	// NumCandidates is the number of random candidates scored by the
	// acquisition function for each model-based suggestion.
	// Recommended range: 50-500.
	NumCandidates int

	// MaxSamples bounds the number of suggestions; zero means unbounded.
	MaxSamples int

	// AcquisitionFunc selects candidates. See AcquisitionFunc.
	AcquisitionFunc AcquisitionFunc

	// AcqParams holds the acquisition function parameters.
	AcqParams AcquisitionParams

	// Seed makes the search reproducible; zero seeds from the clock.
	Seed int64

	// LengthScale is the RBF kernel length scale over parameters encoded
	// onto [0, 1]. Zero keeps the default. Smaller values fit rougher
	// objectives.
	LengthScale float64
}

// DefaultBayesConfig returns a UCB-driven configuration.
func DefaultBayesConfig() BayesConfig {
	return BayesConfig{
		InitialSamples:  10,
		NumCandidates:   50,
		AcquisitionFunc: UCB,
		AcqParams: AcquisitionParams{
			BestSoFar: math.MaxFloat64,
			Beta:      2.0,
			Xi:        0.01,
		},
	}
}

// BayesSearch is a Strategy driven by a Gaussian Process surrogate.
//
// How it works:
//  1. The first InitialSamples suggestions are drawn at random
//  2. Every later suggestion:
//     - draws NumCandidates random candidates
//     - predicts each candidate's score with the Gaussian Process
//     - scores the prediction with AcquisitionFunc
//     - returns the candidate with the lowest acquisition value
//  3. Every finished trial updates the model; errored trials are fitted
//     with a penalty so the model steers away from them
//
// Usage example:
//
//	cfg := DefaultBayesConfig()
//	cfg.AcquisitionFunc = ExpectedImprovement
//
//	coord, err := NewCoordinator(Config{
//	    Space: Static(StaticSpace{
//	        "buffer":  Int(1024, 1048576),
//	        "workers": Int(1, 32),
//	    }),
//	    Objectives:    SingleObjective("latency", Min),
//	    MaxConcurrent: 2,
//	}, NewBayesSearch(cfg))
//
// Important notes:
// - Needs a static space: define-by-run spaces change dimension per trial
// - Needs a single objective: candidates are ranked on one score
// - Categorical parameters are encoded by index, which assumes their
//   order is meaningful
type BayesSearch struct {
	config BayesConfig

	space     StaticSpace
	names     []string
	objective Objective
	gp        *gaussianProcess
	rng       *randSource
	issued    int
}

//////
// Factory.
//////

// NewBayesSearch creates a BayesSearch. Zero-valued fields of config fall
// back to DefaultBayesConfig.
func NewBayesSearch(config BayesConfig) *BayesSearch {
	def := DefaultBayesConfig()

	if config.InitialSamples <= 0 {
		config.InitialSamples = def.InitialSamples
	}

	if config.NumCandidates <= 0 {
		config.NumCandidates = def.NumCandidates
	}

	if config.AcquisitionFunc == nil {
		config.AcquisitionFunc = def.AcquisitionFunc
	}

	if config.AcqParams.BestSoFar == 0 {
		config.AcqParams.BestSoFar = math.MaxFloat64
	}

	gp := newGaussianProcess()
	if config.LengthScale > 0 {
		gp.SetSigma(config.LengthScale)
	}

	return &BayesSearch{
		config: config,
		gp:     gp,
	}
}

//////
// Methods.
//////

// LengthScale returns the kernel length scale of the surrogate model.
func (b *BayesSearch) LengthScale() float64 {
	return b.gp.GetSigma()
}

// RequiresScalar implements ScalarOnly.
func (b *BayesSearch) RequiresScalar() bool { return true }

func (b *BayesSearch) Setup(space SearchSpace, objectives ObjectiveSpec, _ []Assignment) error {
	if err := space.Validate(); err != nil {
		return err
	}

	if space.IsDefineByRun() {
		return &InvalidSearchSpaceError{Reason: "bayes search needs a static space"}
	}

	if len(objectives) != 1 {
		return &ConfigurationError{Reason: "bayes search optimizes exactly one objective"}
	}

	b.space = space.Static
	b.names = space.Static.Names()
	b.objective = objectives[0]
	b.rng = newRandSource(b.config.Seed)

	if b.config.AcqParams.RandomState == nil {
		b.config.AcqParams.RandomState = b.rng.Rand
	}

	return nil
}

func (b *BayesSearch) Next() (Assignment, error) {
	if b.config.MaxSamples > 0 && b.issued >= b.config.MaxSamples {
		return nil, ErrSearchExhausted
	}

	// Phase 1: random sampling until the model has enough data.
	if b.gp.Len() < b.config.InitialSamples {
		b.issued++

		return Static(b.space).Sample(b.rng)
	}

	// Phase 2: pick the most promising of NumCandidates random points.
	var next Assignment

	bestAcquisition := math.Inf(1)

	for j := 0; j < b.config.NumCandidates; j++ {
		candidate, err := Static(b.space).Sample(b.rng)
		if err != nil {
			return nil, err
		}

		x, err := b.encode(candidate)
		if err != nil {
			return nil, err
		}

		mean, variance := b.gp.Predict(x)

		acquisition := b.config.AcquisitionFunc(mean, variance, b.config.AcqParams)
		if next == nil || acquisition < bestAcquisition {
			bestAcquisition = acquisition
			next = candidate
		}
	}

	b.issued++

	return next, nil
}

func (b *BayesSearch) Observe(a Assignment, r Result) error {
	x, err := b.encode(a)
	if err != nil {
		return err
	}

	value, ok := r.Metrics[b.objective.Metric]
	if r.Status != StatusCompleted || !ok || math.IsNaN(value) || math.IsInf(value, 0) {
		b.gp.UpdateFailure(x)

		return nil
	}

	score := b.objective.Mode.score(value)

	b.gp.Update(x, score)

	if score < b.config.AcqParams.BestSoFar {
		b.config.AcqParams.BestSoFar = score
	}

	return nil
}

// encode maps an assignment onto the unit hypercube, one coordinate per
// parameter in name order.
func (b *BayesSearch) encode(a Assignment) ([]float64, error) {
	x := make([]float64, len(b.names))

	for i, name := range b.names {
		v, ok := a[name]
		if !ok {
			return nil, &InvalidSearchSpaceError{Param: name, Reason: "missing from assignment"}
		}

		x[i], ok = b.space[name].Encode(v)
		if !ok {
			return nil, &InvalidSearchSpaceError{Param: name, Reason: "value outside its domain"}
		}
	}

	return x, nil
}
