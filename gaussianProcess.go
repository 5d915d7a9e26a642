package tune

import (
	"math"
	"sync"
)

//////
// Const, vars, types.
//////

const (
	// defaultLengthScale suits inputs encoded onto [0, 1].
	defaultLengthScale = 0.3

	// defaultNoise is added to the kernel diagonal.
	defaultNoise = 1e-6
)

// gaussianProcess is a Gaussian Process regressor over points encoded
// onto the unit hypercube. It predicts the score (lower is better) of
// untested assignments from the trials observed so far.
//
// Thread safety:
// - All fields are protected by the RWMutex
// - Predict takes the read lock, Update and SetSigma the write lock
// - The posterior is refit eagerly on every write, so reads never mutate
type gaussianProcess struct {
	// mu protects access to all fields
	mu sync.RWMutex

	// X stores the encoded input points.
	X [][]float64

	// Y stores the observed scores. Entries flagged in failed hold no
	// meaningful value and are replaced by a penalty at fit time.
	Y      []float64
	failed []bool

	// sigma is the RBF length scale.
	sigma float64
	noise float64

	// Fitted posterior.
	chol  [][]float64
	alpha []float64
	yMean float64
	yStd  float64
}

//////
// Methods.
//////

// rbf returns exp(-|x1-x2|^2 / (2 sigma^2)).
//
// Panics if the vectors have different lengths.
func rbf(x1, x2 []float64, sigma float64) float64 {
	if len(x1) != len(x2) {
		panic("input vectors must have the same length")
	}

	var sum float64

	for i := range x1 {
		diff := x1[i] - x2[i]

		sum += diff * diff
	}

	return math.Exp(-sum / (2 * sigma * sigma))
}

// Predict returns the posterior mean and variance of the score at x.
// With no observations it returns the prior (0, 1).
func (gp *gaussianProcess) Predict(x []float64) (mean, variance float64) {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	if len(gp.X) == 0 || gp.chol == nil {
		return 0, 1
	}

	k := make([]float64, len(gp.X))
	for i := range gp.X {
		k[i] = rbf(x, gp.X[i], gp.sigma)
	}

	for i := range k {
		mean += k[i] * gp.alpha[i]
	}

	v := forwardSubstitute(gp.chol, k)

	variance = 1
	for i := range v {
		variance -= v[i] * v[i]
	}

	variance = math.Max(variance, 1e-12)

	return mean*gp.yStd + gp.yMean, variance * gp.yStd * gp.yStd
}

// Update adds an observation and refits the posterior. x is copied.
func (gp *gaussianProcess) Update(x []float64, y float64) {
	gp.add(x, y, false)
}

// UpdateFailure records a failed evaluation at x. It is fitted with a
// penalty worse than every successful observation so the model learns to
// avoid the region.
func (gp *gaussianProcess) UpdateFailure(x []float64) {
	gp.add(x, 0, true)
}

func (gp *gaussianProcess) add(x []float64, y float64, failed bool) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	newX := make([]float64, len(x))
	copy(newX, x)

	gp.X = append(gp.X, newX)
	gp.Y = append(gp.Y, y)
	gp.failed = append(gp.failed, failed)

	gp.fit()
}

// SetSigma changes the kernel length scale and refits.
func (gp *gaussianProcess) SetSigma(sigma float64) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	gp.sigma = sigma
	gp.fit()
}

// GetSigma returns the kernel length scale.
func (gp *gaussianProcess) GetSigma() float64 {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	return gp.sigma
}

// Len returns the number of observations.
func (gp *gaussianProcess) Len() int {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	return len(gp.X)
}

// fit recomputes the Cholesky factor of the kernel matrix and the weights
// alpha = K^-1 y over standardized targets. Caller holds the write lock.
func (gp *gaussianProcess) fit() {
	n := len(gp.X)
	if n == 0 {
		gp.chol, gp.alpha = nil, nil

		return
	}

	y := gp.targets()

	gp.yMean = mean(y)
	gp.yStd = stddev(y, gp.yMean)

	if gp.yStd == 0 {
		gp.yStd = 1
	}

	z := make([]float64, n)
	for i := range y {
		z[i] = (y[i] - gp.yMean) / gp.yStd
	}

	// Retry with growing jitter if the matrix is numerically singular,
	// which happens when the same point is observed twice.
	for jitter := gp.noise; jitter < 1; jitter *= 10 {
		k := make([][]float64, n)
		for i := range k {
			k[i] = make([]float64, n)
			for j := range k[i] {
				k[i][j] = rbf(gp.X[i], gp.X[j], gp.sigma)
			}

			k[i][i] += jitter
		}

		if l, ok := cholesky(k); ok {
			gp.chol = l
			gp.alpha = backSubstitute(l, forwardSubstitute(l, z))

			return
		}
	}

	gp.chol, gp.alpha = nil, nil
}

// targets returns Y with failures replaced by a penalty.
func (gp *gaussianProcess) targets() []float64 {
	lo, hi := math.Inf(1), math.Inf(-1)

	for i, y := range gp.Y {
		if !gp.failed[i] {
			lo = math.Min(lo, y)
			hi = math.Max(hi, y)
		}
	}

	penalty := 1.0
	if !math.IsInf(hi, -1) {
		penalty = hi + math.Max(hi-lo, 1)
	}

	out := make([]float64, len(gp.Y))
	for i, y := range gp.Y {
		if gp.failed[i] {
			y = penalty
		}

		out[i] = y
	}

	return out
}

//////
// Factory.
//////

// newGaussianProcess returns an empty model with the default length scale.
func newGaussianProcess() *gaussianProcess {
	return &gaussianProcess{
		sigma: defaultLengthScale,
		noise: defaultNoise,
		yStd:  1,
	}
}
