package tune

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"reflect"
	"sort"

	"golang.org/x/exp/constraints"
)

//////
// Domains.
//////

// Domain describes the values one parameter may take.
type Domain interface {
	// Sample draws a value.
	Sample(rng *rand.Rand) any

	// Validate returns an error describing why the domain cannot be
	// sampled, or nil.
	Validate() error

	// Encode maps a value of this domain onto [0, 1]. It reports false for
	// values that do not belong to the domain.
	Encode(v any) (float64, bool)

	// Decode is the inverse of Encode.
	Decode(x float64) any
}

// Number is the set of types a ParameterRange may hold.
type Number interface {
	constraints.Integer | constraints.Float
}

// ParameterRange is a uniform range over integers or floats, inclusive on
// both ends.
//
// Usage:
//
//	// Buffer size from 1KB to 1MB.
//	bufferSize := ParameterRange[int]{Min: 1024, Max: 1048576}
//
//	// Learning rate sampled log-uniformly.
//	lr := ParameterRange[float64]{Min: 1e-4, Max: 1e-1, Log: true}
//
// Validation:
// - Min must be less than or equal to Max
// - Both bounds must be finite
// - Log requires Min > 0
type ParameterRange[T Number] struct {
	// Min defines the minimum allowed value (inclusive).
	Min T

	// Max defines the maximum allowed value (inclusive).
	Max T

	// Log samples uniformly in log space.
	Log bool
}

// Float is shorthand for a float64 range.
func Float(min, max float64) ParameterRange[float64] {
	return ParameterRange[float64]{Min: min, Max: max}
}

// LogFloat is shorthand for a log-uniform float64 range.
func LogFloat(min, max float64) ParameterRange[float64] {
	return ParameterRange[float64]{Min: min, Max: max, Log: true}
}

// Int is shorthand for an int range.
func Int(min, max int) ParameterRange[int] {
	return ParameterRange[int]{Min: min, Max: max}
}

func (r ParameterRange[T]) integral() bool {
	half := 0.5

	return T(half) == 0
}

func (r ParameterRange[T]) signed() bool {
	var zero T

	return zero-1 < zero
}

func (r ParameterRange[T]) bounds() (lo, hi float64) {
	lo, hi = float64(r.Min), float64(r.Max)
	if r.Log {
		lo, hi = math.Log(lo), math.Log(hi)
	}

	return lo, hi
}

func (r ParameterRange[T]) Validate() error {
	lo, hi := float64(r.Min), float64(r.Max)

	if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) {
		return errors.New("range must be bounded")
	}

	if lo > hi {
		return fmt.Errorf("min %v is greater than max %v", r.Min, r.Max)
	}

	if r.Log && lo <= 0 {
		return fmt.Errorf("log range needs a positive min, got %v", r.Min)
	}

	return nil
}

func (r ParameterRange[T]) Sample(rng *rand.Rand) any {
	if r.integral() && !r.Log {
		return r.sampleInt(rng)
	}

	lo, hi := r.bounds()
	x := lo + rng.Float64()*(hi-lo)

	return r.fromScaled(x)
}

// sampleInt draws uniformly from an integer range of any width. span is
// Max-Min computed in 64-bit two's complement, so it never overflows.
func (r ParameterRange[T]) sampleInt(rng *rand.Rand) T {
	var span uint64
	if r.signed() {
		span = uint64(int64(r.Max) - int64(r.Min))
	} else {
		span = uint64(r.Max) - uint64(r.Min)
	}

	var offset uint64

	switch {
	case span < math.MaxInt64:
		offset = uint64(rng.Int63n(int64(span) + 1))
	case span == math.MaxUint64:
		offset = rng.Uint64()
	default:
		// Rejection sampling; at least half the draws are accepted.
		offset = rng.Uint64()
		for offset > span {
			offset = rng.Uint64()
		}
	}

	if r.signed() {
		return T(int64(r.Min) + int64(offset))
	}

	return T(uint64(r.Min) + offset)
}

func (r ParameterRange[T]) fromScaled(x float64) T {
	if r.Log {
		x = math.Exp(x)
	}

	if r.integral() {
		x = math.Round(x)
	}

	// float64 cannot hold every 64-bit bound exactly.
	if x >= float64(r.Max) {
		return r.Max
	}

	if x <= float64(r.Min) {
		return r.Min
	}

	return T(x)
}

func (r ParameterRange[T]) Encode(v any) (float64, bool) {
	f, ok := toFloat(v)
	if !ok || f < float64(r.Min) || f > float64(r.Max) {
		return 0, false
	}

	lo, hi := r.bounds()
	if hi == lo {
		return 0, true
	}

	if r.Log {
		f = math.Log(f)
	}

	return (f - lo) / (hi - lo), true
}

func (r ParameterRange[T]) Decode(x float64) any {
	lo, hi := r.bounds()

	return r.fromScaled(lo + clamp01(x)*(hi-lo))
}

// Categorical is a finite set of choices.
type Categorical struct {
	Values []any
}

// Choice builds a Categorical domain.
func Choice(values ...any) Categorical {
	return Categorical{Values: values}
}

func (c Categorical) Validate() error {
	if len(c.Values) == 0 {
		return errors.New("choice set is empty")
	}

	return nil
}

func (c Categorical) Sample(rng *rand.Rand) any {
	return c.Values[rng.Intn(len(c.Values))]
}

func (c Categorical) index(v any) int {
	for i, candidate := range c.Values {
		if reflect.DeepEqual(candidate, v) {
			return i
		}
	}

	// Numbers decoded from config files may not match the declared type.
	if f, ok := toFloat(v); ok {
		for i, candidate := range c.Values {
			if g, ok := toFloat(candidate); ok && g == f {
				return i
			}
		}
	}

	return -1
}

func (c Categorical) Encode(v any) (float64, bool) {
	i := c.index(v)
	if i < 0 {
		return 0, false
	}

	if len(c.Values) == 1 {
		return 0, true
	}

	return float64(i) / float64(len(c.Values)-1), true
}

func (c Categorical) Decode(x float64) any {
	if len(c.Values) == 1 {
		return c.Values[0]
	}

	return c.Values[int(math.Round(clamp01(x)*float64(len(c.Values)-1)))]
}

// Constant is a fixed value.
type Constant struct {
	Value any
}

// Fixed builds a Constant domain.
func Fixed(v any) Constant {
	return Constant{Value: v}
}

func (c Constant) Validate() error { return nil }

func (c Constant) Sample(*rand.Rand) any { return c.Value }

func (c Constant) Encode(v any) (float64, bool) {
	return 0, reflect.DeepEqual(v, c.Value)
}

func (c Constant) Decode(float64) any { return c.Value }

//////
// Search space.
//////

// StaticSpace declares every parameter up front.
type StaticSpace map[string]Domain

// Names returns the parameter names in sorted order.
func (s StaticSpace) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// DefineByRun builds a trial's assignment imperatively. Parameters are
// requested through the handle and may depend on earlier requests. The
// returned map holds extra constants merged into the assignment; it may
// be nil.
//
// Example:
//
//	func(t *TrialHandle) (map[string]any, error) {
//	    if t.SuggestCategorical("activation", "relu", "tanh") == "relu" {
//	        t.SuggestFloat("width", 0, 20)
//	    } else {
//	        t.SuggestFloat("width", -1, 21)
//	    }
//	    return map[string]any{"steps": 100}, nil
//	}
type DefineByRun func(t *TrialHandle) (map[string]any, error)

// SearchSpace is either a StaticSpace or a DefineByRun generator, never
// both.
type SearchSpace struct {
	Static StaticSpace
	Define DefineByRun
}

// Static wraps a StaticSpace.
func Static(s StaticSpace) SearchSpace {
	return SearchSpace{Static: s}
}

// Conditional wraps a define-by-run generator.
func Conditional(fn DefineByRun) SearchSpace {
	return SearchSpace{Define: fn}
}

// IsDefineByRun reports whether the space is generated per trial.
func (s SearchSpace) IsDefineByRun() bool {
	return s.Define != nil
}

// Validate checks every static domain. Define-by-run domains are checked
// as they are requested.
func (s SearchSpace) Validate() error {
	switch {
	case s.Define != nil && s.Static != nil:
		return &InvalidSearchSpaceError{Reason: "space is both static and define-by-run"}
	case s.Define == nil && len(s.Static) == 0:
		return &InvalidSearchSpaceError{Reason: "space declares no parameters"}
	case s.Define != nil:
		return nil
	}

	for _, name := range s.Static.Names() {
		d := s.Static[name]
		if d == nil {
			return &InvalidSearchSpaceError{Param: name, Reason: "nil domain"}
		}

		if err := d.Validate(); err != nil {
			return &InvalidSearchSpaceError{Param: name, Reason: err.Error()}
		}
	}

	return nil
}

// Sample produces one assignment, drawing every value from sampler.
func (s SearchSpace) Sample(sampler Sampler) (Assignment, error) {
	if s.Define == nil {
		out := make(Assignment, len(s.Static))

		for _, name := range s.Static.Names() {
			v, err := sampler.Sample(name, s.Static[name])
			if err != nil {
				return nil, err
			}

			out[name] = v
		}

		return out, nil
	}

	t := newTrialHandle(sampler)

	extra, err := s.Define(t)
	if t.err != nil {
		return nil, t.err
	}

	if err != nil {
		return nil, &InvalidSearchSpaceError{Reason: "define-by-run function failed", Err: err}
	}

	out := t.assignment()

	for name, v := range extra {
		if _, clash := out[name]; clash {
			return nil, &InvalidSearchSpaceError{Param: name, Reason: "constant overrides a suggested parameter"}
		}

		out[name] = v
	}

	return out, nil
}
