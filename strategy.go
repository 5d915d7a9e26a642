package tune

import (
	"fmt"
	"math/rand"
	"time"
)

// Strategy is the optimization algorithm behind a Coordinator. Any
// algorithm (random search, Bayesian optimization, evolution strategies)
// can be plugged in without changing the coordinator.
//
// The coordinator serializes every call, so implementations need no
// locking of their own.
type Strategy interface {
	// Setup receives the search space, the objectives and the points the
	// coordinator will evaluate before asking for suggestions. It is called
	// once, from NewCoordinator.
	Setup(space SearchSpace, objectives ObjectiveSpec, initial []Assignment) error

	// Next returns the next assignment to evaluate, or ErrSearchExhausted.
	Next() (Assignment, error)

	// Observe feeds back the outcome of a finished trial.
	Observe(a Assignment, r Result) error
}

// ScalarOnly is implemented by components that need a total order over
// trial fitness and therefore cannot work with multiple objectives.
type ScalarOnly interface {
	RequiresScalar() bool
}

func requiresScalar(v any) bool {
	s, ok := v.(ScalarOnly)

	return ok && s.RequiresScalar()
}

func newRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return rand.New(rand.NewSource(seed))
}

// randSource is a Sampler drawing every domain uniformly.
type randSource struct {
	*rand.Rand
}

func newRandSource(seed int64) *randSource {
	return &randSource{Rand: newRand(seed)}
}

func (r *randSource) Sample(_ string, d Domain) (any, error) {
	return d.Sample(r.Rand), nil
}

//////
// Random search.
//////

// RandomSearch samples every parameter independently and uniformly. It
// supports both static and define-by-run spaces.
type RandomSearch struct {
	// MaxSamples bounds the number of suggestions; zero means unbounded.
	MaxSamples int

	// Seed makes the sequence reproducible; zero seeds from the clock.
	Seed int64

	rng    *randSource
	space  SearchSpace
	issued int
}

// NewRandomSearch returns an unbounded random search.
func NewRandomSearch(seed int64) *RandomSearch {
	return &RandomSearch{Seed: seed}
}

func (s *RandomSearch) Setup(space SearchSpace, _ ObjectiveSpec, _ []Assignment) error {
	if err := space.Validate(); err != nil {
		return err
	}

	s.space = space
	s.rng = newRandSource(s.Seed)

	return nil
}

func (s *RandomSearch) Next() (Assignment, error) {
	if s.MaxSamples > 0 && s.issued >= s.MaxSamples {
		return nil, ErrSearchExhausted
	}

	a, err := s.space.Sample(s.rng)
	if err != nil {
		return nil, err
	}

	s.issued++

	return a, nil
}

func (s *RandomSearch) Observe(Assignment, Result) error { return nil }

//////
// Grid search.
//////

// GridSearch walks every combination of a static space made of
// Categorical and Constant domains, then reports ErrSearchExhausted.
type GridSearch struct {
	names   []string
	domains []Categorical
	cursor  []int
	done    bool
}

// NewGridSearch returns an empty grid search; the grid is built in Setup.
func NewGridSearch() *GridSearch {
	return &GridSearch{}
}

func (g *GridSearch) Setup(space SearchSpace, _ ObjectiveSpec, _ []Assignment) error {
	if err := space.Validate(); err != nil {
		return err
	}

	if space.IsDefineByRun() {
		return &InvalidSearchSpaceError{Reason: "grid search needs a static space"}
	}

	for _, name := range space.Static.Names() {
		switch d := space.Static[name].(type) {
		case Categorical:
			g.domains = append(g.domains, d)
		case Constant:
			g.domains = append(g.domains, Choice(d.Value))
		default:
			return &InvalidSearchSpaceError{
				Param:  name,
				Reason: fmt.Sprintf("grid search cannot enumerate %T", d),
			}
		}

		g.names = append(g.names, name)
	}

	g.cursor = make([]int, len(g.names))

	return nil
}

// Size returns the number of grid points.
func (g *GridSearch) Size() int {
	n := 1
	for _, d := range g.domains {
		n *= len(d.Values)
	}

	return n
}

func (g *GridSearch) Next() (Assignment, error) {
	if g.done {
		return nil, ErrSearchExhausted
	}

	out := make(Assignment, len(g.names))
	for i, name := range g.names {
		out[name] = g.domains[i].Values[g.cursor[i]]
	}

	// Advance the odometer, last parameter fastest.
	g.done = true

	for i := len(g.cursor) - 1; i >= 0; i-- {
		g.cursor[i]++
		if g.cursor[i] < len(g.domains[i].Values) {
			g.done = false

			break
		}

		g.cursor[i] = 0
	}

	return out, nil
}

func (g *GridSearch) Observe(Assignment, Result) error { return nil }
