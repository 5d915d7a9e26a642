package tune

import (
	"fmt"
	"reflect"
)

// Sampler draws a value for one parameter. Strategies implement it so
// that define-by-run generators sample through the strategy's model.
type Sampler interface {
	Sample(name string, d Domain) (any, error)
}

// ParamRequest is one parameter requested through a TrialHandle.
type ParamRequest struct {
	Name   string
	Domain Domain
	Value  any
}

// TrialHandle is passed to a DefineByRun generator. It records each
// parameter request in declaration order.
//
// The first error (an invalid domain, a name requested twice with a
// different domain, a sampler failure) is kept, and every later request
// returns the zero value. The coordinator surfaces that error once the
// generator returns, so generators don't need to check it themselves.
type TrialHandle struct {
	sampler Sampler
	params  []ParamRequest
	index   map[string]int
	err     error
}

func newTrialHandle(sampler Sampler) *TrialHandle {
	return &TrialHandle{
		sampler: sampler,
		index:   make(map[string]int),
	}
}

// SuggestFloat requests a float uniformly drawn from [low, high].
func (t *TrialHandle) SuggestFloat(name string, low, high float64) float64 {
	f, _ := t.typed(name, t.suggest(name, Float(low, high)), float64(0)).(float64)

	return f
}

// SuggestLogFloat requests a float drawn log-uniformly from [low, high].
func (t *TrialHandle) SuggestLogFloat(name string, low, high float64) float64 {
	f, _ := t.typed(name, t.suggest(name, LogFloat(low, high)), float64(0)).(float64)

	return f
}

// SuggestInt requests an int drawn uniformly from [low, high].
func (t *TrialHandle) SuggestInt(name string, low, high int) int {
	i, _ := t.typed(name, t.suggest(name, Int(low, high)), int(0)).(int)

	return i
}

// SuggestCategorical requests one of choices.
func (t *TrialHandle) SuggestCategorical(name string, choices ...any) any {
	return t.suggest(name, Choice(choices...))
}

// Params returns the requests made so far, in order.
func (t *TrialHandle) Params() []ParamRequest {
	out := make([]ParamRequest, len(t.params))
	copy(out, t.params)

	return out
}

// Err returns the first error recorded by the handle.
func (t *TrialHandle) Err() error {
	return t.err
}

func (t *TrialHandle) suggest(name string, d Domain) any {
	if t.err != nil {
		return nil
	}

	if err := d.Validate(); err != nil {
		t.err = &InvalidSearchSpaceError{Param: name, Reason: err.Error()}

		return nil
	}

	// Asking twice for the same parameter is fine as long as the domain
	// matches; the first value is reused.
	if i, ok := t.index[name]; ok {
		prev := t.params[i]
		if !reflect.DeepEqual(prev.Domain, d) {
			t.err = &InvalidSearchSpaceError{Param: name, Reason: "requested twice with different domains"}

			return nil
		}

		return prev.Value
	}

	v, err := t.sampler.Sample(name, d)
	if err != nil {
		t.err = err

		return nil
	}

	if v == nil {
		t.err = fmt.Errorf("sampler returned no value for %q", name)

		return nil
	}

	t.index[name] = len(t.params)
	t.params = append(t.params, ParamRequest{Name: name, Domain: d, Value: v})

	return v
}

// typed records an error when a sampler hands back a value of the wrong
// type for a numeric request.
func (t *TrialHandle) typed(name string, v, want any) any {
	if t.err != nil || reflect.TypeOf(v) == reflect.TypeOf(want) {
		return v
	}

	t.err = fmt.Errorf("sampler returned %T for %q, want %T", v, name, want)

	return want
}

func (t *TrialHandle) assignment() Assignment {
	out := make(Assignment, len(t.params))
	for _, p := range t.params {
		out[p.Name] = p.Value
	}

	return out
}
