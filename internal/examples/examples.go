// Package examples holds the built-in objectives and define-by-run spaces
// the CLI can run by name.
package examples

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/thalesfsp/tune"
	"github.com/thalesfsp/tune/engine"
)

// DefaultSteps is used when an assignment carries no "steps" parameter.
const DefaultSteps = 100

// UnknownObjectiveError indicates a name with no registered objective or
// space.
type UnknownObjectiveError struct {
	Kind string
	Name string
}

func (e *UnknownObjectiveError) Error() string {
	return fmt.Sprintf("unknown %s: %s", e.Kind, e.Name)
}

var objectives = map[string]engine.Objective{
	"easy":        Easy,
	"conditional": Conditional,
	"multi":       Multi,
}

var spaces = map[string]tune.DefineByRun{
	"conditional": ConditionalSpace,
}

// Objective returns a built-in objective by name.
func Objective(name string) (engine.Objective, error) {
	fn, ok := objectives[name]
	if !ok {
		return nil, &UnknownObjectiveError{Kind: "objective", Name: name}
	}

	return fn, nil
}

// Space returns a built-in define-by-run space by name.
func Space(name string) (tune.DefineByRun, error) {
	fn, ok := spaces[name]
	if !ok {
		return nil, &UnknownObjectiveError{Kind: "space", Name: name}
	}

	return fn, nil
}

// Names lists the built-in objectives.
func Names() []string {
	names := make([]string, 0, len(objectives))
	for name := range objectives {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Evaluate is the toy training curve: the loss falls with width as steps
// go by and rises linearly with height.
func Evaluate(step int, width, height float64) float64 {
	denom := 0.1 + width*float64(step)/100
	if math.Abs(denom) < 1e-9 {
		denom = math.Copysign(1e-9, denom)
	}

	return 1/denom + height*0.1
}

// Easy reports mean_loss for every step of a width/height assignment.
func Easy(ctx context.Context, params tune.Assignment, r engine.Reporter) error {
	return train(ctx, params, r, func(step int, width, height float64) map[string]float64 {
		return map[string]float64{"mean_loss": Evaluate(step, width, height), "iterations": float64(step)}
	})
}

// Conditional is Easy with a penalty of 10 on the relu activation.
func Conditional(ctx context.Context, params tune.Assignment, r engine.Reporter) error {
	boost := 0.0
	if activation, _ := params.String("activation"); activation == "relu" {
		boost = 10
	}

	return train(ctx, params, r, func(step int, width, height float64) map[string]float64 {
		return map[string]float64{"mean_loss": Evaluate(step, width, height) + boost, "iterations": float64(step)}
	})
}

// Multi reports a loss to minimize and a gain to maximize that pull the
// width in opposite directions.
func Multi(ctx context.Context, params tune.Assignment, r engine.Reporter) error {
	return train(ctx, params, r, func(step int, width, height float64) map[string]float64 {
		loss := Evaluate(step, width, height)

		return map[string]float64{"loss": loss, "gain": loss * width}
	})
}

// ConditionalSpace picks the width and height ranges from the activation.
func ConditionalSpace(t *tune.TrialHandle) (map[string]any, error) {
	if t.SuggestCategorical("activation", "relu", "tanh") == "relu" {
		t.SuggestFloat("width", 0, 20)
		t.SuggestFloat("height", -100, 100)
	} else {
		t.SuggestFloat("width", -1, 21)
		t.SuggestFloat("height", -101, 101)
	}

	return map[string]any{"steps": DefaultSteps}, nil
}

func train(ctx context.Context, params tune.Assignment, r engine.Reporter, metrics func(step int, width, height float64) map[string]float64) error {
	width, ok := params.Float("width")
	if !ok {
		return fmt.Errorf("missing numeric parameter %q", "width")
	}

	height, ok := params.Float("height")
	if !ok {
		return fmt.Errorf("missing numeric parameter %q", "height")
	}

	steps, ok := params.Int("steps")
	if !ok {
		steps = DefaultSteps
	}

	for step := 0; step < steps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := r.Report(metrics(step, width, height)); err != nil {
			return err
		}
	}

	return nil
}
