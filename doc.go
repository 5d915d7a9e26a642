// Package tune coordinates black-box hyperparameter search between a
// trial-execution engine and a pluggable optimization strategy.
//
// # Overview
//
// A Coordinator sits between the code that runs trials (the engine
// package, or any other scheduler) and a Strategy that proposes
// parameters. The engine repeatedly:
//
//  1. calls Suggest to obtain a trial ID and its parameters
//  2. runs the objective, calling Report with intermediate metrics
//  3. calls Complete when the objective returns or fails
//
// The coordinator enforces the concurrency budget, drains any
// points-to-evaluate before asking the strategy, keeps the best trial per
// metric and answers Pareto-front queries for multi-objective searches.
//
// # Search spaces
//
// Spaces are either static:
//
//	space := Static(StaticSpace{
//	    "width":      Float(0, 20),
//	    "height":     Float(-100, 100),
//	    "activation": Choice("relu", "tanh"),
//	    "steps":      Fixed(100),
//	})
//
// or define-by-run, where later parameters may depend on earlier ones:
//
//	space := Conditional(func(t *TrialHandle) (map[string]any, error) {
//	    if t.SuggestCategorical("activation", "relu", "tanh") == "relu" {
//	        t.SuggestFloat("width", 0, 20)
//	        t.SuggestFloat("height", -100, 100)
//	    } else {
//	        t.SuggestFloat("width", -1, 21)
//	        t.SuggestFloat("height", -101, 101)
//	    }
//	    return map[string]any{"steps": 100}, nil
//	})
//
// # Strategies
//
//   - RandomSearch: uniform sampling, static or define-by-run spaces
//   - GridSearch: exhaustive enumeration of categorical spaces
//   - BayesSearch: Gaussian Process surrogate with UCB, Probability of
//     Improvement, Expected Improvement or Thompson Sampling acquisition
//
// Any type implementing Strategy can be plugged in.
//
// # Objectives
//
// A single Objective gives a scalar search; several give a
// multi-objective search, in which case ParetoFront returns the
// non-dominated trials. Components needing a total order over fitness
// (BayesSearch, the stoppers) implement ScalarOnly and are rejected with a
// *ConfigurationError when combined with several objectives.
//
// # Thread Safety
//
// Every Coordinator method is safe for concurrent use and never blocks on
// I/O. Strategies are only ever called with the coordinator's lock held.
package tune
