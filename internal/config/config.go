// Package config loads experiment files. Files ending in .toml are parsed
// as TOML; anything else is parsed as YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/thalesfsp/tune"
)

// Format selects the experiment file syntax.
type Format string

const (
	// YAML files.
	YAML Format = "yaml"

	// TOML files.
	TOML Format = "toml"
)

// Experiment is one experiment file.
type Experiment struct {
	Name             string           `yaml:"name" toml:"name"`
	Objective        string           `yaml:"objective" toml:"objective"`
	SpaceFn          string           `yaml:"space_fn" toml:"space_fn"`
	Metrics          []Metric         `yaml:"metrics" toml:"metrics"`
	Search           Search           `yaml:"search" toml:"search"`
	MaxConcurrent    int              `yaml:"max_concurrent" toml:"max_concurrent"`
	NumSamples       int              `yaml:"num_samples" toml:"num_samples"`
	Reduction        string           `yaml:"reduction" toml:"reduction"`
	Stopper          *Stopper         `yaml:"stopper" toml:"stopper"`
	TrialTimeout     string           `yaml:"trial_timeout" toml:"trial_timeout"`
	LaunchRate       float64          `yaml:"launch_rate" toml:"launch_rate"`
	LaunchBurst      int              `yaml:"launch_burst" toml:"launch_burst"`
	Space            map[string]Param `yaml:"space" toml:"space"`
	PointsToEvaluate []map[string]any `yaml:"points_to_evaluate" toml:"points_to_evaluate"`
	LogLevel         string           `yaml:"log_level" toml:"log_level"`
	LogFormat        string           `yaml:"log_format" toml:"log_format"`

	timeout time.Duration
}

// Metric is one objective.
type Metric struct {
	Name string `yaml:"name" toml:"name"`
	Mode string `yaml:"mode" toml:"mode"`
}

// Search selects and tunes the strategy.
type Search struct {
	Algorithm      string  `yaml:"algorithm" toml:"algorithm"`
	Seed           int64   `yaml:"seed" toml:"seed"`
	MaxSamples     int     `yaml:"max_samples" toml:"max_samples"`
	InitialSamples int     `yaml:"initial_samples" toml:"initial_samples"`
	NumCandidates  int     `yaml:"num_candidates" toml:"num_candidates"`
	Acquisition    string  `yaml:"acquisition" toml:"acquisition"`
	Beta           float64 `yaml:"beta" toml:"beta"`
	Xi             float64 `yaml:"xi" toml:"xi"`
	LengthScale    float64 `yaml:"length_scale" toml:"length_scale"`
}

// Stopper configures early stopping.
type Stopper struct {
	Type        string `yaml:"type" toml:"type"`
	GracePeriod int    `yaml:"grace_period" toml:"grace_period"`
	MinSamples  int    `yaml:"min_samples" toml:"min_samples"`
	Patience    int    `yaml:"patience" toml:"patience"`
}

// Param declares one static parameter.
//
// Types:
// - uniform, loguniform: Min and Max
// - randint: integer Min and Max
// - choice: Values
// - constant: Value
type Param struct {
	Type   string  `yaml:"type" toml:"type"`
	Min    float64 `yaml:"min" toml:"min"`
	Max    float64 `yaml:"max" toml:"max"`
	Values []any   `yaml:"values" toml:"values"`
	Value  any     `yaml:"value" toml:"value"`
}

//////
// Loading.
//////

// Load reads and validates an experiment file.
func Load(path string) (*Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	format := YAML
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = TOML
	}

	exp, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	if exp.Name == "" {
		exp.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return exp, nil
}

// Parse decodes and validates an experiment.
func Parse(data []byte, format Format) (*Experiment, error) {
	var exp Experiment

	switch format {
	case TOML:
		if err := toml.Unmarshal(data, &exp); err != nil {
			return nil, fmt.Errorf("parsing toml: %w", err)
		}
	case YAML, "":
		if err := yaml.Unmarshal(data, &exp); err != nil {
			return nil, fmt.Errorf("parsing yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}

	if err := validate(&exp); err != nil {
		return nil, fmt.Errorf("invalid experiment: %w", err)
	}

	return &exp, nil
}

func validate(exp *Experiment) error {
	if exp.Objective == "" {
		return fmt.Errorf("objective is required")
	}

	if len(exp.Metrics) == 0 {
		return fmt.Errorf("at least one metric is required")
	}

	for i, m := range exp.Metrics {
		if m.Name == "" {
			return fmt.Errorf("metric %d: name is required", i)
		}

		if _, err := tune.ParseDirection(m.Mode); err != nil {
			return fmt.Errorf("metric %q: %w", m.Name, err)
		}
	}

	switch {
	case exp.SpaceFn != "" && len(exp.Space) > 0:
		return fmt.Errorf("space and space_fn are mutually exclusive")
	case exp.SpaceFn == "" && len(exp.Space) == 0:
		return fmt.Errorf("either space or space_fn is required")
	}

	for name, p := range exp.Space {
		switch p.Type {
		case "uniform", "loguniform", "randint", "choice", "constant":
		default:
			return fmt.Errorf("parameter %q: unknown type %q", name, p.Type)
		}
	}

	if exp.Search.Algorithm == "" {
		exp.Search.Algorithm = "random"
	}

	switch exp.Search.Algorithm {
	case "random", "bayes", "grid":
	default:
		return fmt.Errorf("unknown search algorithm %q", exp.Search.Algorithm)
	}

	if _, err := tune.AcquisitionByName(exp.Search.Acquisition); err != nil {
		return err
	}

	if _, err := tune.ParseReduction(exp.Reduction); err != nil {
		return err
	}

	if exp.Stopper != nil {
		switch exp.Stopper.Type {
		case "median", "no_improvement":
		default:
			return fmt.Errorf("unknown stopper %q", exp.Stopper.Type)
		}
	}

	if exp.MaxConcurrent == 0 {
		exp.MaxConcurrent = 1
	}

	if exp.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}

	if exp.NumSamples == 0 {
		exp.NumSamples = 10
	}

	if exp.NumSamples < 0 {
		return fmt.Errorf("num_samples must be positive")
	}

	if exp.LaunchRate < 0 {
		return fmt.Errorf("launch_rate must not be negative")
	}

	if exp.TrialTimeout != "" {
		d, err := time.ParseDuration(exp.TrialTimeout)
		if err != nil {
			return fmt.Errorf("trial_timeout: %w", err)
		}

		exp.timeout = d
	}

	if exp.LogLevel == "" {
		exp.LogLevel = "info"
	}

	return nil
}

//////
// Builders.
//////

// Objectives returns the objective spec.
func (e *Experiment) Objectives() (tune.ObjectiveSpec, error) {
	metrics := make([]string, len(e.Metrics))
	modes := make([]tune.Direction, len(e.Metrics))

	for i, m := range e.Metrics {
		mode, err := tune.ParseDirection(m.Mode)
		if err != nil {
			return nil, err
		}

		metrics[i], modes[i] = m.Name, mode
	}

	return tune.MultiObjective(metrics, modes)
}

// StaticSpace builds the declared static space.
func (e *Experiment) StaticSpace() tune.StaticSpace {
	space := make(tune.StaticSpace, len(e.Space))

	for name, p := range e.Space {
		switch p.Type {
		case "uniform":
			space[name] = tune.Float(p.Min, p.Max)
		case "loguniform":
			space[name] = tune.LogFloat(p.Min, p.Max)
		case "randint":
			space[name] = tune.Int(int(p.Min), int(p.Max))
		case "choice":
			space[name] = tune.Choice(p.Values...)
		case "constant":
			space[name] = tune.Fixed(p.Value)
		}
	}

	return space
}

// Strategy builds the configured strategy.
func (e *Experiment) Strategy() (tune.Strategy, error) {
	switch e.Search.Algorithm {
	case "bayes":
		acquisition, err := tune.AcquisitionByName(e.Search.Acquisition)
		if err != nil {
			return nil, err
		}

		cfg := tune.DefaultBayesConfig()
		cfg.Seed = e.Search.Seed
		cfg.MaxSamples = e.Search.MaxSamples
		cfg.AcquisitionFunc = acquisition

		if e.Search.InitialSamples > 0 {
			cfg.InitialSamples = e.Search.InitialSamples
		}

		if e.Search.NumCandidates > 0 {
			cfg.NumCandidates = e.Search.NumCandidates
		}

		if e.Search.Beta > 0 {
			cfg.AcqParams.Beta = e.Search.Beta
		}

		if e.Search.Xi > 0 {
			cfg.AcqParams.Xi = e.Search.Xi
		}

		if e.Search.LengthScale > 0 {
			cfg.LengthScale = e.Search.LengthScale
		}

		return tune.NewBayesSearch(cfg), nil
	case "grid":
		return tune.NewGridSearch(), nil
	default:
		return &tune.RandomSearch{MaxSamples: e.Search.MaxSamples, Seed: e.Search.Seed}, nil
	}
}

// EarlyStopper builds the configured stopper, or nil.
func (e *Experiment) EarlyStopper() tune.Stopper {
	if e.Stopper == nil {
		return nil
	}

	if e.Stopper.Type == "no_improvement" {
		return tune.NoImprovementStopper{Patience: e.Stopper.Patience}
	}

	return tune.MedianStopper{GracePeriod: e.Stopper.GracePeriod, MinSamples: e.Stopper.MinSamples}
}

// Points returns the points to evaluate in file order.
func (e *Experiment) Points() []tune.Assignment {
	points := make([]tune.Assignment, len(e.PointsToEvaluate))
	for i, p := range e.PointsToEvaluate {
		points[i] = tune.Assignment(p).Clone()
	}

	return points
}

// Timeout returns the parsed trial timeout.
func (e *Experiment) Timeout() time.Duration {
	return e.timeout
}

// Rate returns the trial launch rate; zero means unlimited.
func (e *Experiment) Rate() rate.Limit {
	return rate.Limit(e.LaunchRate)
}

// TuneConfig builds the coordinator config for space, which is either
// StaticSpace() or a define-by-run space resolved from SpaceFn.
func (e *Experiment) TuneConfig(space tune.SearchSpace) (tune.Config, error) {
	objectives, err := e.Objectives()
	if err != nil {
		return tune.Config{}, err
	}

	reduction, err := tune.ParseReduction(e.Reduction)
	if err != nil {
		return tune.Config{}, err
	}

	cfg := tune.DefaultConfig()
	cfg.Space = space
	cfg.Objectives = objectives
	cfg.MaxConcurrent = e.MaxConcurrent
	cfg.PointsToEvaluate = e.Points()
	cfg.Reduction = reduction
	cfg.Stopper = e.EarlyStopper()

	return cfg, nil
}

// ParamNames returns the declared static parameter names, sorted.
func (e *Experiment) ParamNames() []string {
	names := make([]string, 0, len(e.Space))
	for name := range e.Space {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
