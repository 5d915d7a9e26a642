package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/thalesfsp/tune"
)

func TestLoadYAML(t *testing.T) {
	exp, err := Load("testdata/easy.yaml")
	require.NoError(t, err)

	assert.Equal(t, "easy", exp.Name)
	assert.Equal(t, 4, exp.MaxConcurrent)
	assert.Equal(t, 20, exp.NumSamples)
	assert.Equal(t, 30*time.Second, exp.Timeout())
	assert.Equal(t, "info", exp.LogLevel)
	assert.Equal(t, []string{"activation", "height", "steps", "width"}, exp.ParamNames())

	space := exp.StaticSpace()
	assert.Equal(t, tune.Float(0, 20), space["width"])
	assert.Equal(t, tune.Choice("relu", "tanh"), space["activation"])
	assert.Equal(t, tune.Fixed(100), space["steps"])

	strategy, err := exp.Strategy()
	require.NoError(t, err)
	assert.IsType(t, &tune.RandomSearch{}, strategy)

	assert.Equal(t, tune.MedianStopper{GracePeriod: 5, MinSamples: 3}, exp.EarlyStopper())

	points := exp.Points()
	require.Len(t, points, 2)
	assert.Equal(t, "relu", points[0]["activation"])
	assert.Equal(t, "tanh", points[1]["activation"])

	cfg, err := exp.TuneConfig(tune.Static(space))
	require.NoError(t, err)

	coord, err := tune.NewCoordinator(cfg, strategy)
	require.NoError(t, err)

	s, ok, err := coord.Suggest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "relu", s.Params["activation"])
}

func TestLoadTOML(t *testing.T) {
	exp, err := Load("testdata/bayes.toml")
	require.NoError(t, err)

	assert.Equal(t, "bayes-easy", exp.Name)
	assert.Equal(t, "debug", exp.LogLevel)
	assert.Equal(t, rate.Limit(5), exp.Rate())
	assert.Equal(t, 30, exp.NumSamples)

	strategy, err := exp.Strategy()
	require.NoError(t, err)
	require.IsType(t, &tune.BayesSearch{}, strategy)
	assert.Equal(t, 0.25, strategy.(*tune.BayesSearch).LengthScale())

	cfg, err := exp.TuneConfig(tune.Static(exp.StaticSpace()))
	require.NoError(t, err)

	_, err = tune.NewCoordinator(cfg, strategy)
	require.NoError(t, err)
}

func TestLoadDefineByRun(t *testing.T) {
	exp, err := Load("testdata/conditional.yaml")
	require.NoError(t, err)

	assert.Equal(t, "conditional", exp.SpaceFn)
	assert.Equal(t, "random", exp.Search.Algorithm)
	assert.Equal(t, 10, exp.NumSamples)
	assert.Nil(t, exp.EarlyStopper())
	assert.Zero(t, exp.Timeout())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load("testdata/missing.yaml")
	assert.Error(t, err)

	_, err = Load("testdata/invalid.yaml")
	assert.Error(t, err)
}

func TestParseValidation(t *testing.T) {
	base := `
objective: easy
metrics: [{name: loss, mode: min}]
space: {x: {type: uniform, min: 0, max: 1}}
`

	tests := map[string]string{
		"no objective":  "metrics: [{name: loss, mode: min}]\nspace: {x: {type: uniform, min: 0, max: 1}}",
		"no metrics":    "objective: easy\nspace: {x: {type: uniform, min: 0, max: 1}}",
		"bad mode":      "objective: easy\nmetrics: [{name: loss, mode: sideways}]\nspace: {x: {type: uniform, min: 0, max: 1}}",
		"no space":      "objective: easy\nmetrics: [{name: loss, mode: min}]",
		"both spaces":   base + "space_fn: conditional\n",
		"bad type":      "objective: easy\nmetrics: [{name: loss, mode: min}]\nspace: {x: {type: normal}}",
		"bad algorithm": base + "search: {algorithm: annealing}\n",
		"bad acq":       base + "search: {acquisition: magic}\n",
		"bad reduction": base + "reduction: median\n",
		"bad stopper":   base + "stopper: {type: hyperband}\n",
		"bad timeout":   base + "trial_timeout: soon\n",
		"bad budget":    base + "max_concurrent: -1\n",
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), YAML)
			assert.Error(t, err)
		})
	}

	_, err := Parse([]byte(base), YAML)
	assert.NoError(t, err)

	_, err = Parse([]byte(base), "json")
	assert.Error(t, err)
}

func TestMultiObjectiveBayesRejected(t *testing.T) {
	exp, err := Parse([]byte(`
objective: multi
metrics: [{name: loss, mode: min}, {name: gain, mode: max}]
search: {algorithm: bayes}
space: {width: {type: uniform, min: 0, max: 20}, height: {type: uniform, min: -100, max: 100}}
`), YAML)
	require.NoError(t, err)

	strategy, err := exp.Strategy()
	require.NoError(t, err)

	cfg, err := exp.TuneConfig(tune.Static(exp.StaticSpace()))
	require.NoError(t, err)

	_, err = tune.NewCoordinator(cfg, strategy)

	var configErr *tune.ConfigurationError
	assert.ErrorAs(t, err, &configErr)
}
