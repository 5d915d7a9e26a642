package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const easyExperiment = `
name: easy
objective: easy
metrics:
  - {name: mean_loss, mode: min}
search: {algorithm: random, seed: 1}
max_concurrent: 2
num_samples: 4
space:
  width: {type: uniform, min: 0, max: 20}
  height: {type: uniform, min: -100, max: 100}
  steps: {type: constant, value: 5}
log_level: error
`

const multiExperiment = `
name: multi
objective: multi
space_fn: conditional
metrics:
  - {name: loss, mode: min}
  - {name: gain, mode: max}
max_concurrent: 3
num_samples: 6
log_level: error
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)

	err := root.Execute()

	return out.String(), err
}

func writeExperiment(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestRunAndHistory(t *testing.T) {
	cfg := writeExperiment(t, "easy.yaml", easyExperiment)
	db := filepath.Join(t.TempDir(), "results.db")

	out, err := execute(t, "run", "--config", cfg, "--db", db, "--samples", "3")
	require.NoError(t, err)

	assert.Contains(t, out, "Trials: 3 completed, 0 errored")
	assert.Contains(t, out, "Best trial for mean_loss (min)")
	assert.Contains(t, out, "Saved as")

	out, err = execute(t, "history", "--db", db)
	require.NoError(t, err)

	assert.Contains(t, out, "easy")
	assert.Contains(t, out, "mean_loss=")
}

func TestRunMultiObjective(t *testing.T) {
	cfg := writeExperiment(t, "multi.yaml", multiExperiment)

	out, err := execute(t, "run", "--config", cfg)
	require.NoError(t, err)

	assert.Contains(t, out, "Trials: 6 completed")
	assert.Contains(t, out, "Pareto front")
}

func TestValidate(t *testing.T) {
	cfg := writeExperiment(t, "easy.yaml", easyExperiment)

	out, err := execute(t, "validate", "--config", cfg)
	require.NoError(t, err)

	assert.Contains(t, out, "Space:          height, steps, width")
	assert.Contains(t, out, "OK")

	bad := writeExperiment(t, "bad.yaml", "objective: nope\nmetrics: [{name: x, mode: min}]\nspace: {x: {type: uniform, min: 0, max: 1}}\n")

	_, err = execute(t, "validate", "--config", bad)
	assert.Error(t, err)
}

func TestHistoryRequiresDB(t *testing.T) {
	_, err := execute(t, "history")
	assert.Error(t, err)
}
