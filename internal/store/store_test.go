package store

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thalesfsp/tune"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "nested", "results.db"))
	require.NoError(t, err)

	t.Cleanup(func() { assert.NoError(t, s.Close()) })

	return s
}

func sampleExperiment(name string, started time.Time) Experiment {
	return Experiment{
		Name:       name,
		Algorithm:  "random",
		Objectives: tune.SingleObjective("mean_loss", tune.Min),
		Best:       map[string]float64{"mean_loss": 0.5},
		Completed:  1,
		Errored:    1,
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
		Trials: []tune.TrialSnapshot{
			{
				ID:     "trial-1",
				Params: tune.Assignment{"width": 3.5, "activation": "relu"},
				Status: tune.StatusCompleted,
				Reports: []tune.MetricReport{
					{Step: 1, Metrics: map[string]float64{"mean_loss": 1}},
					{Step: 2, Metrics: map[string]float64{"mean_loss": 0.5, "bad": math.NaN()}},
				},
				Fitness:     map[string]float64{"mean_loss": 0.5},
				FromInitial: true,
				CreatedAt:   started,
				FinishedAt:  started.Add(time.Second),
			},
			{
				ID:        "trial-2",
				Params:    tune.Assignment{"width": 10, "activation": "tanh"},
				Status:    tune.StatusErrored,
				CreatedAt: started.Add(time.Second),
			},
		},
	}
}

func TestSaveAndGetExperiment(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)

	id, err := s.SaveExperiment(ctx, sampleExperiment("easy", started))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	exp, err := s.GetExperiment(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, "easy", exp.Name)
	assert.Equal(t, tune.SingleObjective("mean_loss", tune.Min), exp.Objectives)
	assert.Equal(t, 0.5, exp.Best["mean_loss"])
	assert.True(t, started.Equal(exp.StartedAt))

	require.Len(t, exp.Trials, 2)

	first := exp.Trials[0]
	assert.Equal(t, "trial-1", first.ID)
	assert.Equal(t, tune.StatusCompleted, first.Status)
	assert.Equal(t, 3.5, first.Params["width"])
	assert.True(t, first.FromInitial)
	require.Len(t, first.Reports, 2)
	assert.Equal(t, 2, first.Reports[1].Step)
	assert.NotContains(t, first.Reports[1].Metrics, "bad")

	// Numbers come back as float64.
	second := exp.Trials[1]
	assert.Equal(t, 10.0, second.Params["width"])
	assert.True(t, second.FinishedAt.IsZero())
}

func TestListExperiments(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()

	_, err := s.SaveExperiment(ctx, sampleExperiment("older", base))
	require.NoError(t, err)

	exp := sampleExperiment("newer", base.Add(time.Hour))
	exp.Trials[0].ID, exp.Trials[1].ID = "trial-3", "trial-4"

	_, err = s.SaveExperiment(ctx, exp)
	require.NoError(t, err)

	list, err := s.ListExperiments(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, "newer", list[0].Name)
	assert.Equal(t, "older", list[1].Name)
	assert.Empty(t, list[0].Trials)
}

func TestDeleteExperiment(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	id, err := s.SaveExperiment(ctx, sampleExperiment("easy", time.Now()))
	require.NoError(t, err)

	require.NoError(t, s.DeleteExperiment(ctx, id))

	trials, err := s.Trials(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, trials)

	_, err = s.GetExperiment(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.DeleteExperiment(ctx, id), ErrNotFound)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.db")

	s, err := Open(path)
	require.NoError(t, err)

	_, err = s.SaveExperiment(context.Background(), sampleExperiment("easy", time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Migrations are not re-applied.
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	list, err := s.ListExperiments(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, path, s.Path())
}

func TestSaveDuplicateRollsBack(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	exp := sampleExperiment("easy", time.Now())
	exp.Trials[1].ID = exp.Trials[0].ID

	_, err := s.SaveExperiment(ctx, exp)
	require.Error(t, err)

	list, err := s.ListExperiments(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}
