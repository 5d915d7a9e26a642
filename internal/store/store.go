// Package store archives finished experiments in a SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/thalesfsp/tune"
	"github.com/thalesfsp/tune/internal/store/migrations"
)

// timeLayout is RFC 3339 with a fixed-width fraction, so stored times
// sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotFound is returned for an unknown experiment ID.
var ErrNotFound = errors.New("experiment not found")

// Experiment is one archived search.
type Experiment struct {
	ID         string
	Name       string
	Algorithm  string
	Objectives tune.ObjectiveSpec

	// Best maps each objective metric to its best reported value.
	Best map[string]float64

	Completed  int
	Errored    int
	StartedAt  time.Time
	FinishedAt time.Time

	// Trials is written by SaveExperiment and loaded by GetExperiment.
	// ListExperiments leaves it empty.
	Trials []tune.TrialSnapshot
}

// Store is a SQLite-backed experiment archive.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens, or creates, the archive at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{db: db, path: path}

	if err := s.migrate(migrations.FS); err != nil {
		db.Close()

		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// migrate runs every *.up.sql file newer than the recorded version.
func (s *Store) migrate(fsys fs.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			files = append(files, entry.Name())
		}
	}

	sort.Strings(files)

	for _, name := range files {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}

		if version <= current {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}

		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}

		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}

	return nil
}

// SaveExperiment stores an experiment and its trials in one transaction.
// An empty ID is filled in; the ID used is returned. Non-finite metric
// values are dropped since JSON cannot represent them.
func (s *Store) SaveExperiment(ctx context.Context, exp Experiment) (string, error) {
	if exp.ID == "" {
		exp.ID = uuid.New().String()
	}

	objectives, err := json.Marshal(exp.Objectives)
	if err != nil {
		return "", fmt.Errorf("marshalling objectives: %w", err)
	}

	best, err := json.Marshal(finite(exp.Best))
	if err != nil {
		return "", fmt.Errorf("marshalling best: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO experiments (id, name, algorithm, objectives, best, completed, errored, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, exp.ID, exp.Name, exp.Algorithm, string(objectives), string(best),
		exp.Completed, exp.Errored, formatTime(exp.StartedAt), formatTime(exp.FinishedAt))
	if err != nil {
		return "", fmt.Errorf("inserting experiment: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trials (id, experiment_id, seq, status, params, reports, fitness, from_initial, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return "", fmt.Errorf("preparing trial insert: %w", err)
	}
	defer stmt.Close()

	for i, t := range exp.Trials {
		params, err := json.Marshal(t.Params)
		if err != nil {
			return "", fmt.Errorf("marshalling params of trial %s: %w", t.ID, err)
		}

		reports := make([]tune.MetricReport, len(t.Reports))
		for j, r := range t.Reports {
			reports[j] = tune.MetricReport{Step: r.Step, Metrics: finite(r.Metrics)}
		}

		reportsJSON, err := json.Marshal(reports)
		if err != nil {
			return "", fmt.Errorf("marshalling reports of trial %s: %w", t.ID, err)
		}

		fitness, err := json.Marshal(finite(t.Fitness))
		if err != nil {
			return "", fmt.Errorf("marshalling fitness of trial %s: %w", t.ID, err)
		}

		_, err = stmt.ExecContext(ctx, t.ID, exp.ID, i, string(t.Status), string(params), string(reportsJSON),
			string(fitness), t.FromInitial, formatTime(t.CreatedAt), formatTime(t.FinishedAt))
		if err != nil {
			return "", fmt.Errorf("inserting trial %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing experiment: %w", err)
	}

	return exp.ID, nil
}

// ListExperiments returns every archived experiment, newest first,
// without trials.
func (s *Store) ListExperiments(ctx context.Context) ([]Experiment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, algorithm, objectives, best, completed, errored, started_at, finished_at
		FROM experiments
		ORDER BY started_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying experiments: %w", err)
	}
	defer rows.Close()

	var out []Experiment

	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, exp)
	}

	return out, rows.Err()
}

// GetExperiment returns one experiment with its trials.
func (s *Store) GetExperiment(ctx context.Context, id string) (Experiment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, algorithm, objectives, best, completed, errored, started_at, finished_at
		FROM experiments
		WHERE id = ?
	`, id)

	exp, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Experiment{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}

	if err != nil {
		return Experiment{}, err
	}

	exp.Trials, err = s.Trials(ctx, id)
	if err != nil {
		return Experiment{}, err
	}

	return exp, nil
}

// Trials returns an experiment's trials in creation order. JSON decoding
// turns every numeric parameter into a float64.
func (s *Store) Trials(ctx context.Context, experimentID string) ([]tune.TrialSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, params, reports, fitness, from_initial, created_at, finished_at
		FROM trials
		WHERE experiment_id = ?
		ORDER BY seq
	`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("querying trials: %w", err)
	}
	defer rows.Close()

	var out []tune.TrialSnapshot

	for rows.Next() {
		var (
			t                                tune.TrialSnapshot
			status, params, reports, fitness string
			createdAt, finishedAt            string
		)

		if err := rows.Scan(&t.ID, &status, &params, &reports, &fitness, &t.FromInitial, &createdAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scanning trial: %w", err)
		}

		t.Status = tune.TrialStatus(status)

		if err := json.Unmarshal([]byte(params), &t.Params); err != nil {
			return nil, fmt.Errorf("unmarshalling params of trial %s: %w", t.ID, err)
		}

		if err := json.Unmarshal([]byte(reports), &t.Reports); err != nil {
			return nil, fmt.Errorf("unmarshalling reports of trial %s: %w", t.ID, err)
		}

		if err := json.Unmarshal([]byte(fitness), &t.Fitness); err != nil {
			return nil, fmt.Errorf("unmarshalling fitness of trial %s: %w", t.ID, err)
		}

		t.CreatedAt = parseTime(createdAt)
		t.FinishedAt = parseTime(finishedAt)

		out = append(out, t)
	}

	return out, rows.Err()
}

// DeleteExperiment removes an experiment and its trials.
func (s *Store) DeleteExperiment(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM experiments WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting experiment: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}

	return nil
}

//////
// Helper functions.
//////

type scanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row scanner) (Experiment, error) {
	var (
		exp                   Experiment
		objectives, best      string
		startedAt, finishedAt string
	)

	err := row.Scan(&exp.ID, &exp.Name, &exp.Algorithm, &objectives, &best,
		&exp.Completed, &exp.Errored, &startedAt, &finishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Experiment{}, err
		}

		return Experiment{}, fmt.Errorf("scanning experiment: %w", err)
	}

	if err := json.Unmarshal([]byte(objectives), &exp.Objectives); err != nil {
		return Experiment{}, fmt.Errorf("unmarshalling objectives: %w", err)
	}

	if err := json.Unmarshal([]byte(best), &exp.Best); err != nil {
		return Experiment{}, fmt.Errorf("unmarshalling best: %w", err)
	}

	exp.StartedAt = parseTime(startedAt)
	exp.FinishedAt = parseTime(finishedAt)

	return exp, nil
}

func finite(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))

	for k, v := range m {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out[k] = v
		}
	}

	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}

	return t
}
