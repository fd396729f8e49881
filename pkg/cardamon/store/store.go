// Package store persists the run graph (runs, iterations, metric samples)
// in sqlite and answers the aggregate queries exposed through the API.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"k8s.io/klog/v2"

	"github.com/Root-Branch/cardamon/pkg/cardamon/metrics"
)

// ErrRunNotFound reports a run id with no persisted record. Callers match it
// with errors.Is to distinguish a missing run from a storage failure.
var ErrRunNotFound = errors.New("run not found")

// PersistenceError is fatal: a run cannot be considered complete without a
// durable record.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Run is one sealed execution of an observation.
type Run struct {
	ID              string      `json:"id"`
	ObservationName string      `json:"observation_name"`
	StartTime       time.Time   `json:"start_time"`
	StopTime        time.Time   `json:"stop_time"`
	Iterations      []Iteration `json:"iterations,omitempty"`
}

// Iteration is one execution of a scenario command within a run. Indices
// are 0-based and contiguous per scenario within a run.
type Iteration struct {
	RunID        string    `json:"run_id"`
	ScenarioName string    `json:"scenario_name"`
	Index        int       `json:"iteration"`
	StartTime    time.Time `json:"start_time"`
	StopTime     time.Time `json:"stop_time"`
	Failed       bool      `json:"failed,omitempty"`
}

// Store is the sqlite-backed run repository.
type Store struct {
	db       *sql.DB
	prepared map[string]*sql.Stmt
}

// Open opens (creating if necessary) the database at path and initializes
// the schema. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_sync=NORMAL&_busy_timeout=10000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer; contention shows up as SQLITE_BUSY
	// rather than queueing without this.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, prepared: make(map[string]*sql.Stmt)}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	klog.V(2).InfoS("Opened run repository", "path", path)
	return s, nil
}

// Close releases prepared statements and the database handle.
func (s *Store) Close() error {
	for _, stmt := range s.prepared {
		stmt.Close()
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS run (
		id TEXT PRIMARY KEY,
		observation_name TEXT NOT NULL,
		start_time INTEGER NOT NULL,
		stop_time INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS iteration (
		run_id TEXT NOT NULL,
		scenario_name TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		start_time INTEGER NOT NULL,
		stop_time INTEGER NOT NULL,
		failed INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, scenario_name, iteration)
	);

	CREATE TABLE IF NOT EXISTS metric (
		run_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		subject_name TEXT NOT NULL,
		cpu_usage REAL NOT NULL,
		total_cpu_usage REAL NOT NULL,
		core_count INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		PRIMARY KEY (run_id, subject_id, timestamp)
	);

	CREATE INDEX IF NOT EXISTS idx_run_observation ON run(observation_name, start_time);
	CREATE INDEX IF NOT EXISTS idx_iteration_scenario ON iteration(scenario_name, run_id);
	CREATE INDEX IF NOT EXISTS idx_metric_run ON metric(run_id, subject_name, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) prepareStatements() error {
	statements := map[string]string{
		"insertRun": `
			INSERT INTO run (id, observation_name, start_time, stop_time)
			VALUES (?, ?, ?, ?)`,
		"insertIteration": `
			INSERT INTO iteration (run_id, scenario_name, iteration, start_time, stop_time, failed)
			VALUES (?, ?, ?, ?, ?, ?)`,
		"insertMetric": `
			INSERT INTO metric (run_id, subject_id, subject_name, cpu_usage, total_cpu_usage, core_count, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
	}

	for name, query := range statements {
		stmt, err := s.db.Prepare(query)
		if err != nil {
			return fmt.Errorf("failed to prepare %s: %w", name, err)
		}
		s.prepared[name] = stmt
	}
	return nil
}

// SaveRun persists the sealed run and its iterations in one transaction.
// Metric samples are flushed separately while the run is in flight; the run
// row appearing marks the run complete.
func (s *Store) SaveRun(ctx context.Context, run *Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "save run", Err: err}
	}
	defer tx.Rollback()

	_, err = tx.StmtContext(ctx, s.prepared["insertRun"]).ExecContext(ctx,
		run.ID, run.ObservationName, run.StartTime.UnixMilli(), run.StopTime.UnixMilli())
	if err != nil {
		return &PersistenceError{Op: "save run", Err: err}
	}

	for _, it := range run.Iterations {
		_, err = tx.StmtContext(ctx, s.prepared["insertIteration"]).ExecContext(ctx,
			run.ID, it.ScenarioName, it.Index, it.StartTime.UnixMilli(), it.StopTime.UnixMilli(), boolToInt(it.Failed))
		if err != nil {
			return &PersistenceError{Op: "save iteration", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "save run", Err: err}
	}

	klog.V(2).InfoS("Persisted run", "run", run.ID, "observation", run.ObservationName, "iterations", len(run.Iterations))
	return nil
}

// InsertSamples batch-inserts metric samples for a run. Samples arrive in
// non-decreasing timestamp order per subject and the insert preserves that
// order within the transaction.
func (s *Store) InsertSamples(ctx context.Context, runID string, samples []metrics.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "insert samples", Err: err}
	}
	defer tx.Rollback()

	stmt := tx.StmtContext(ctx, s.prepared["insertMetric"])
	for _, sample := range samples {
		_, err := stmt.ExecContext(ctx,
			runID,
			sample.SubjectID,
			sample.SubjectName,
			sample.CPUUsage,
			sample.TotalCPUUsage,
			sample.CoreCount,
			sample.Timestamp.UnixMilli())
		if err != nil {
			return &PersistenceError{Op: "insert samples", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "insert samples", Err: err}
	}
	return nil
}

// GetRun fetches a run and its iterations by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, observation_name, start_time, stop_time FROM run WHERE id = ?`, id)

	run := &Run{}
	var start, stop int64
	if err := row.Scan(&run.ID, &run.ObservationName, &start, &stop); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %q: %w", id, ErrRunNotFound)
		}
		return nil, &PersistenceError{Op: "get run", Err: err}
	}
	run.StartTime = time.UnixMilli(start)
	run.StopTime = time.UnixMilli(stop)

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, scenario_name, iteration, start_time, stop_time, failed
		 FROM iteration WHERE run_id = ?
		 ORDER BY scenario_name, iteration`, id)
	if err != nil {
		return nil, &PersistenceError{Op: "get run iterations", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var it Iteration
		var itStart, itStop int64
		var failed int
		if err := rows.Scan(&it.RunID, &it.ScenarioName, &it.Index, &itStart, &itStop, &failed); err != nil {
			return nil, &PersistenceError{Op: "get run iterations", Err: err}
		}
		it.StartTime = time.UnixMilli(itStart)
		it.StopTime = time.UnixMilli(itStop)
		it.Failed = failed != 0
		run.Iterations = append(run.Iterations, it)
	}
	return run, rows.Err()
}

// GetSamples returns all metric samples for a run ordered by subject and
// timestamp.
func (s *Store) GetSamples(ctx context.Context, runID string) ([]metrics.Sample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subject_id, subject_name, cpu_usage, total_cpu_usage, core_count, timestamp
		 FROM metric WHERE run_id = ?
		 ORDER BY subject_id, timestamp`, runID)
	if err != nil {
		return nil, &PersistenceError{Op: "get samples", Err: err}
	}
	defer rows.Close()

	var samples []metrics.Sample
	for rows.Next() {
		var sample metrics.Sample
		var ts int64
		if err := rows.Scan(&sample.SubjectID, &sample.SubjectName, &sample.CPUUsage,
			&sample.TotalCPUUsage, &sample.CoreCount, &ts); err != nil {
			return nil, &PersistenceError{Op: "get samples", Err: err}
		}
		sample.Timestamp = time.UnixMilli(ts)
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
