// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package journal records the LocalSGD synchronization rounds of training runs in a SQLite database,
// so the evolution of the synchronization interval, the loss at each round and the communication
// cost can be inspected after (or during) training with any SQLite tool.
//
// One journal can be shared by all the workers running in a process, and by several runs: each row is
// keyed by the run ID and the worker rank.
package journal

import (
	gocontext "context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gomlx/localsgd/ml/train/optimizers/localsgd"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	// SQLite driver, pure Go.
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id     TEXT PRIMARY KEY,
	world_size INTEGER NOT NULL,
	started_at INTEGER NOT NULL,
	config     TEXT
);
CREATE TABLE IF NOT EXISTS rounds (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id         TEXT NOT NULL,
	rank           INTEGER NOT NULL,
	step           INTEGER NOT NULL,
	k_steps_before INTEGER NOT NULL,
	k_steps_after  INTEGER NOT NULL,
	loss           REAL,
	learning_rate  REAL,
	num_params     INTEGER NOT NULL,
	bytes_reduced  INTEGER NOT NULL,
	duration_ns    INTEGER NOT NULL,
	recorded_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS rounds_by_run ON rounds(run_id, rank, step);
`

// NewRunID returns a new random run ID.
func NewRunID() string {
	return uuid.NewString()
}

// Journal of synchronization rounds. It's safe for concurrent use.
type Journal struct {
	path string

	mu          sync.Mutex
	db          *sql.DB
	insertRound *sql.Stmt
}

// Open the journal in path, creating the database (and its directory) if it doesn't exist.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0770); err != nil {
			return nil, errors.Wrapf(err, "creating directory for journal %q", path)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening journal %q", path)
	}
	// Writes are serialized by the Journal anyway.
	db.SetMaxOpenConns(1)
	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "initializing schema of journal %q", path)
	}
	insertRound, err := db.Prepare(`INSERT INTO rounds (run_id, rank, step, k_steps_before, k_steps_after, loss,
		learning_rate, num_params, bytes_reduced, duration_ns, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "preparing statements of journal %q", path)
	}
	return &Journal{path: path, db: db, insertRound: insertRound}, nil
}

// Path of the journal database.
func (j *Journal) Path() string { return j.path }

// Close the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}
	_ = j.insertRound.Close()
	err := j.db.Close()
	j.db = nil
	return errors.Wrapf(err, "closing journal %q", j.path)
}

// StartRun registers a run. Registering the same run ID again (e.g. from several workers, or when resuming
// from a checkpoint) is a no-op.
func (j *Journal) StartRun(runID string, worldSize int, config string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return errors.Errorf("journal %q is closed", j.path)
	}
	_, err := j.db.Exec(`INSERT OR IGNORE INTO runs (run_id, world_size, started_at, config) VALUES (?, ?, ?, ?)`,
		runID, worldSize, time.Now().UnixNano(), config)
	return errors.Wrapf(err, "registering run %q in journal %q", runID, j.path)
}

// nullIfNotFinite converts NaN and infinity to NULL, since SQLite can't store them.
func nullIfNotFinite(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: !math.IsNaN(v) && !math.IsInf(v, 0)}
}

// Record a round of the worker rank of the run.
func (j *Journal) Record(runID string, rank int, info localsgd.RoundInfo) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return errors.Errorf("journal %q is closed", j.path)
	}
	_, err := j.insertRound.Exec(runID, rank, info.Step, info.KStepsBefore, info.KStepsAfter,
		nullIfNotFinite(info.Loss), nullIfNotFinite(info.LearningRate), info.NumParams, int64(info.BytesReduced),
		info.Duration.Nanoseconds(), time.Now().UnixNano())
	return errors.Wrapf(err, "recording round at step %d in journal %q", info.Step, j.path)
}

// Attach records every round of the strategy, for the worker rank of the run. Failures to record are
// logged and don't interrupt training.
func (j *Journal) Attach(strategy *localsgd.Strategy, runID string, rank int) {
	strategy.OnRound(func(info localsgd.RoundInfo) {
		if err := j.Record(runID, rank, info); err != nil {
			klog.Errorf("journal: %+v", err)
		}
	})
}

// Round is a recorded round.
type Round struct {
	localsgd.RoundInfo
	RunID      string
	Rank       int
	RecordedAt time.Time
}

// Rounds returns the rounds of the run recorded by worker rank, in step order. If rank < 0, the rounds of
// all workers are returned, ordered by step and rank.
func (j *Journal) Rounds(ctx gocontext.Context, runID string, rank int) ([]Round, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil, errors.Errorf("journal %q is closed", j.path)
	}
	rows, err := j.db.QueryContext(ctx, `SELECT rank, step, k_steps_before, k_steps_after, loss, learning_rate,
		num_params, bytes_reduced, duration_ns, recorded_at FROM rounds WHERE run_id = ? AND (? < 0 OR rank = ?)
		ORDER BY step, rank`, runID, rank, rank)
	if err != nil {
		return nil, errors.Wrapf(err, "querying rounds of run %q in journal %q", runID, j.path)
	}
	defer func() { _ = rows.Close() }()
	var rounds []Round
	for rows.Next() {
		r := Round{RunID: runID}
		var loss, lr sql.NullFloat64
		var bytesReduced, durationNs, recordedAt int64
		if err := rows.Scan(&r.Rank, &r.Step, &r.KStepsBefore, &r.KStepsAfter, &loss, &lr, &r.NumParams,
			&bytesReduced, &durationNs, &recordedAt); err != nil {
			return nil, errors.Wrapf(err, "reading rounds of run %q in journal %q", runID, j.path)
		}
		r.Loss, r.LearningRate = nullToNaN(loss), nullToNaN(lr)
		r.BytesReduced = uint64(bytesReduced)
		r.Duration = time.Duration(durationNs)
		r.RecordedAt = time.Unix(0, recordedAt)
		rounds = append(rounds, r)
	}
	return rounds, errors.Wrapf(rows.Err(), "reading rounds of run %q in journal %q", runID, j.path)
}

func nullToNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

// RunSummary summarizes the rounds of a run.
type RunSummary struct {
	RunID     string
	WorldSize int
	StartedAt time.Time
	Config    string

	// NumRounds is the number of rounds recorded by any worker (rounds are counted once).
	NumRounds int

	// LastStep is the step of the last recorded round, and LastKSteps the interval after it.
	LastStep, LastKSteps int64

	// BytesReduced is the total of all workers.
	BytesReduced uint64

	// MeanDuration of the rounds, over all workers.
	MeanDuration time.Duration
}

// Runs returns the summary of all registered runs, the most recent first.
func (j *Journal) Runs(ctx gocontext.Context) ([]RunSummary, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil, errors.Errorf("journal %q is closed", j.path)
	}
	rows, err := j.db.QueryContext(ctx, `SELECT r.run_id, r.world_size, r.started_at, COALESCE(r.config, ''),
		COUNT(DISTINCT rd.step), COALESCE(MAX(rd.step), 0), COALESCE(SUM(rd.bytes_reduced), 0),
		COALESCE(AVG(rd.duration_ns), 0),
		COALESCE((SELECT k_steps_after FROM rounds WHERE run_id = r.run_id ORDER BY step DESC, id DESC LIMIT 1), 0)
		FROM runs r LEFT JOIN rounds rd ON rd.run_id = r.run_id
		GROUP BY r.run_id ORDER BY r.started_at DESC`)
	if err != nil {
		return nil, errors.Wrapf(err, "querying runs in journal %q", j.path)
	}
	defer func() { _ = rows.Close() }()
	var runs []RunSummary
	for rows.Next() {
		var s RunSummary
		var startedAt, bytesReduced int64
		var meanDuration float64
		if err := rows.Scan(&s.RunID, &s.WorldSize, &startedAt, &s.Config, &s.NumRounds, &s.LastStep,
			&bytesReduced, &meanDuration, &s.LastKSteps); err != nil {
			return nil, errors.Wrapf(err, "reading runs in journal %q", j.path)
		}
		s.StartedAt = time.Unix(0, startedAt)
		s.BytesReduced = uint64(bytesReduced)
		s.MeanDuration = time.Duration(meanDuration)
		runs = append(runs, s)
	}
	return runs, errors.Wrapf(rows.Err(), "reading runs in journal %q", j.path)
}
