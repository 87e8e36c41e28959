// Package ledger keeps a sqlite record of PPS runs and published artifacts.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/CZERTAINLY/ppsrunner/internal/model"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL UNIQUE,
	job_id TEXT NOT NULL,
	state TEXT NOT NULL,
	finished BOOLEAN NOT NULL DEFAULT false,
	failure_reason TEXT DEFAULT NULL,
	started_at INTEGER NOT NULL,
	finished_at INTEGER DEFAULT NULL
);
CREATE TABLE IF NOT EXISTS published (
	path TEXT NOT NULL,
	mtime INTEGER NOT NULL,
	run_id TEXT NOT NULL,
	published_at INTEGER NOT NULL,
	PRIMARY KEY (path, mtime)
);
`

type Run struct {
	RunID         string
	JobID         string
	State         model.JobState
	Finished      bool
	FailureReason *string
	StartedAt     time.Time
	FinishedAt    *time.Time
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ model.Ledger = (*Store)(nil)

// Open opens or creates the ledger at path. ":memory:" gives a private
// in-memory ledger.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection: sqlite serializes writers anyway and ":memory:" is per
	// connection
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Begin records a new run of jobID in state launched and returns its id.
func (s *Store) Begin(ctx context.Context, jobID string) (string, error) {
	runID := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, job_id, state, started_at) VALUES (?,?,?,?)`,
		runID, jobID, string(model.JobStateLaunched), s.now().UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("executing sql insert failed: %w", err)
	}
	return runID, nil
}

// SetState moves an unfinished run to state.
func (s *Store) SetState(ctx context.Context, runID string, state model.JobState) error {
	return s.update(ctx, runID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE runs SET state = ? WHERE run_id = ?`, string(state), runID)
		return err
	})
}

// Finish stores the final state of a run. A non-empty reason is kept as the
// failure reason.
func (s *Store) Finish(ctx context.Context, runID string, state model.JobState, reason string) error {
	var r *string
	if reason != "" {
		r = &reason
	}
	return s.update(ctx, runID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE runs
			 SET
				state = ?,
				finished = true,
				failure_reason = ?,
				finished_at = ?
			 WHERE run_id = ?`,
			string(state), r, s.now().UnixNano(), runID,
		)
		return err
	})
}

// Get returns the run identified by runID or ErrNotFound.
func (s *Store) Get(ctx context.Context, runID string) (Run, error) {
	var run Run
	var state string
	var started int64
	var finished sql.NullInt64
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, job_id, state, finished, failure_reason, started_at, finished_at
		 FROM runs WHERE run_id = ?`, runID,
	)
	err := row.Scan(&run.RunID, &run.JobID, &state, &run.Finished, &run.FailureReason, &started, &finished)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Run{}, ErrNotFound
	case err != nil:
		return Run{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	run.State = model.JobState(state)
	run.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		run.FinishedAt = &t
	}
	return run, nil
}

// Published reports whether the file at path with the given modification
// time was already announced.
func (s *Store) Published(ctx context.Context, path string, mtime time.Time) (bool, error) {
	var n int
	row := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM published WHERE path = ? AND mtime = ?`, path, mtime.UnixNano(),
	)
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("executing sql query failed: %w", err)
	}
	return n > 0, nil
}

// MarkPublished records an announced file. Marking it again is a no-op.
func (s *Store) MarkPublished(ctx context.Context, runID, path string, mtime time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO published (path, mtime, run_id, published_at) VALUES (?,?,?,?)`,
		path, mtime.UnixNano(), runID, s.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	return nil
}

// update runs fn in a transaction after checking the run exists and has not
// finished.
func (s *Store) update(ctx context.Context, runID string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "rolling back ledger transaction failed", "run_id", runID, "error", err)
		}
	}()

	var finished bool
	err = tx.QueryRowContext(ctx, `SELECT finished FROM runs WHERE run_id = ?`, runID).Scan(&finished)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	case finished:
		return ErrAlreadyFinished
	}

	if err := fn(tx); err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Nop is the ledger used when none is configured: nothing is recorded and
// nothing counts as published.
type Nop struct{}

var _ model.Ledger = Nop{}

func (Nop) Begin(context.Context, string) (string, error)                  { return uuid.NewString(), nil }
func (Nop) SetState(context.Context, string, model.JobState) error         { return nil }
func (Nop) Finish(context.Context, string, model.JobState, string) error   { return nil }
func (Nop) Published(context.Context, string, time.Time) (bool, error)     { return false, nil }
func (Nop) MarkPublished(context.Context, string, string, time.Time) error { return nil }
