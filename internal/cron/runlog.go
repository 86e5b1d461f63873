package cron

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// RunLogStore records job firings in a local sqlite database.
type RunLogStore struct {
	db *sql.DB
}

// OpenRunLog opens (and initializes) the run-log database.
func OpenRunLog(path string) (*RunLogStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	// sqlite writes are single-threaded anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cron_runs (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id      TEXT NOT NULL,
			started_at  TIMESTAMP NOT NULL,
			finished_at TIMESTAMP,
			status      TEXT NOT NULL,
			output      TEXT,
			error       TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_cron_runs_job ON cron_runs (job_id, started_at DESC);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init run log schema: %w", err)
	}
	return &RunLogStore{db: db}, nil
}

func (s *RunLogStore) Close() error { return s.db.Close() }

// Start inserts a running entry and returns its id.
func (s *RunLogStore) Start(ctx context.Context, jobID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO cron_runs (job_id, started_at, status) VALUES (?, ?, ?)",
		jobID, time.Now(), RunRunning)
	if err != nil {
		return 0, fmt.Errorf("log run start: %w", err)
	}
	return res.LastInsertId()
}

// Finish closes a run entry with its terminal status.
func (s *RunLogStore) Finish(ctx context.Context, id int64, status RunStatus, output, errMsg string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE cron_runs
		 SET finished_at = ?, status = ?, output = ?, error = ?,
		     duration_ms = CAST((julianday(?) - julianday(started_at)) * 86400000 AS INTEGER)
		 WHERE id = ?`,
		now, status, output, errMsg, now, id)
	if err != nil {
		return fmt.Errorf("log run finish: %w", err)
	}
	return nil
}

// Recent returns the latest n runs for a job, newest first.
func (s *RunLogStore) Recent(ctx context.Context, jobID string, n int) ([]RunLog, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, started_at, finished_at, status, output, error, duration_ms
		 FROM cron_runs WHERE job_id = ? ORDER BY started_at DESC LIMIT ?`,
		jobID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunLog
	for rows.Next() {
		var r RunLog
		var finished sql.NullTime
		var output, errMsg sql.NullString
		if err := rows.Scan(&r.ID, &r.JobID, &r.StartedAt, &finished, &r.Status, &output, &errMsg, &r.DurationMS); err != nil {
			return nil, err
		}
		if finished.Valid {
			r.FinishedAt = &finished.Time
		}
		r.Output = output.String
		r.Error = errMsg.String
		out = append(out, r)
	}
	return out, rows.Err()
}
