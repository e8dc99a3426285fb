// Package history keeps a local sqlite record of every submitted job.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var ErrJobNotFound = errors.New("job not found")

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    submit_id TEXT PRIMARY KEY,
    history_id TEXT NOT NULL,
    region TEXT NOT NULL,
    mode TEXT NOT NULL,
    user_model TEXT NOT NULL,
    backend_model TEXT NOT NULL,
    prompt TEXT NOT NULL,
    width INTEGER NOT NULL DEFAULT 0,
    height INTEGER NOT NULL DEFAULT 0,
    tier TEXT,
    ratio_code INTEGER NOT NULL DEFAULT 0,
    state TEXT NOT NULL DEFAULT 'RUNNING',
    polls INTEGER NOT NULL DEFAULT 0,
    elapsed_ms INTEGER NOT NULL DEFAULT 0,
    fail_code TEXT,
    error TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    finished_at DATETIME,
    metadata_json TEXT
);

CREATE TABLE IF NOT EXISTS artifacts (
    submit_id TEXT NOT NULL,
    idx INTEGER NOT NULL,
    url TEXT NOT NULL,
    local_path TEXT,
    PRIMARY KEY (submit_id, idx),
    FOREIGN KEY (submit_id) REFERENCES jobs(submit_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_history_id ON jobs(history_id);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
`

type Store struct {
	db *sql.DB
}

func NewStore() (*Store, error) {
	dbPath, err := DefaultDBPath()
	if err != nil {
		return nil, err
	}
	return NewStoreWithPath(dbPath)
}

func NewStoreWithPath(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas in the DSN run on every pooled connection, not just the first.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

func DefaultDBPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".jimeng", "history.db"), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// StartJob records a freshly submitted job.
func (s *Store) StartJob(ctx context.Context, job *Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.State == "" {
		job.State = "RUNNING"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (submit_id, history_id, region, mode, user_model, backend_model, prompt,
		 width, height, tier, ratio_code, state, created_at, metadata_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.SubmitID, job.HistoryID, job.Region, job.Mode, job.UserModel, job.BackendModel, job.Prompt,
		job.Width, job.Height, nullString(job.Tier), job.RatioCode, job.State, job.CreatedAt, job.Metadata.ToJSON())
	return err
}

// FinishJob writes the terminal state and result URLs of a job.
func (s *Store) FinishJob(ctx context.Context, submitID string, o Outcome) error {
	if o.FinishedAt.IsZero() {
		o.FinishedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?, polls = ?, elapsed_ms = ?, fail_code = ?, error = ?, finished_at = ?
		 WHERE submit_id = ?`,
		o.State, o.Polls, o.Elapsed.Milliseconds(), nullString(o.FailCode), nullString(o.Error), o.FinishedAt, submitID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, submitID)
	}

	for i, u := range o.URLs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO artifacts (submit_id, idx, url) VALUES (?, ?, ?)`,
			submitID, i, u); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) SetArtifactPath(ctx context.Context, submitID string, index int, path string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE artifacts SET local_path = ? WHERE submit_id = ? AND idx = ?`,
		path, submitID, index)
	return err
}

const jobColumns = `submit_id, history_id, region, mode, user_model, backend_model, prompt,
	width, height, tier, ratio_code, state, polls, elapsed_ms, fail_code, error, created_at, finished_at, metadata_json`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	job := &Job{}
	var tier, failCode, errMsg, metadataJSON sql.NullString
	var finishedAt sql.NullTime
	var elapsedMs int64
	err := row.Scan(&job.SubmitID, &job.HistoryID, &job.Region, &job.Mode, &job.UserModel, &job.BackendModel,
		&job.Prompt, &job.Width, &job.Height, &tier, &job.RatioCode, &job.State, &job.Polls, &elapsedMs,
		&failCode, &errMsg, &job.CreatedAt, &finishedAt, &metadataJSON)
	if err != nil {
		return nil, err
	}
	job.Tier = tier.String
	job.FailCode = failCode.String
	job.Error = errMsg.String
	job.Elapsed = time.Duration(elapsedMs) * time.Millisecond
	if finishedAt.Valid {
		job.FinishedAt = finishedAt.Time
	}
	job.Metadata = ParseJobMetadata(metadataJSON.String)
	return job, nil
}

// GetJob looks a job up by submit id or history id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE submit_id = ? OR history_id = ? LIMIT 1`, id, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	job.Artifacts, err = s.ListArtifacts(ctx, job.SubmitID)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns the most recent jobs first. limit <= 0 means no limit.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Store) ListArtifacts(ctx context.Context, submitID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT submit_id, idx, url, local_path FROM artifacts WHERE submit_id = ? ORDER BY idx ASC`, submitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		var a Artifact
		var localPath sql.NullString
		if err := rows.Scan(&a.SubmitID, &a.Index, &a.URL, &localPath); err != nil {
			return nil, err
		}
		a.LocalPath = localPath.String
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

func (s *Store) DeleteJob(ctx context.Context, submitID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE submit_id = ?`, submitID)
	return err
}

func (s *Store) Summary(ctx context.Context) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN state = 'SUCCEEDED' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN state = 'FAILED' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN state = 'TIMED_OUT' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN finished_at IS NULL THEN 1 ELSE 0 END), 0),
		        (SELECT COUNT(*) FROM artifacts)
		 FROM jobs`)

	var sum Summary
	if err := row.Scan(&sum.Total, &sum.Succeeded, &sum.Failed, &sum.TimedOut, &sum.Pending, &sum.Artifacts); err != nil {
		return nil, err
	}
	return &sum, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func FormatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}
