package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	k2ptypes "img2keychain/type"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	status        TEXT NOT NULL,
	progress      INTEGER NOT NULL DEFAULT 0,
	palette       TEXT NOT NULL DEFAULT '[]',
	error_message TEXT NOT NULL DEFAULT '',
	params        TEXT NOT NULL DEFAULT '{}',
	input_path    TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	completed_at  INTEGER
);
CREATE TABLE IF NOT EXISTS job_artifacts (
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	stage  TEXT NOT NULL,
	path   TEXT NOT NULL,
	PRIMARY KEY (job_id, stage)
);
`

// SQLite is a Store backed by database/sql with the modernc driver.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite wraps db. Call EnsureSchema once before use.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db, now: time.Now}
}

// EnsureSchema creates the tables if missing.
func (s *SQLite) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("jobstore: schema: %w", err)
	}
	return nil
}

// Create implements Store.
func (s *SQLite) Create(ctx context.Context, job *k2ptypes.Job) error {
	status := job.Status
	if status == "" {
		status = k2ptypes.StatusPending
	}
	palette, err := json.Marshal(nonNil(job.Palette))
	if err != nil {
		return fmt.Errorf("jobstore: %w", err)
	}
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("jobstore: %w", err)
	}
	now := s.now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("jobstore: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, status, progress, palette, error_message, params, input_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(status), clampProgress(job.Progress), string(palette), job.ErrorMessage,
		string(params), job.InputPath, now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("%w: %s", ErrExists, job.ID)
		}
		return fmt.Errorf("jobstore: insert: %w", err)
	}
	for stage, path := range job.Artifacts {
		if err := upsertArtifact(ctx, tx, job.ID, stage, path); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Get implements Store.
func (s *SQLite) Get(ctx context.Context, id string) (*k2ptypes.Job, error) {
	var (
		j                   k2ptypes.Job
		status, palette, pr string
		created, updated    int64
		completed           sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, progress, palette, error_message, params, input_path, created_at, updated_at, completed_at
		FROM jobs WHERE id = ?`, id).
		Scan(&j.ID, &status, &j.Progress, &palette, &j.ErrorMessage, &pr, &j.InputPath, &created, &updated, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: get %s: %w", id, err)
	}
	j.Status = k2ptypes.Status(status)
	if err := json.Unmarshal([]byte(palette), &j.Palette); err != nil {
		return nil, fmt.Errorf("jobstore: palette of %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(pr), &j.Params); err != nil {
		return nil, fmt.Errorf("jobstore: params of %s: %w", id, err)
	}
	j.CreatedAt = time.UnixMilli(created)
	j.UpdatedAt = time.UnixMilli(updated)
	if completed.Valid {
		t := time.UnixMilli(completed.Int64)
		j.CompletedAt = &t
	}

	rows, err := s.db.QueryContext(ctx, `SELECT stage, path FROM job_artifacts WHERE job_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("jobstore: artifacts of %s: %w", id, err)
	}
	defer rows.Close()
	j.Artifacts = make(map[string]string)
	for rows.Next() {
		var stage, path string
		if err := rows.Scan(&stage, &path); err != nil {
			return nil, fmt.Errorf("jobstore: artifacts of %s: %w", id, err)
		}
		j.Artifacts[stage] = path
	}
	return &j, rows.Err()
}

// SetStatus checks the transition and updates status inside one transaction.
func (s *SQLite) SetStatus(ctx context.Context, id string, status k2ptypes.Status, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("jobstore: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("jobstore: %w", err)
	}
	from := k2ptypes.Status(current)
	if !k2ptypes.CanTransition(from, status) {
		return transitionError(id, from, status)
	}

	now := s.now().UnixMilli()
	switch status {
	case k2ptypes.StatusCompleted:
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, error_message = ?, progress = 100, completed_at = ?, updated_at = ? WHERE id = ?`,
			string(status), errMsg, now, now, id)
	case k2ptypes.StatusProcessing:
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, error_message = ?, completed_at = NULL, updated_at = ? WHERE id = ?`,
			string(status), errMsg, now, id)
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
			string(status), errMsg, now, id)
	}
	if err != nil {
		return fmt.Errorf("jobstore: set status %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *SQLite) exec(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("jobstore: %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("jobstore: %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// SetProgress implements Store.
func (s *SQLite) SetProgress(ctx context.Context, id string, progress int) error {
	return s.exec(ctx, id, `UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ?`,
		clampProgress(progress), s.now().UnixMilli(), id)
}

// SetPalette implements Store.
func (s *SQLite) SetPalette(ctx context.Context, id string, palette []string) error {
	data, err := json.Marshal(nonNil(palette))
	if err != nil {
		return fmt.Errorf("jobstore: %w", err)
	}
	return s.exec(ctx, id, `UPDATE jobs SET palette = ?, updated_at = ? WHERE id = ?`,
		string(data), s.now().UnixMilli(), id)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertArtifact(ctx context.Context, db execer, id, stage, path string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO job_artifacts (job_id, stage, path) VALUES (?, ?, ?)
		ON CONFLICT (job_id, stage) DO UPDATE SET path = excluded.path`, id, stage, path)
	if err != nil {
		return fmt.Errorf("jobstore: artifact %s/%s: %w", id, stage, err)
	}
	return nil
}

// SetArtifact implements Store.
func (s *SQLite) SetArtifact(ctx context.Context, id, stage, path string) error {
	if err := s.exec(ctx, id, `UPDATE jobs SET updated_at = ? WHERE id = ?`, s.now().UnixMilli(), id); err != nil {
		return err
	}
	return upsertArtifact(ctx, s.db, id, stage, path)
}
