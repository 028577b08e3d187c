package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLite is a visibility-timeout queue stored in one table.
type SQLite struct {
	db   *sql.DB
	opts Options
}

// NewSQLite returns a queue handle; call EnsureTable once at startup.
func NewSQLite(db *sql.DB, opts Options) *SQLite {
	opts.defaults()
	return &SQLite{db: db, opts: opts}
}

// EnsureTable creates the queue table and index.
func (q *SQLite) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS queue_messages (
			id         TEXT PRIMARY KEY,
			queue      TEXT NOT NULL,
			payload    BLOB,
			visible_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			attempts   INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_queue_visible ON queue_messages (queue, visible_at);
	`)
	if err != nil {
		return fmt.Errorf("queue: schema: %w", err)
	}
	return nil
}

// Publish inserts an immediately visible message.
func (q *SQLite) Publish(ctx context.Context, payload []byte) (string, error) {
	id := newID()
	now := q.opts.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_messages (id, queue, payload, visible_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, q.opts.Name, payload, now, now)
	if err != nil {
		return "", fmt.Errorf("queue: publish: %w", err)
	}
	return id, nil
}

// Claim hides the oldest visible message for the visibility timeout.
func (q *SQLite) Claim(ctx context.Context) (*Message, error) {
	now := q.opts.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()
	row := q.db.QueryRowContext(ctx, `
		UPDATE queue_messages
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM queue_messages
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC, created_at ASC
			LIMIT 1
		)
		RETURNING id, payload, attempts`,
		hideUntil, q.opts.Name, now.UnixMilli())

	var m Message
	err := row.Scan(&m.ID, &m.Payload, &m.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	return &m, nil
}

// Ack deletes a processed message.
func (q *SQLite) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ? AND queue = ?`, id, q.opts.Name)
	if err != nil {
		return fmt.Errorf("queue: ack %s: %w", id, err)
	}
	return nil
}

// Nack makes a message visible again immediately.
func (q *SQLite) Nack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE queue_messages SET visible_at = 0 WHERE id = ? AND queue = ?`, id, q.opts.Name)
	if err != nil {
		return fmt.Errorf("queue: nack %s: %w", id, err)
	}
	return nil
}

// Len counts visible and in-flight messages.
func (q *SQLite) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_messages WHERE queue = ?`, q.opts.Name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue: len: %w", err)
	}
	return n, nil
}
