package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// JobRow is the persisted shape of a job: indexed columns the scheduler
// queries on directly, plus the full domain record as a JSON blob so the
// store never needs to know the scheduler's Go type.
type JobRow struct {
	ID          string
	Kind        string
	Target      string
	State       string
	Priority    int
	SubmittedAt time.Time
	StickyKey   string
	Attempts    int
	Payload     json.RawMessage
	UpdatedAt   time.Time
}

// UpsertJob durably writes a job row (insert or full replace), matching
// §5's "a job state transition is durable before its hook envelope is
// published."
func (s *Store) UpsertJob(ctx context.Context, row JobRow) error {
	const q = `
		INSERT INTO jobs (id, kind, target, state, priority, submitted_at, sticky_key, attempts, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			target=excluded.target, state=excluded.state, priority=excluded.priority,
			sticky_key=excluded.sticky_key, attempts=excluded.attempts,
			payload=excluded.payload, updated_at=excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, q,
		row.ID, row.Kind, row.Target, row.State, row.Priority,
		row.SubmittedAt.UTC().Format(time.RFC3339Nano), row.StickyKey, row.Attempts,
		string(row.Payload), row.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

// GetJob loads a single job row by id.
func (s *Store) GetJob(ctx context.Context, id string) (*JobRow, error) {
	const q = `SELECT id, kind, target, state, priority, submitted_at, sticky_key, attempts, payload, updated_at FROM jobs WHERE id = ?`
	row := s.db.QueryRowContext(ctx, q, id)
	return scanJobRow(row)
}

// ListJobs returns all job rows, optionally narrowed to one target, ordered
// by (priority desc, submitted_at asc), the scheduler's own priority/FIFO
// tie-break (§4.6), so a restart can rebuild its in-memory queues in order.
func (s *Store) ListJobs(ctx context.Context, target string) ([]JobRow, error) {
	q := `SELECT id, kind, target, state, priority, submitted_at, sticky_key, attempts, payload, updated_at FROM jobs`
	args := []any{}
	if target != "" {
		q += ` WHERE target = ?`
		args = append(args, target)
	}
	q += ` ORDER BY priority DESC, submitted_at ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []JobRow
	for rows.Next() {
		r, err := scanJobRowCursor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRow(row *sql.Row) (*JobRow, error) {
	r, err := scanJobRowCursor(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func scanJobRowCursor(row rowScanner) (*JobRow, error) {
	var (
		r                          JobRow
		submittedAt, updatedAt     string
		payload                    string
	)
	if err := row.Scan(&r.ID, &r.Kind, &r.Target, &r.State, &r.Priority, &submittedAt, &r.StickyKey, &r.Attempts, &payload, &updatedAt); err != nil {
		return nil, err
	}
	r.SubmittedAt, _ = time.Parse(time.RFC3339Nano, submittedAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	r.Payload = json.RawMessage(payload)
	return &r, nil
}
