package store

import (
	"context"
	"fmt"
	"time"
)

// AckRow records a user's acknowledgement of a block-level advisory
// finding (§4.4's ack operation).
type AckRow struct {
	Token     string
	User      string
	Reason    string
	CreatedAt time.Time
}

// PutAck durably records an acknowledgement token.
func (s *Store) PutAck(ctx context.Context, row AckRow) error {
	const q = `INSERT OR REPLACE INTO advisory_acks (token, user, reason, created_at) VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, row.Token, row.User, row.Reason, row.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put ack: %w", err)
	}
	return nil
}

// GetAck looks up an acknowledgement by token.
func (s *Store) GetAck(ctx context.Context, token string) (*AckRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT token, user, reason, created_at FROM advisory_acks WHERE token = ?`, token)
	var r AckRow
	var createdAt string
	if err := row.Scan(&r.Token, &r.User, &r.Reason, &createdAt); err != nil {
		return nil, err
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &r, nil
}
