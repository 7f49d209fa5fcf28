package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ProviderRow is the persisted shape of a Provider record (§3): the
// queryable columns plus the full record (capabilities, config, status,
// cost) as a JSON blob.
type ProviderRow struct {
	ID        string
	Kind      string
	Payload   json.RawMessage
	UpdatedAt time.Time
}

// UpsertProvider inserts or replaces a provider row.
func (s *Store) UpsertProvider(ctx context.Context, row ProviderRow) error {
	const q = `
		INSERT INTO providers (id, kind, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET kind=excluded.kind, payload=excluded.payload, updated_at=excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, q, row.ID, row.Kind, string(row.Payload), row.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert provider: %w", err)
	}
	return nil
}

// DeleteProvider removes a provider row.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
	return err
}

// GetProvider loads one provider row by id.
func (s *Store) GetProvider(ctx context.Context, id string) (*ProviderRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, kind, payload, updated_at FROM providers WHERE id = ?`, id)
	r, err := scanProviderRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ListProviders returns every provider row, ordered by id for stable output.
func (s *Store) ListProviders(ctx context.Context) ([]ProviderRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, payload, updated_at FROM providers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var out []ProviderRow
	for rows.Next() {
		r, err := scanProviderRowCursor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanProviderRow(row *sql.Row) (*ProviderRow, error) {
	return scanProviderRowCursor(row)
}

func scanProviderRowCursor(row rowScanner) (*ProviderRow, error) {
	var (
		r         ProviderRow
		payload   string
		updatedAt string
	)
	if err := row.Scan(&r.ID, &r.Kind, &payload, &updatedAt); err != nil {
		return nil, err
	}
	r.Payload = json.RawMessage(payload)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &r, nil
}
