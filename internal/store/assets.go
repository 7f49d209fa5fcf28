package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AssetRow is the persisted index row for a registered asset; Payload holds
// the full Asset record (meta, sidecar_path, provenance_id, ...).
type AssetRow struct {
	UID       string
	Type      string
	Path      string
	SizeBytes int64
	CreatedAt time.Time
	Payload   json.RawMessage
}

// UpsertAsset inserts or replaces an asset's index row.
func (s *Store) UpsertAsset(ctx context.Context, row AssetRow) error {
	const q = `
		INSERT INTO assets (uid, type, path, size_bytes, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET
			type=excluded.type, path=excluded.path, size_bytes=excluded.size_bytes, payload=excluded.payload
	`
	_, err := s.db.ExecContext(ctx, q, row.UID, row.Type, row.Path, row.SizeBytes,
		row.CreatedAt.UTC().Format(time.RFC3339Nano), string(row.Payload))
	if err != nil {
		return fmt.Errorf("upsert asset: %w", err)
	}
	return nil
}

// DeleteAsset removes an asset's index row.
func (s *Store) DeleteAsset(ctx context.Context, uid string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM assets WHERE uid = ?`, uid)
	return err
}

// GetAsset loads one asset row by uid.
func (s *Store) GetAsset(ctx context.Context, uid string) (*AssetRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT uid, type, path, size_bytes, created_at, payload FROM assets WHERE uid = ?`, uid)
	r, err := scanAssetRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// AssetFilter narrows ListAssets (§4.3's list operation).
type AssetFilter struct {
	Type   string
	Text   string
	Limit  int
	Offset int
}

// ListAssets returns rows matching filter plus the total (unpaginated)
// match count, in path order for stable pagination.
func (s *Store) ListAssets(ctx context.Context, filter AssetFilter) ([]AssetRow, int, error) {
	var where []string
	var args []any
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.Text != "" {
		where = append(where, "(LOWER(path) LIKE ? OR LOWER(payload) LIKE ?)")
		needle := "%" + strings.ToLower(filter.Text) + "%"
		args = append(args, needle, needle)
	}
	whereClause := ""
	if len(where) > 0 {
		whereClause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	countQ := "SELECT COUNT(*) FROM assets" + whereClause
	if err := s.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count assets: %w", err)
	}

	q := "SELECT uid, type, path, size_bytes, created_at, payload FROM assets" + whereClause + " ORDER BY path"
	pageArgs := append([]any{}, args...)
	if filter.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		pageArgs = append(pageArgs, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var out []AssetRow
	for rows.Next() {
		r, err := scanAssetRowCursor(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *r)
	}
	return out, total, rows.Err()
}

func scanAssetRow(row *sql.Row) (*AssetRow, error) {
	return scanAssetRowCursor(row)
}

func scanAssetRowCursor(row rowScanner) (*AssetRow, error) {
	var (
		r         AssetRow
		createdAt string
		payload   string
	)
	if err := row.Scan(&r.UID, &r.Type, &r.Path, &r.SizeBytes, &createdAt, &payload); err != nil {
		return nil, err
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.Payload = json.RawMessage(payload)
	return &r, nil
}

// ProvenanceRow mirrors the provenance row contract (§3): append-only,
// never rewritten.
type ProvenanceRow struct {
	ID        string
	AssetUID  string
	CreatedAt time.Time
	Payload   json.RawMessage
}

// AppendProvenance inserts a provenance row. There is no update path by
// design.
func (s *Store) AppendProvenance(ctx context.Context, row ProvenanceRow) error {
	const q = `INSERT INTO provenance (id, asset_uid, created_at, payload) VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, row.ID, row.AssetUID, row.CreatedAt.UTC().Format(time.RFC3339Nano), string(row.Payload))
	if err != nil {
		return fmt.Errorf("append provenance: %w", err)
	}
	return nil
}

// ProvenanceForAsset returns every provenance row for an asset, oldest
// first.
func (s *Store) ProvenanceForAsset(ctx context.Context, assetUID string) ([]ProvenanceRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, asset_uid, created_at, payload FROM provenance WHERE asset_uid = ? ORDER BY created_at ASC`, assetUID)
	if err != nil {
		return nil, fmt.Errorf("query provenance: %w", err)
	}
	defer rows.Close()

	var out []ProvenanceRow
	for rows.Next() {
		var r ProvenanceRow
		var createdAt, payload string
		if err := rows.Scan(&r.ID, &r.AssetUID, &createdAt, &payload); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		r.Payload = json.RawMessage(payload)
		out = append(out, r)
	}
	return out, rows.Err()
}
