package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ProvenanceLog is the durable append-only JSON-lines file named in §6's
// persisted state layout (data/provenance.log). It is the log of record;
// Store's provenance table is a queryable index over the same rows.
type ProvenanceLog struct {
	mu   sync.Mutex
	path string
}

// OpenProvenanceLog ensures the parent directory exists and returns a
// handle ready to append.
func OpenProvenanceLog(path string) (*ProvenanceLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("provenance log dir: %w", err)
	}
	return &ProvenanceLog{path: path}, nil
}

// Append writes one JSON line. Provenance rows are never rewritten (§3), so
// this is the only write path: open-append-close, no rename dance needed
// since a torn trailing line is detectable and skippable on replay.
func (l *ProvenanceLog) Append(row ProvenanceRow) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open provenance log: %w", err)
	}
	defer f.Close()

	line := struct {
		ID        string          `json:"id"`
		AssetUID  string          `json:"asset_uid"`
		CreatedAt string          `json:"created_at"`
		Payload   json.RawMessage `json:"payload"`
	}{
		ID:        row.ID,
		AssetUID:  row.AssetUID,
		CreatedAt: row.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
		Payload:   row.Payload,
	}
	b, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("marshal provenance line: %w", err)
	}
	b = append(b, '\n')

	if _, err := f.Write(b); err != nil {
		return fmt.Errorf("write provenance line: %w", err)
	}
	return f.Sync()
}
