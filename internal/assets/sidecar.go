package assets

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/comfyvn/studio/internal/canonical"
)

// sidecarDoc is the deterministic serialization written to <path>.asset.json
// (§3 invariant, §4.3: "sorted keys, stable newline, UTF-8").
type sidecarDoc struct {
	UID        string         `json:"uid"`
	Type       Type           `json:"type"`
	Meta       map[string]any `json:"meta"`
	Provenance []Provenance   `json:"provenance"`
}

func sidecarPath(assetPath string) string {
	return assetPath + ".asset.json"
}

// writeSidecar serializes doc canonically and reports whether the path's
// content actually changed (callers use this to decide whether to emit
// on_asset_sidecar_written).
func writeSidecar(path string, doc sidecarDoc) (changed bool, err error) {
	canon, err := canonical.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("canonicalize sidecar: %w", err)
	}
	canon = append(canon, '\n')

	if existing, err := os.ReadFile(path); err == nil && string(existing) == string(canon) {
		return false, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, canon, 0o644); err != nil {
		return false, fmt.Errorf("write sidecar temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return false, fmt.Errorf("commit sidecar: %w", err)
	}
	return true, nil
}

// readSidecar parses a sidecar file into a generic map, the shape returned
// by the registry's sidecar(uid) operation.
func readSidecar(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sidecar: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse sidecar: %w", err)
	}
	return m, nil
}

// tombstoneAndRemove implements remove()'s "atomic: move-to-tombstone, then
// unlink" (§4.3): rename first (so a crash mid-delete leaves a clearly
// marked tombstone rather than a half-deleted file), then unlink the
// tombstone.
func tombstoneAndRemove(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	tomb := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tombstone")
	if err := os.Rename(path, tomb); err != nil {
		return fmt.Errorf("tombstone: %w", err)
	}
	if err := os.Remove(tomb); err != nil {
		return fmt.Errorf("unlink tombstone: %w", err)
	}
	return nil
}
