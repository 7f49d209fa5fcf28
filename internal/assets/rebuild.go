package assets

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/comfyvn/studio/internal/apperr"
	"github.com/comfyvn/studio/internal/store"
)

// Rebuild implements rebuild(root, options) (§4.3): re-hashes registered
// files under root, rewrites sidecars, and prunes rows whose file is gone.
// It never appends provenance rows; identity changes and sidecar rewrites
// here are maintenance, not new creative acts.
func (r *Registry) Rebuild(ctx context.Context, root string, opts RebuildOptions) (RebuildSummary, error) {
	var summary RebuildSummary

	snap := *r.snapshot.Load()
	for uid, asset := range snap {
		if !underRoot(root, asset.Path) {
			continue
		}
		summary.Scanned++

		lock := r.lockFor(uid)
		lock.Lock()
		err := r.rebuildOne(ctx, uid, &summary, opts)
		lock.Unlock()
		if err != nil {
			summary.Errors = append(summary.Errors, err.Error())
		}
	}
	return summary, nil
}

func (r *Registry) rebuildOne(ctx context.Context, uid string, summary *RebuildSummary, opts RebuildOptions) error {
	asset, ok := r.get(uid)
	if !ok {
		return nil // removed concurrently
	}

	if _, err := os.Stat(asset.Path); os.IsNotExist(err) {
		if err := r.st.DeleteAsset(ctx, uid); err != nil {
			return apperr.Newf(apperr.InternalError, "prune asset: %v", err)
		}
		r.publish(uid, Asset{}, true)
		summary.Pruned++
		r.bus.Publish("on_asset_removed", map[string]any{"uid": uid, "reason": "rebuild_missing_file"})
		return nil
	}

	newUID, size, err := hashFile(asset.Path)
	if err != nil {
		return apperr.Newf(apperr.InternalError, "rehash %s: %v", asset.Path, err)
	}

	if opts.FixMetadata {
		fixed := normalizeMeta(asset.Meta)
		if !metaEqual(fixed, asset.Meta) {
			asset.Meta = fixed
			summary.MetadataFixed++
		}
	}

	identityChanged := newUID != uid
	if identityChanged {
		// Content changed underneath a registered path: identity moves to
		// the new hash. Drop the stale row; the new uid is adopted below.
		if err := r.st.DeleteAsset(ctx, uid); err != nil {
			return apperr.Newf(apperr.InternalError, "replace stale row: %v", err)
		}
		r.publish(uid, Asset{}, true)
		asset.UID = newUID
		asset.SizeBytes = size
		summary.Rehashed++
	}

	if err := r.upsertRowOnly(ctx, asset); err != nil {
		return err
	}

	needSidecar := opts.OverwriteSidecars || identityChanged
	if opts.EnforceSidecars {
		if _, err := os.Stat(sidecarPath(asset.Path)); os.IsNotExist(err) {
			needSidecar = true
		}
	}
	if needSidecar || opts.FixMetadata {
		if _, err := r.rewriteSidecarAt(ctx, asset.Path, asset); err != nil {
			return err
		}
		summary.SidecarsWritten++
	}

	r.publish(asset.UID, asset, false)
	return nil
}

func (r *Registry) upsertRowOnly(ctx context.Context, asset Asset) error {
	payload, err := json.Marshal(asset)
	if err != nil {
		return apperr.Newf(apperr.InternalError, "marshal asset: %v", err)
	}
	if err := r.st.UpsertAsset(ctx, store.AssetRow{
		UID: asset.UID, Type: string(asset.Type), Path: asset.Path,
		SizeBytes: asset.SizeBytes, CreatedAt: asset.CreatedAt, Payload: payload,
	}); err != nil {
		return apperr.Newf(apperr.InternalError, "upsert asset row: %v", err)
	}
	return nil
}

func metaEqual(a, b map[string]any) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

func underRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.'
}
