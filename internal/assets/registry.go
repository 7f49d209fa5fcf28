package assets

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/comfyvn/studio/internal/apperr"
	"github.com/comfyvn/studio/internal/hooks"
	"github.com/comfyvn/studio/internal/store"
)

// Registry is the C3 Asset Registry. Writes serialize on a per-uid lock;
// reads are lock-free over an immutable snapshot swapped atomically after
// each write, per §5's concurrency rule for the registry.
type Registry struct {
	st      *store.Store
	bus     *hooks.Bus
	provLog *store.ProvenanceLog
	log     *slog.Logger

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	snapshot atomic.Pointer[map[string]Asset]

	scache *sidecarCache
}

// New constructs a Registry. Call Load once at startup to hydrate the
// snapshot from the store before serving reads.
func New(st *store.Store, bus *hooks.Bus, provLog *store.ProvenanceLog, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{st: st, bus: bus, provLog: provLog, log: log, locks: make(map[string]*sync.Mutex), scache: newSidecarCache(256)}
	empty := map[string]Asset{}
	r.snapshot.Store(&empty)
	return r
}

// Load hydrates the in-memory snapshot from the durable store. Call once
// at startup.
func (r *Registry) Load(ctx context.Context) error {
	rows, _, err := r.st.ListAssets(ctx, store.AssetFilter{})
	if err != nil {
		return fmt.Errorf("load assets: %w", err)
	}
	next := make(map[string]Asset, len(rows))
	for _, row := range rows {
		var a Asset
		if err := json.Unmarshal(row.Payload, &a); err != nil {
			r.log.Warn("skipping unreadable asset row", "uid", row.UID, "error", err)
			continue
		}
		next[a.UID] = a
	}
	r.snapshot.Store(&next)
	return nil
}

func (r *Registry) lockFor(uid string) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	l, ok := r.locks[uid]
	if !ok {
		l = &sync.Mutex{}
		r.locks[uid] = l
	}
	return l
}

func (r *Registry) get(uid string) (Asset, bool) {
	snap := *r.snapshot.Load()
	a, ok := snap[uid]
	return a, ok
}

// publish swaps in a new snapshot with uid set to a (or removed, if remove
// is true), copy-on-write so concurrent readers never see a torn map.
func (r *Registry) publish(uid string, a Asset, remove bool) {
	old := *r.snapshot.Load()
	next := make(map[string]Asset, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	if remove {
		delete(next, uid)
	} else {
		next[uid] = a
	}
	r.snapshot.Store(&next)
}

// RegisterFile implements register_file (§4.3).
func (r *Registry) RegisterFile(ctx context.Context, in RegisterInput) (Asset, error) {
	uid, size, err := hashFile(in.Path)
	if err != nil {
		return Asset{}, apperr.Newf(apperr.InvalidInput, "hash asset file: %v", err)
	}

	lock := r.lockFor(uid)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	existing, exists := r.get(uid)
	asset := existing
	if !exists {
		asset = Asset{
			UID:         uid,
			Type:        in.Type,
			Path:        in.Path,
			SidecarPath: sidecarPath(in.Path),
			SizeBytes:   size,
			CreatedAt:   now,
			Meta:        normalizeMeta(in.Meta),
		}
	} else {
		if asset.Path != in.Path && !containsStr(asset.Aliases, in.Path) {
			asset.Aliases = append(asset.Aliases, in.Path)
		}
		asset.Meta = deepMergeMeta(asset.Meta, in.Meta)
	}

	prov := Provenance{
		ID:           uuid.NewString(),
		AssetUID:     uid,
		Source:       in.Source,
		WorkflowHash: in.WorkflowHash,
		Seed:         in.Seed,
		InputsJSON:   in.ProvenanceInputs,
		Tool:         in.Tool,
		Version:      in.Version,
		CreatedAt:    now,
	}
	asset.ProvenanceID = prov.ID

	if err := r.persist(ctx, asset, prov); err != nil {
		return Asset{}, err
	}

	// Every path carrying this uid gets the merged meta and the full
	// provenance list, canonical path included; a dedup register must not
	// leave the canonical sidecar behind the hook payload it triggers.
	sidecarChanged := false
	for _, p := range append([]string{asset.Path}, asset.Aliases...) {
		changed, err := r.rewriteSidecarAt(ctx, p, asset)
		if err != nil {
			return Asset{}, err
		}
		sidecarChanged = sidecarChanged || changed
	}

	r.publish(uid, asset, false)

	if exists {
		r.bus.Publish("on_asset_meta_updated", assetPayload(asset))
	} else {
		r.bus.Publish("on_asset_registered", assetPayload(asset))
	}
	if sidecarChanged {
		r.bus.Publish("on_asset_sidecar_written", map[string]any{"uid": uid, "path": asset.Path})
	}

	if asset.Type == TypeImage && asset.ThumbnailPath == "" {
		go r.thumbnailWorker(uid)
	}

	return asset, nil
}

func (r *Registry) persist(ctx context.Context, asset Asset, prov Provenance) error {
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

	provPayload, err := json.Marshal(prov)
	if err != nil {
		return apperr.Newf(apperr.InternalError, "marshal provenance: %v", err)
	}
	provRow := store.ProvenanceRow{ID: prov.ID, AssetUID: prov.AssetUID, CreatedAt: prov.CreatedAt, Payload: provPayload}
	if err := r.st.AppendProvenance(ctx, provRow); err != nil {
		return apperr.Newf(apperr.InternalError, "append provenance row: %v", err)
	}
	if err := r.provLog.Append(provRow); err != nil {
		return apperr.Newf(apperr.InternalError, "append provenance log: %v", err)
	}
	return nil
}

func (r *Registry) rewriteSidecarAt(ctx context.Context, path string, asset Asset) (bool, error) {
	provRows, err := r.st.ProvenanceForAsset(ctx, asset.UID)
	if err != nil {
		return false, apperr.Newf(apperr.InternalError, "load provenance: %v", err)
	}
	provList := make([]Provenance, 0, len(provRows))
	for _, row := range provRows {
		var p Provenance
		if err := json.Unmarshal(row.Payload, &p); err == nil {
			provList = append(provList, p)
		}
	}

	changed, err := writeSidecar(sidecarPath(path), sidecarDoc{
		UID: asset.UID, Type: asset.Type, Meta: asset.Meta, Provenance: provList,
	})
	if err != nil {
		return false, apperr.Newf(apperr.InternalError, "write sidecar: %v", err)
	}
	if changed {
		r.scache.invalidate(asset.UID)
	}
	return changed, nil
}

// UpdateMeta implements update_meta (§4.3).
func (r *Registry) UpdateMeta(ctx context.Context, uid string, patch map[string]any) (Asset, error) {
	lock := r.lockFor(uid)
	lock.Lock()
	defer lock.Unlock()

	asset, ok := r.get(uid)
	if !ok {
		return Asset{}, apperr.Newf(apperr.NotFound, "asset %q not found", uid)
	}

	asset.Meta = deepMergeMeta(asset.Meta, patch)

	payload, err := json.Marshal(asset)
	if err != nil {
		return Asset{}, apperr.Newf(apperr.InternalError, "marshal asset: %v", err)
	}
	if err := r.st.UpsertAsset(ctx, store.AssetRow{
		UID: asset.UID, Type: string(asset.Type), Path: asset.Path,
		SizeBytes: asset.SizeBytes, CreatedAt: asset.CreatedAt, Payload: payload,
	}); err != nil {
		return Asset{}, apperr.Newf(apperr.InternalError, "upsert asset row: %v", err)
	}

	anyChanged := false
	for _, p := range append([]string{asset.Path}, asset.Aliases...) {
		changed, err := r.rewriteSidecarAt(ctx, p, asset)
		if err != nil {
			return Asset{}, err
		}
		anyChanged = anyChanged || changed
	}

	r.publish(uid, asset, false)
	r.bus.Publish("on_asset_meta_updated", assetPayload(asset))
	if anyChanged {
		r.bus.Publish("on_asset_sidecar_written", map[string]any{"uid": uid, "path": asset.Path})
	}
	return asset, nil
}

// Remove implements remove() (§4.3): tombstone-then-unlink the sidecar and
// thumbnail (if any) before dropping the row.
func (r *Registry) Remove(ctx context.Context, uid string) error {
	lock := r.lockFor(uid)
	lock.Lock()
	defer lock.Unlock()

	asset, ok := r.get(uid)
	if !ok {
		return apperr.Newf(apperr.NotFound, "asset %q not found", uid)
	}

	for _, p := range append([]string{asset.Path}, asset.Aliases...) {
		if err := tombstoneAndRemove(sidecarPath(p)); err != nil {
			return apperr.Newf(apperr.InternalError, "remove sidecar: %v", err)
		}
	}
	if asset.ThumbnailPath != "" {
		if err := tombstoneAndRemove(asset.ThumbnailPath); err != nil {
			r.log.Warn("thumbnail removal failed", "uid", uid, "error", err)
		}
	}

	if err := r.st.DeleteAsset(ctx, uid); err != nil {
		return apperr.Newf(apperr.InternalError, "delete asset row: %v", err)
	}

	r.scache.invalidate(uid)
	r.publish(uid, Asset{}, true)
	r.bus.Publish("on_asset_removed", map[string]any{"uid": uid, "path": asset.Path})
	return nil
}

// List implements list() (§4.3), filtering over the lock-free snapshot.
func (r *Registry) List(filter ListFilter) ListResult {
	snap := *r.snapshot.Load()
	items := make([]Asset, 0, len(snap))
	for _, a := range snap {
		items = append(items, a)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })

	var matched []Asset
	for _, a := range items {
		if filter.Hash != "" && a.UID != filter.Hash {
			continue
		}
		if filter.Type != "" && a.Type != filter.Type {
			continue
		}
		if len(filter.Tags) > 0 && !hasAllTags(a.Meta, filter.Tags) {
			continue
		}
		if filter.Text != "" && !matchesText(a, filter.Text) {
			continue
		}
		matched = append(matched, a)
	}

	total := len(matched)
	if filter.Limit > 0 {
		start := filter.Offset
		if start > len(matched) {
			start = len(matched)
		}
		end := start + filter.Limit
		if end > len(matched) {
			end = len(matched)
		}
		matched = matched[start:end]
	}
	return ListResult{Items: matched, Total: total}
}

// Sidecar implements sidecar(uid) (§4.3).
func (r *Registry) Sidecar(uid string) (map[string]any, error) {
	asset, ok := r.get(uid)
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "asset %q not found", uid)
	}
	if m, ok := r.scache.get(uid); ok {
		return m, nil
	}
	m, err := readSidecar(sidecarPath(asset.Path))
	if err != nil {
		return nil, apperr.Newf(apperr.InternalError, "read sidecar: %v", err)
	}
	r.scache.put(uid, m)
	return m, nil
}

// Get returns the current record for uid, for callers (scheduler inputs,
// policy scanners) that reference assets by uid.
func (r *Registry) Get(uid string) (Asset, bool) {
	return r.get(uid)
}

func hasAllTags(meta map[string]any, tags []string) bool {
	raw, ok := meta[MetaTags]
	if !ok {
		return false
	}
	have := map[string]bool{}
	switch v := raw.(type) {
	case []any:
		for _, t := range v {
			if s, ok := t.(string); ok {
				have[s] = true
			}
		}
	case []string:
		for _, s := range v {
			have[s] = true
		}
	}
	for _, t := range tags {
		if !have[t] {
			return false
		}
	}
	return true
}

func matchesText(a Asset, needle string) bool {
	needle = strings.ToLower(needle)
	if strings.Contains(strings.ToLower(a.Path), needle) {
		return true
	}
	for _, v := range a.Meta {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), needle) {
			return true
		}
	}
	return false
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func assetPayload(a Asset) map[string]any {
	b, _ := json.Marshal(a)
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}
