package hooks

// Canonical hook event names (§4.2). Producers publish with these constants
// so the catalog below and the wire stay in agreement.
const (
	EventSceneEnter          = "on_scene_enter"
	EventChoiceRender        = "on_choice_render"
	EventAssetRegistered     = "on_asset_registered"
	EventAssetMetaUpdated    = "on_asset_meta_updated"
	EventAssetSidecarWritten = "on_asset_sidecar_written"
	EventAssetRemoved        = "on_asset_removed"
	EventJobStateChanged     = "on_job_state_changed"
	EventPolicyEnforced      = "on_policy_enforced"
	EventCollabOperation     = "on_collab_operation"
	EventPlaytestStart       = "on_playtest_start"
	EventPlaytestStep        = "on_playtest_step"
	EventPlaytestFinished    = "on_playtest_finished"
	EventPerfBudgetState     = "on_perf_budget_state"
)

// CatalogEntry documents one hook event's payload schema for the
// GET /api/modder/hooks catalog.
type CatalogEntry struct {
	Event   string            `json:"event"`
	Payload map[string]string `json:"payload"` // key -> type
}

// Catalog returns the documented payload schema for every canonical event,
// in a fixed order.
func Catalog() []CatalogEntry {
	return []CatalogEntry{
		{EventSceneEnter, map[string]string{"scene": "string", "node": "string", "pov": "string"}},
		{EventChoiceRender, map[string]string{"scene": "string", "node": "string", "choices": "[]string"}},
		{EventAssetRegistered, map[string]string{"uid": "string", "type": "string", "path": "string", "size_bytes": "number"}},
		{EventAssetMetaUpdated, map[string]string{"uid": "string", "meta": "map"}},
		{EventAssetSidecarWritten, map[string]string{"uid": "string", "path": "string"}},
		{EventAssetRemoved, map[string]string{"uid": "string", "path": "string"}},
		{EventJobStateChanged, map[string]string{"id": "string", "from": "string", "to": "string", "worker": "string"}},
		{EventPolicyEnforced, map[string]string{"action": "string", "allow": "bool", "findings": "[]finding"}},
		{EventCollabOperation, map[string]string{"op": "string", "actor": "string", "target": "string"}},
		{EventPlaytestStart, map[string]string{"scene": "string", "seed": "number", "pov": "string"}},
		{EventPlaytestStep, map[string]string{"scene": "string", "step_id": "number", "node_id": "string", "chosen": "string", "step_digest": "string"}},
		{EventPlaytestFinished, map[string]string{"scene": "string", "steps": "number", "digest": "string"}},
		{EventPerfBudgetState, map[string]string{"delayed_count": "number", "active_reservations": "number", "evictions": "number"}},
	}
}
