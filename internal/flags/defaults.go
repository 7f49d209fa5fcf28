package flags

// DefaultTable is ComfyVN Studio's compile-time flag table (§4.1).
//
// enable_worldline_overlay and enable_worldlines are independent flags.
// enable_worldlines gates branching/worldline persistence itself;
// enable_worldline_overlay only gates the scenario runner's trace-diff
// annotation and is a no-op unless enable_worldlines is also on.
func DefaultTable() Defaults {
	return Defaults{
		"enable_compute":            true,
		"enable_remote_providers":   true,
		"enable_worldlines":         false,
		"enable_worldline_overlay":  false,
		"enable_policy_enforcement": true,
		"enable_lazy_eviction":      true,
		"enable_webhooks":           true,
	}
}
