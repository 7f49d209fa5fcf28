package assets

// normalizeMeta ensures every Asset carries the four reserved keys (§3) so
// sidecar JSON has a stable key set, defaulting absent ones conservatively.
func normalizeMeta(m map[string]any) map[string]any {
	out := map[string]any{
		MetaLicense: "",
		MetaTags:    []any{},
		MetaNSFW:    false,
		MetaOrigin:  "",
	}
	for k, v := range m {
		out[k] = v
	}
	return out
}

// deepMergeMeta merges patch into base per §4.3's update_meta: deep merge
// for nested maps, replace (not append) for arrays, scalars overwrite.
func deepMergeMeta(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, pv := range patch {
		if bv, ok := out[k]; ok {
			if bMap, ok1 := bv.(map[string]any); ok1 {
				if pMap, ok2 := pv.(map[string]any); ok2 {
					out[k] = deepMergeMeta(bMap, pMap)
					continue
				}
			}
		}
		out[k] = pv
	}
	return out
}
