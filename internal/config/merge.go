package config

import "strings"

// mergeConfigMaps merges overlay onto base: scalars overwrite, maps
// deep-merge, arrays replace. A check-level appendPrompt folds into the
// effective prompt with a blank line and is consumed by the merge.
func mergeConfigMaps(base, overlay map[string]any) map[string]any {
	out := mergeMaps(base, overlay)
	overlayChecks, _ := overlay["checks"].(map[string]any)
	baseChecks, _ := base["checks"].(map[string]any)
	mergedChecks, _ := out["checks"].(map[string]any)
	for id, rawCheck := range overlayChecks {
		ocm, ok := rawCheck.(map[string]any)
		if !ok {
			continue
		}
		ap, _ := ocm["appendPrompt"].(string)
		mcm, ok := mergedChecks[id].(map[string]any)
		if !ok {
			continue
		}
		if strings.TrimSpace(ap) == "" {
			continue
		}
		prompt := ""
		if bcm, ok := baseChecks[id].(map[string]any); ok {
			if p, ok := bcm["prompt"].(string); ok {
				prompt = p
			}
		}
		// An overlay prompt replaces the parent's before the append applies.
		if p, ok := ocm["prompt"].(string); ok {
			prompt = p
		}
		if prompt == "" {
			mcm["prompt"] = ap
		} else {
			mcm["prompt"] = prompt + "\n\n" + ap
		}
		delete(mcm, "appendPrompt")
	}
	return out
}

func mergeMaps(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = copyValue(v)
	}
	for k, v := range overlay {
		if bm, ok := out[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				out[k] = mergeMaps(bm, om)
				continue
			}
		}
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = copyValue(vv)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = copyValue(vv)
		}
		return s
	default:
		return v
	}
}

// foldAppendPrompts consumes any appendPrompt left after merge resolution,
// which happens when the key appears in a document with no extends chain
// above it.
func foldAppendPrompts(merged map[string]any) {
	checks, _ := merged["checks"].(map[string]any)
	for _, raw := range checks {
		cm, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		ap, _ := cm["appendPrompt"].(string)
		if strings.TrimSpace(ap) == "" {
			delete(cm, "appendPrompt")
			continue
		}
		if p, _ := cm["prompt"].(string); p != "" {
			cm["prompt"] = p + "\n\n" + ap
		} else {
			cm["prompt"] = ap
		}
		delete(cm, "appendPrompt")
	}
}
