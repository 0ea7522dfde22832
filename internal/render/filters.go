package render

import (
	"encoding/json"
	"strings"

	"github.com/droverhq/drover/internal/sandbox"
)

// registerFilters installs the engine's filter set on top of the standard
// Liquid filters.
func (r *Renderer) registerFilters() {
	r.engine.RegisterFilter("to_json", func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return "null"
		}
		return string(b)
	})
	r.engine.RegisterFilter("parse_json", func(s string) any {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil
		}
		return v
	})
	r.engine.RegisterFilter("safe_label", safeLabel)
	r.engine.RegisterFilter("safe_label_list", safeLabelList)
	r.engine.RegisterFilter("unescape_newlines", func(s string) string {
		return strings.ReplaceAll(s, `\n`, "\n")
	})
	r.engine.RegisterFilter("readfile", func(rel string) string {
		data, err := r.readProjectFile(rel)
		if err != nil {
			r.warnOnce("readfile", rel, err)
			return ""
		}
		return string(data)
	})
	r.engine.RegisterFilter("has_min_permission", func(perm, level string) bool {
		return sandbox.PermissionAtLeast(perm, level)
	})
	r.engine.RegisterFilter("is_owner", func(perm string) bool {
		return sandbox.IsOwner(perm)
	})
}

// safeLabel strips every rune outside [A-Za-z0-9:/] so rendered labels
// cannot smuggle markup or shell metacharacters.
func safeLabel(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == ':', r == '/':
			return r
		default:
			return -1
		}
	}, s)
}

// safeLabelList sanitizes a list (or comma-separated string) of labels and
// joins the survivors with commas.
func safeLabelList(v any) string {
	var items []string
	switch list := v.(type) {
	case nil:
		return ""
	case string:
		items = strings.Split(list, ",")
	case []string:
		items = list
	case []any:
		for _, it := range list {
			if s, ok := it.(string); ok {
				items = append(items, s)
			}
		}
	default:
		return ""
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if clean := safeLabel(strings.TrimSpace(it)); clean != "" {
			out = append(out, clean)
		}
	}
	return strings.Join(out, ",")
}
