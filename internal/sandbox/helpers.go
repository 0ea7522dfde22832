package sandbox

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"

	"github.com/droverhq/drover/internal/review"
)

// Helpers carries the run data the built-in helper functions close over.
// The engine builds one per evaluation, so Failed can mean "a dependency
// failed" during `if` gating and "this result is fatal" during `fail_if`.
type Helpers struct {
	Issues       []review.Issue
	FilesChanged []string
	Permission   string
	Failed       bool
	Logger       zerolog.Logger
}

// permissionRank orders author associations from weakest to strongest.
var permissionRank = map[string]int{
	"none":                   0,
	"first_time_contributor": 1,
	"first_timer":            1,
	"contributor":            2,
	"collaborator":           3,
	"member":                 4,
	"owner":                  5,
}

func normalizePermission(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

// PermissionAtLeast reports whether the author association have sits at or
// above want on the ladder. Unknown associations rank below everything.
func PermissionAtLeast(have, want string) bool {
	w, ok := permissionRank[normalizePermission(want)]
	if !ok {
		return false
	}
	g, ok := permissionRank[normalizePermission(have)]
	if !ok {
		return false
	}
	return g >= w
}

// IsOwner reports whether the association is exactly owner.
func IsOwner(p string) bool {
	return normalizePermission(p) == "owner"
}

// Bindings returns the helper functions injected into every evaluation
// env. All of them are pure over the Helpers snapshot.
func (h Helpers) Bindings() map[string]any {
	return map[string]any{
		"contains":   helperContains,
		"startsWith": func(s, prefix string) bool { return strings.HasPrefix(s, prefix) },
		"endsWith":   func(s, suffix string) bool { return strings.HasSuffix(s, suffix) },
		"length":     helperLength,

		"always":  func() bool { return true },
		"success": func() bool { return !h.Failed },
		"failure": func() bool { return h.Failed },

		"log": func(args ...any) any {
			h.Logger.Debug().Interface("args", args).Msg("expression log")
			return nil
		},

		"hasIssue":    h.hasIssue,
		"countIssues": h.countIssues,

		"hasFileMatching": h.hasFileMatching,

		"hasMinPermission": h.hasMinPermission,
		"isOwner":          func() bool { return normalizePermission(h.Permission) == "owner" },
		"isMember":         func() bool { return normalizePermission(h.Permission) == "member" },
		"isCollaborator":   func() bool { return normalizePermission(h.Permission) == "collaborator" },
		"isContributor":    func() bool { return normalizePermission(h.Permission) == "contributor" },
		"isFirstTimer": func() bool {
			p := normalizePermission(h.Permission)
			return p == "first_timer" || p == "first_time_contributor"
		},
	}
}

func helperContains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		if n, ok := needle.(string); ok {
			return strings.Contains(h, n)
		}
		return false
	case []any:
		for _, item := range h {
			if item == needle {
				return true
			}
		}
		return false
	case []string:
		n, ok := needle.(string)
		if !ok {
			return false
		}
		for _, item := range h {
			if item == n {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func helperLength(v any) int {
	switch x := v.(type) {
	case nil:
		return 0
	case string:
		return len(x)
	case []any:
		return len(x)
	case []string:
		return len(x)
	case map[string]any:
		return len(x)
	default:
		return 0
	}
}

// hasIssue matches sel against severity names, categories, and rule id
// substrings, in that order.
func (h Helpers) hasIssue(sel string) bool {
	if sel == "" {
		return len(h.Issues) > 0
	}
	if sev, ok := review.ParseSeverity(sel); ok {
		for _, is := range h.Issues {
			if is.Severity == sev {
				return true
			}
		}
		return false
	}
	lower := strings.ToLower(sel)
	for _, is := range h.Issues {
		if strings.ToLower(string(is.Category)) == lower {
			return true
		}
		if strings.Contains(strings.ToLower(is.RuleID), lower) {
			return true
		}
	}
	return false
}

// countIssues with no selector counts everything; with a severity name it
// counts that severity; with anything else it counts category matches.
func (h Helpers) countIssues(sel ...string) int {
	if len(sel) == 0 || sel[0] == "" {
		return len(h.Issues)
	}
	if sev, ok := review.ParseSeverity(sel[0]); ok {
		return review.CountBySeverity(h.Issues)[sev]
	}
	lower := strings.ToLower(sel[0])
	n := 0
	for _, is := range h.Issues {
		if strings.ToLower(string(is.Category)) == lower {
			n++
		}
	}
	return n
}

func (h Helpers) hasFileMatching(pattern string) bool {
	for _, f := range h.FilesChanged {
		ok, err := doublestar.Match(pattern, f)
		if err != nil {
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

func (h Helpers) hasMinPermission(level string) bool {
	return PermissionAtLeast(h.Permission, level)
}
