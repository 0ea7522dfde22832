package engine

import (
	"strings"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/journal"
)

// Skip reasons, strongest first. When several apply the dispatcher records
// the one evaluated earliest, which is also the strongest.
const (
	SkipPolicyDenied     = "policy_denied"
	SkipIfCondition      = "if_condition"
	SkipDependencyFailed = "dependency_failed"
	SkipForEachEmpty     = "forEach_empty"
	SkipFailFast         = "fail_fast"
)

// Item markers carried in per-item outputs so dependents can cascade.
const (
	markerFailed = "__failed"
	markerSkip   = "__skip"
)

// gateResult is one dependency-gating decision.
type gateResult struct {
	ok bool
	// token is the first unsatisfied depends_on token when ok is false.
	token string
}

// splitToken breaks an OR-group token ("a|b|c") into its options. Tokens
// without a pipe are single-option groups.
func splitToken(token string) []string {
	parts := strings.Split(token, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// gateDependencies evaluates every depends_on group for the check against
// the given view. A group is satisfied when at least one option committed
// a visible result, was not skipped, and either succeeded or carries
// continue_on_failure.
func gateDependencies(check *config.Check, all map[string]*config.Check, view *journal.ContextView, isSkipped, isFailed func(string) bool) gateResult {
	for _, token := range check.DependsOn {
		satisfied := false
		for _, opt := range splitToken(token) {
			if optionSatisfied(opt, all, view, isSkipped, isFailed) {
				satisfied = true
				break
			}
		}
		if !satisfied {
			return gateResult{token: token}
		}
	}
	return gateResult{ok: true}
}

func optionSatisfied(opt string, all map[string]*config.Check, view *journal.ContextView, isSkipped, isFailed func(string) bool) bool {
	entry := view.Get(opt)
	if entry == nil {
		return false
	}
	if isSkipped(opt) {
		return false
	}
	continueOn := false
	if c, ok := all[opt]; ok {
		continueOn = c.ContinueOnFailure
	}
	if isFailed(opt) && !continueOn {
		return false
	}
	// Per-item cascade: a failed iteration of the dependency poisons the
	// matching item scope even when the aggregate run counts as passed.
	if !view.Scope().IsRoot() && entry.Scope.Equal(view.Scope()) && !continueOn {
		if itemCarries(entry.Result.Output, markerFailed) {
			return false
		}
	}
	return true
}

// itemCarries reports whether a per-item value carries the given marker.
func itemCarries(v any, marker string) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	flag, ok := m[marker]
	if !ok {
		return false
	}
	b, ok := flag.(bool)
	return ok && b
}

// wrapFailedItem marks a per-item output as failed so dependents at the
// same item scope cascade-skip. Map outputs get the marker in place; other
// values are wrapped.
func wrapFailedItem(v any) any {
	if m, ok := v.(map[string]any); ok {
		m[markerFailed] = true
		return m
	}
	return map[string]any{markerFailed: true, "value": v}
}

// skipMarkerItem is the aggregated-output placeholder for an iteration
// that was skipped rather than run.
func skipMarkerItem() map[string]any {
	return map[string]any{markerSkip: true}
}
