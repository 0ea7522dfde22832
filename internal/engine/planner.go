package engine

import (
	"sort"

	"github.com/droverhq/drover/internal/config"
)

// planLevels partitions the pending checks into topological levels: every
// member of a level has all of its planning dependencies either outside
// the pending set or placed in a strictly lower level.
//
// For placement an OR-group token gates until every option that is itself
// pending has resolved; whether any one option satisfies the group is
// decided at dispatch time.
func planLevels(all map[string]*config.Check, pending []string) [][]string {
	pendingSet := make(map[string]bool, len(pending))
	for _, id := range pending {
		pendingSet[id] = true
	}
	placed := map[string]bool{}

	remaining := append([]string{}, pending...)
	sort.Strings(remaining)

	var levels [][]string
	for len(remaining) > 0 {
		var level, deferred []string
		for _, id := range remaining {
			if planReady(all[id], pendingSet, placed) {
				level = append(level, id)
			} else {
				deferred = append(deferred, id)
			}
		}
		if len(level) == 0 {
			// Cycle among the remainder. Emit it as one final level and
			// let dispatch-time gating skip whatever cannot run.
			levels = append(levels, deferred)
			break
		}
		levels = append(levels, level)
		for _, id := range level {
			placed[id] = true
		}
		remaining = deferred
	}
	return levels
}

func planReady(check *config.Check, pendingSet, placed map[string]bool) bool {
	if check == nil {
		return true
	}
	for _, token := range check.DependsOn {
		for _, opt := range splitToken(token) {
			if pendingSet[opt] && !placed[opt] {
				return false
			}
		}
	}
	return true
}

// selectChecks derives the initially requested set. An explicit request
// list bypasses event and tag filters but still honors the disabled
// marker (`on: []`); otherwise every configured check is filtered by
// start event and tag set.
func selectChecks(cfg *config.Config, requested, tags []string, event string) []string {
	var out []string
	if len(requested) > 0 {
		for _, id := range requested {
			check, ok := cfg.Checks[id]
			if !ok || check.Disabled() {
				continue
			}
			out = append(out, id)
		}
		sort.Strings(out)
		return out
	}

	filter := append([]string{}, cfg.TagFilter...)
	filter = append(filter, tags...)
	for id, check := range cfg.Checks {
		if check == nil || check.Disabled() {
			continue
		}
		if event != "" && !check.RunsOn(event) {
			continue
		}
		if len(filter) > 0 && !hasAnyTag(check, filter) {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func hasAnyTag(check *config.Check, tags []string) bool {
	for _, t := range tags {
		if check.HasTag(t) {
			return true
		}
	}
	return false
}
