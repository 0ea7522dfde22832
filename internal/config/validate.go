package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/droverhq/drover/internal/review"
)

// ValidationError aggregates every diagnostic found in a document.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "config: " + e.Problems[0]
	}
	return fmt.Sprintf("config: %d problems: %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// Validate returns every diagnostic for the document, each prefixed with
// the dotted path of the offending key. An empty slice means valid.
func (cfg *Config) Validate() []string {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	if cfg == nil {
		return []string{"document is empty"}
	}
	if !strings.HasPrefix(cfg.Version, "1.") && cfg.Version != "1" {
		add("version: unsupported value %q, want major version 1", cfg.Version)
	}
	if cfg.Routing.MaxLoops < 0 {
		add("routing.max_loops: must be >= 0")
	}
	switch cfg.Output.Format {
	case "", "table", "json":
	default:
		add("output.format: unknown format %q", cfg.Output.Format)
	}
	for _, fc := range cfg.FailureConditions {
		if strings.TrimSpace(fc.Condition) == "" {
			add("failure_conditions: condition is required")
		}
		if fc.Severity != "" && !review.Severity(fc.Severity).Valid() {
			add("failure_conditions: unknown severity %q", fc.Severity)
		}
	}

	ids := make([]string, 0, len(cfg.Checks))
	for id := range cfg.Checks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		problems = append(problems, validateCheck(id, cfg.Checks[id], cfg.Checks)...)
	}
	problems = append(problems, findDependencyCycles(cfg.Checks)...)
	return problems
}

func validateCheck(id string, c *Check, all map[string]*Check) []string {
	var problems []string
	add := func(field, format string, args ...any) {
		problems = append(problems, fmt.Sprintf("checks.%s.%s: %s", id, field, fmt.Sprintf(format, args...)))
	}
	if c == nil {
		return []string{fmt.Sprintf("checks.%s: definition is empty", id)}
	}
	if strings.TrimSpace(id) == "" {
		problems = append(problems, "checks: check id must not be empty")
	}
	if c.Type == "" {
		add("type", "provider type is required")
	}
	switch c.Fanout {
	case "", FanoutMap, FanoutReduce:
	default:
		add("fanout", "must be %q or %q, got %q", FanoutMap, FanoutReduce, c.Fanout)
	}
	switch c.Criticality {
	case CriticalityExternal, CriticalityInternal, CriticalityPolicy:
	default:
		add("criticality", "unknown value %q", c.Criticality)
	}
	if c.Goto != "" && c.GotoJS != "" {
		add("goto", "goto and goto_js are mutually exclusive")
	}
	for _, name := range []string{"on_success", "on_fail", "on_finish"} {
		block := c.OnSuccess
		switch name {
		case "on_fail":
			block = c.OnFail
		case "on_finish":
			block = c.OnFinish
		}
		if block == nil {
			continue
		}
		if block.Goto != "" && block.GotoJS != "" {
			add(name, "goto and goto_js are mutually exclusive")
		}
		for _, target := range block.Run {
			if _, ok := all[target]; !ok {
				add(name+".run", "unknown check %q", target)
			}
		}
		if block.Goto != "" {
			if _, ok := all[block.Goto]; !ok {
				add(name+".goto", "unknown check %q", block.Goto)
			}
		}
		if block.Retry != nil {
			if name != "on_fail" {
				add(name+".retry", "retry is only honored on on_fail")
			}
			if block.Retry.Max < 0 {
				add(name+".retry.max", "must be >= 0")
			}
			if b := block.Retry.Backoff; b != nil && b.BackoffFactor != 0 && b.BackoffFactor < 1 {
				add(name+".retry.backoff.backoff_factor", "must be >= 1")
			}
		}
	}
	if c.Goto != "" {
		if _, ok := all[c.Goto]; !ok {
			add("goto", "unknown check %q", c.Goto)
		}
	}
	for _, token := range c.DependsOn {
		for _, option := range strings.Split(token, "|") {
			option = strings.TrimSpace(option)
			if option == "" {
				add("depends_on", "empty dependency in token %q", token)
				continue
			}
			if option == id {
				add("depends_on", "check depends on itself")
				continue
			}
			if _, ok := all[option]; !ok {
				add("depends_on", "unknown check %q", option)
			}
		}
	}
	for _, fc := range c.FailureConditions {
		if strings.TrimSpace(fc.Condition) == "" {
			add("failure_conditions", "condition is required")
		}
		if fc.Severity != "" && !review.Severity(fc.Severity).Valid() {
			add("failure_conditions", "unknown severity %q", fc.Severity)
		}
	}
	if c.Timeout < 0 {
		add("timeout", "must be >= 0")
	}
	return problems
}

// findDependencyCycles reports checks trapped in dependency cycles. Every
// OR-group option counts as an edge.
func findDependencyCycles(checks map[string]*Check) []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(checks))
	var cycle []string

	var visit func(id string, path []string) bool
	visit = func(id string, path []string) bool {
		switch state[id] {
		case visiting:
			cycle = append(path, id)
			return true
		case done:
			return false
		}
		state[id] = visiting
		c := checks[id]
		if c != nil {
			for _, token := range c.DependsOn {
				for _, option := range strings.Split(token, "|") {
					option = strings.TrimSpace(option)
					if _, ok := checks[option]; !ok {
						continue
					}
					if visit(option, append(path, id)) {
						return true
					}
				}
			}
		}
		state[id] = done
		return false
	}

	ids := make([]string, 0, len(checks))
	for id := range checks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if state[id] == unvisited && visit(id, nil) {
			return []string{fmt.Sprintf("checks: dependency cycle: %s", strings.Join(cycle, " -> "))}
		}
	}
	return nil
}
