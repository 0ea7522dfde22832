package review

import (
	"encoding/json"
	"strings"
	"time"
)

// Severity orders issues from least to most severe.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Rank returns the numeric position of s, info lowest. Unknown severities
// rank below info so malformed provider output never outranks real issues.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is one of the four known severities.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// ParseSeverity normalizes a provider-supplied severity string. Unknown
// values come back as ("", false).
func ParseSeverity(raw string) (Severity, bool) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if s.Valid() {
		return s, true
	}
	return "", false
}

// Category classifies what an issue is about. The set is open: providers
// may emit their own, but built-in schemas stick to these.
type Category string

const (
	CategoryBug             Category = "bug"
	CategoryStyle           Category = "style"
	CategorySecurity        Category = "security"
	CategoryPerformance     Category = "performance"
	CategoryMaintainability Category = "maintainability"
	CategoryDocumentation   Category = "documentation"
	CategoryLogic           Category = "logic"
	CategorySystem          Category = "system"
)

var knownCategories = map[Category]bool{
	CategoryBug:             true,
	CategoryStyle:           true,
	CategorySecurity:        true,
	CategoryPerformance:     true,
	CategoryMaintainability: true,
	CategoryDocumentation:   true,
	CategoryLogic:           true,
	CategorySystem:          true,
}

// ParseCategory normalizes a category string against the built-in set.
// Unknown values come back as ("", false). The set is open for local
// providers but closed for webhook responses, which are validated.
func ParseCategory(raw string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(raw)))
	if knownCategories[c] {
		return c, true
	}
	return "", false
}

// Issue is one finding reported by a check. RuleID is qualified as
// "<checkId>/<innerRuleId>" once the dispatcher enriches it.
type Issue struct {
	RuleID     string    `json:"ruleId"`
	Message    string    `json:"message"`
	Severity   Severity  `json:"severity"`
	Category   Category  `json:"category,omitempty"`
	File       string    `json:"file,omitempty"`
	Line       int       `json:"line,omitempty"`
	Suggestion string    `json:"suggestion,omitempty"`
	CheckID    string    `json:"checkId,omitempty"`
	Group      string    `json:"group,omitempty"`
	Schema     string    `json:"schema,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

// QualifyRuleID prefixes ruleID with the owning check id. Already-qualified
// ids pass through so re-enrichment after routing stays idempotent.
func QualifyRuleID(checkID, ruleID string) string {
	if checkID == "" {
		return ruleID
	}
	if ruleID == "" {
		return checkID + "/error"
	}
	if ruleID == checkID || strings.HasPrefix(ruleID, checkID+"/") {
		return ruleID
	}
	return checkID + "/" + ruleID
}

// EnrichIssues stamps check metadata onto every issue and qualifies rule
// ids. The input slice is mutated and returned.
func EnrichIssues(issues []Issue, checkID, group, schema string, at time.Time) []Issue {
	for i := range issues {
		issues[i].RuleID = QualifyRuleID(checkID, issues[i].RuleID)
		if issues[i].CheckID == "" {
			issues[i].CheckID = checkID
		}
		if issues[i].Group == "" {
			issues[i].Group = group
		}
		if issues[i].Schema == "" {
			issues[i].Schema = schema
		}
		if issues[i].Timestamp.IsZero() {
			issues[i].Timestamp = at
		}
		if !issues[i].Severity.Valid() {
			issues[i].Severity = SeverityError
		}
	}
	return issues
}

// IsFatalRule reports whether a rule id marks the carrying result as a
// failed execution: execution errors, provider errors, cancellation, and
// fail_if hits.
func IsFatalRule(ruleID string) bool {
	return strings.HasSuffix(ruleID, "/error") ||
		strings.Contains(ruleID, "/execution_error") ||
		strings.HasSuffix(ruleID, "/cancelled") ||
		strings.HasSuffix(ruleID, "_fail_if")
}

// IssueMaps converts issues to the loosely typed shape templates and
// expressions consume: a slice of maps with camelCase keys.
func IssueMaps(issues []Issue) []any {
	if len(issues) == 0 {
		return nil
	}
	raw, err := json.Marshal(issues)
	if err != nil {
		return nil
	}
	var out []any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// CountBySeverity tallies issues into the four known buckets.
func CountBySeverity(issues []Issue) map[Severity]int {
	counts := make(map[Severity]int, 4)
	for _, is := range issues {
		if is.Severity.Valid() {
			counts[is.Severity]++
		}
	}
	return counts
}

// CountAtOrAbove counts issues whose severity ranks at or above min.
func CountAtOrAbove(issues []Issue, min Severity) int {
	n := 0
	for _, is := range issues {
		if is.Severity.Rank() >= min.Rank() {
			n++
		}
	}
	return n
}
