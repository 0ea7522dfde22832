package review

import "strings"

// Summary is the result a provider returns for one check execution. For
// forEach parents the ForEach* fields carry the per-item expansion.
type Summary struct {
	Issues  []Issue `json:"issues"`
	Output  any     `json:"output,omitempty"`
	Content string  `json:"content,omitempty"`

	// ForEachItems is the aggregated item list a fan-out parent produced.
	// ForEachItemResults holds the per-item summaries in item order, and
	// ForEachFatalMask marks which iterations failed.
	ForEachItems       []any      `json:"forEachItems,omitempty"`
	ForEachItemResults []*Summary `json:"forEachItemResults,omitempty"`
	ForEachFatalMask   []bool     `json:"forEachFatalMask,omitempty"`
}

// HasFatalIssues reports whether any issue marks this summary as failed.
func (s *Summary) HasFatalIssues() bool {
	if s == nil {
		return false
	}
	for _, is := range s.Issues {
		if IsFatalRule(is.RuleID) {
			return true
		}
	}
	return false
}

// HasIssue reports whether any issue matches sel: a severity name, a
// category name, or a substring of the rule id. Used by the sandbox
// hasIssue helper.
func (s *Summary) HasIssue(sel string) bool {
	if s == nil || sel == "" {
		return false
	}
	if sev, ok := ParseSeverity(sel); ok {
		for _, is := range s.Issues {
			if is.Severity == sev {
				return true
			}
		}
		return false
	}
	lower := strings.ToLower(sel)
	for _, is := range s.Issues {
		if strings.ToLower(string(is.Category)) == lower {
			return true
		}
		if strings.Contains(strings.ToLower(is.RuleID), lower) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Routing mutates summaries on the supersede
// path, so dispatch hands it copies rather than shared slices.
func (s *Summary) Clone() *Summary {
	if s == nil {
		return nil
	}
	out := &Summary{
		Output:  s.Output,
		Content: s.Content,
	}
	if s.Issues != nil {
		out.Issues = make([]Issue, len(s.Issues))
		copy(out.Issues, s.Issues)
	}
	if s.ForEachItems != nil {
		out.ForEachItems = make([]any, len(s.ForEachItems))
		copy(out.ForEachItems, s.ForEachItems)
	}
	if s.ForEachItemResults != nil {
		out.ForEachItemResults = make([]*Summary, len(s.ForEachItemResults))
		for i, r := range s.ForEachItemResults {
			out.ForEachItemResults[i] = r.Clone()
		}
	}
	if s.ForEachFatalMask != nil {
		out.ForEachFatalMask = make([]bool, len(s.ForEachFatalMask))
		copy(out.ForEachFatalMask, s.ForEachFatalMask)
	}
	return out
}

// Merge appends the issues of other into s. Output/content are not merged;
// callers pick which side wins.
func (s *Summary) Merge(other *Summary) {
	if s == nil || other == nil {
		return
	}
	s.Issues = append(s.Issues, other.Issues...)
}
