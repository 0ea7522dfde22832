package engine

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/droverhq/drover/internal/review"
)

// SeverityCount tallies issues into the four known buckets.
type SeverityCount struct {
	Critical int `json:"critical"`
	Error    int `json:"error"`
	Warning  int `json:"warning"`
	Info     int `json:"info"`
}

func (c *SeverityCount) add(issues []review.Issue) {
	for _, is := range issues {
		switch is.Severity {
		case review.SeverityCritical:
			c.Critical++
		case review.SeverityError:
			c.Error++
		case review.SeverityWarning:
			c.Warning++
		case review.SeverityInfo:
			c.Info++
		}
	}
}

// Total is the number of counted issues.
func (c SeverityCount) Total() int {
	return c.Critical + c.Error + c.Warning + c.Info
}

// CheckStats is the per-check aggregate for one run. Counters accumulate
// across retries, forward runs, and forEach iterations.
type CheckStats struct {
	TotalRuns            int             `json:"totalRuns"`
	SuccessfulRuns       int             `json:"successfulRuns"`
	FailedRuns           int             `json:"failedRuns"`
	Skipped              bool            `json:"skipped,omitempty"`
	SkipReason           string          `json:"skipReason,omitempty"`
	SkipCondition        string          `json:"skipCondition,omitempty"`
	TotalDuration        time.Duration   `json:"totalDurationMs"`
	PerIterationDuration []time.Duration `json:"perIterationDurationMs,omitempty"`
	OutputsProduced      int             `json:"outputsProduced"`
	ForEachPreview       []any           `json:"forEachPreview,omitempty"`
	IssuesBySeverity     SeverityCount   `json:"issuesBySeverity"`
	ErrorMessage         string          `json:"errorMessage,omitempty"`
}

// MarshalJSON renders durations as integer milliseconds.
func (s CheckStats) MarshalJSON() ([]byte, error) {
	perIter := make([]int64, 0, len(s.PerIterationDuration))
	for _, d := range s.PerIterationDuration {
		perIter = append(perIter, d.Milliseconds())
	}
	type shadow struct {
		TotalRuns        int           `json:"totalRuns"`
		SuccessfulRuns   int           `json:"successfulRuns"`
		FailedRuns       int           `json:"failedRuns"`
		Skipped          bool          `json:"skipped,omitempty"`
		SkipReason       string        `json:"skipReason,omitempty"`
		SkipCondition    string        `json:"skipCondition,omitempty"`
		TotalDurationMS  int64         `json:"totalDurationMs"`
		PerIterationMS   []int64       `json:"perIterationDurationMs,omitempty"`
		OutputsProduced  int           `json:"outputsProduced"`
		ForEachPreview   []any         `json:"forEachPreview,omitempty"`
		IssuesBySeverity SeverityCount `json:"issuesBySeverity"`
		ErrorMessage     string        `json:"errorMessage,omitempty"`
	}
	return json.Marshal(shadow{
		TotalRuns:        s.TotalRuns,
		SuccessfulRuns:   s.SuccessfulRuns,
		FailedRuns:       s.FailedRuns,
		Skipped:          s.Skipped,
		SkipReason:       s.SkipReason,
		SkipCondition:    s.SkipCondition,
		TotalDurationMS:  s.TotalDuration.Milliseconds(),
		PerIterationMS:   perIter,
		OutputsProduced:  s.OutputsProduced,
		ForEachPreview:   s.ForEachPreview,
		IssuesBySeverity: s.IssuesBySeverity,
		ErrorMessage:     s.ErrorMessage,
	})
}

// clone returns an independent copy safe to hand out.
func (s *CheckStats) clone() *CheckStats {
	out := *s
	if s.PerIterationDuration != nil {
		out.PerIterationDuration = append([]time.Duration{}, s.PerIterationDuration...)
	}
	if s.ForEachPreview != nil {
		out.ForEachPreview = append([]any{}, s.ForEachPreview...)
	}
	return &out
}

type statsEntry struct {
	mu sync.Mutex
	s  CheckStats
}

// Stats is the shared per-check statistics map. Entries are created lazily
// on first reference; every mutation is serialized per check.
type Stats struct {
	checks *xsync.MapOf[string, *statsEntry]
}

// NewStats returns an empty statistics map.
func NewStats() *Stats {
	return &Stats{checks: xsync.NewMapOf[string, *statsEntry]()}
}

func (st *Stats) entry(checkID string) *statsEntry {
	e, _ := st.checks.LoadOrCompute(checkID, func() *statsEntry {
		return &statsEntry{}
	})
	return e
}

// RecordRun accumulates one provider invocation: duration, outcome, and
// issue counts. Skip markers are cleared once the check actually runs.
func (st *Stats) RecordRun(checkID string, d time.Duration, success bool, issues []review.Issue) {
	e := st.entry(checkID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.s.TotalRuns++
	if success {
		e.s.SuccessfulRuns++
	} else {
		e.s.FailedRuns++
	}
	e.s.TotalDuration += d
	e.s.PerIterationDuration = append(e.s.PerIterationDuration, d)
	e.s.IssuesBySeverity.add(issues)
	e.s.Skipped = false
	e.s.SkipReason = ""
	e.s.SkipCondition = ""
}

// RecordOutput counts one committed output value.
func (st *Stats) RecordOutput(checkID string) {
	e := st.entry(checkID)
	e.mu.Lock()
	e.s.OutputsProduced++
	e.mu.Unlock()
}

// RecordSkip marks the check skipped. A check that later runs (forward run
// after a skip) clears the marker through RecordRun.
func (st *Stats) RecordSkip(checkID, reason, condition string) {
	e := st.entry(checkID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.s.Skipped = true
	e.s.SkipReason = reason
	e.s.SkipCondition = condition
}

// RecordError attaches the most recent error message.
func (st *Stats) RecordError(checkID, msg string) {
	e := st.entry(checkID)
	e.mu.Lock()
	e.s.ErrorMessage = msg
	e.mu.Unlock()
}

// RecordForEachPreview keeps the first few fan-out items for reporting.
func (st *Stats) RecordForEachPreview(checkID string, items []any) {
	const previewCap = 5
	preview := items
	if len(preview) > previewCap {
		preview = preview[:previewCap]
	}
	e := st.entry(checkID)
	e.mu.Lock()
	e.s.ForEachPreview = append([]any{}, preview...)
	e.mu.Unlock()
}

// Get returns a copy of the check's stats, or nil when never referenced.
func (st *Stats) Get(checkID string) *CheckStats {
	e, ok := st.checks.Load(checkID)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.clone()
}

// Failed reports whether the check ran and never succeeded.
func (st *Stats) Failed(checkID string) bool {
	e, ok := st.checks.Load(checkID)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.TotalRuns > 0 && e.s.SuccessfulRuns == 0 && e.s.FailedRuns > 0
}

// Snapshot copies every entry, keyed by check id.
func (st *Stats) Snapshot() map[string]*CheckStats {
	out := map[string]*CheckStats{}
	st.checks.Range(func(id string, e *statsEntry) bool {
		e.mu.Lock()
		out[id] = e.s.clone()
		e.mu.Unlock()
		return true
	})
	return out
}

// CheckIDs returns every referenced check id, sorted.
func (st *Stats) CheckIDs() []string {
	var out []string
	st.checks.Range(func(id string, _ *statsEntry) bool {
		out = append(out, id)
		return true
	})
	sort.Strings(out)
	return out
}
