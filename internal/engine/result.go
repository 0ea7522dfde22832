package engine

import (
	"encoding/json"
	"time"

	"github.com/droverhq/drover/internal/provider"
	"github.com/droverhq/drover/internal/review"
)

// CLI exit codes derived from a run outcome. Code 1 (invalid
// configuration) is produced before a Result exists.
const (
	ExitOK         = 0
	ExitConfig     = 1
	ExitLoopBudget = 2
	ExitFatal      = 3
	ExitFailFast   = 4
)

// ReviewSummary is the flattened issue list of a run.
type ReviewSummary struct {
	Issues []review.Issue `json:"issues"`
}

// Result is what a run returns to its caller.
type Result struct {
	RepositoryInfo *provider.RepoInfo     `json:"repositoryInfo,omitempty"`
	Summary        ReviewSummary          `json:"summary"`
	ExecutionTime  time.Duration          `json:"-"`
	Timestamp      time.Time              `json:"timestamp"`
	ChecksExecuted []string               `json:"checksExecuted"`
	FailedChecks   []string               `json:"failedChecks,omitempty"`
	Statistics     map[string]*CheckStats `json:"statistics,omitempty"`
	Debug          *DebugInfo             `json:"debug,omitempty"`

	FailFastTriggered  bool `json:"failFastTriggered,omitempty"`
	LoopBudgetExceeded bool `json:"loopBudgetExceeded,omitempty"`

	outputHistory map[string][]any
	debugWaves    int
}

// DebugInfo is attached when the run was started with Debug on.
type DebugInfo struct {
	SessionID      string `json:"sessionId"`
	Event          string `json:"event,omitempty"`
	Waves          int    `json:"waves"`
	RoutingLoops   int    `json:"routingLoops"`
	JournalEntries int    `json:"journalEntries"`
}

// MarshalJSON reports ExecutionTime in milliseconds.
func (r *Result) MarshalJSON() ([]byte, error) {
	type alias Result
	return json.Marshal(struct {
		*alias
		ExecutionTimeMs int64 `json:"executionTimeMs"`
	}{(*alias)(r), r.ExecutionTime.Milliseconds()})
}

// OutputHistory returns, per check, every committed output in commit
// order.
func (r *Result) OutputHistory() map[string][]any {
	return r.outputHistory
}

// HasFatalIssues reports whether any issue marks a failed check.
func (r *Result) HasFatalIssues() bool {
	for _, is := range r.Summary.Issues {
		if review.IsFatalRule(is.RuleID) {
			return true
		}
	}
	return false
}

// ExitCode maps the outcome onto the CLI contract: loop budget breaches
// win over fail-fast, which wins over ordinary fatal issues.
func (r *Result) ExitCode() int {
	switch {
	case r.LoopBudgetExceeded:
		return ExitLoopBudget
	case r.FailFastTriggered:
		return ExitFailFast
	case r.HasFatalIssues() || len(r.FailedChecks) > 0:
		return ExitFatal
	default:
		return ExitOK
	}
}
