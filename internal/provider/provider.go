// Package provider defines the check execution contract and the built-in
// provider kinds. A provider turns one check invocation into a
// review.Summary; scheduling, routing, and journaling stay in the engine.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/journal"
	"github.com/droverhq/drover/internal/review"
	"github.com/droverhq/drover/internal/sandbox"
)

// Provider executes one kind of check.
type Provider interface {
	Name() string
	Description() string

	// ValidateConfig checks the per-check keys before any dispatch; the
	// engine rejects the whole run on the first failure.
	ValidateConfig(check *config.Check) error

	// Execute runs the check once at the scope bound into ec. A returned
	// error marks the check failed with an execution-error issue.
	Execute(ctx context.Context, run *RunContext, check *config.Check, deps Results, ec *ExecContext) (*review.Summary, error)

	// SupportedKeys lists the check config keys this kind consumes.
	SupportedKeys() []string

	IsAvailable() bool
	Requirements() []string
}

// Results maps dependency check ids to their committed summaries.
type Results map[string]*review.Summary

// RunContext carries the run-level inputs shared by every check.
type RunContext struct {
	WorkDir string
	Event   string
	PR      *PRInfo
	Env     map[string]string
	Hooks   Hooks
}

// PRInfo describes the change under review.
type PRInfo struct {
	Number           int          `json:"number,omitempty"`
	Title            string       `json:"title,omitempty"`
	Body             string       `json:"body,omitempty"`
	Author           string       `json:"author,omitempty"`
	AuthorPermission string       `json:"authorPermission,omitempty"`
	BaseBranch       string       `json:"baseBranch,omitempty"`
	HeadBranch       string       `json:"headBranch,omitempty"`
	BaseSHA          string       `json:"baseSha,omitempty"`
	HeadSHA          string       `json:"headSha,omitempty"`
	Repository       *RepoInfo    `json:"repository,omitempty"`
	Files            []FileChange `json:"files,omitempty"`
}

// RepoInfo identifies the repository a run reviews.
type RepoInfo struct {
	Owner         string `json:"owner,omitempty"`
	Name          string `json:"name,omitempty"`
	DefaultBranch string `json:"defaultBranch,omitempty"`
	Private       bool   `json:"private,omitempty"`
}

// FileChange is one changed file in the PR bundle.
type FileChange struct {
	Path         string `json:"path"`
	Status       string `json:"status,omitempty"`
	Additions    int    `json:"additions,omitempty"`
	Deletions    int    `json:"deletions,omitempty"`
	Patch        string `json:"patch,omitempty"`
	PreviousPath string `json:"previousPath,omitempty"`
}

// FilePaths returns the changed paths in bundle order.
func (p *PRInfo) FilePaths() []string {
	if p == nil {
		return nil
	}
	out := make([]string, 0, len(p.Files))
	for _, f := range p.Files {
		out = append(out, f.Path)
	}
	return out
}

// Map returns the loosely typed shape templates and expressions consume,
// camelCase keys per the JSON tags.
func (p *PRInfo) Map() map[string]any {
	if p == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// Hooks are optional caller-supplied extension points.
type Hooks struct {
	// MockForCheck short-circuits a check with a canned result. Dry runs
	// and tests stub expensive providers through it.
	MockForCheck func(checkID string) (*review.Summary, bool)

	// PolicyGate vetoes a check before dispatch. A false return skips the
	// check as policy_denied with the given reason.
	PolicyGate func(checkID string) (bool, string)

	// Clients holds opaque external handles for caller-registered
	// providers (chat client, VCS client).
	Clients map[string]any
}

// ExecContext is the per-invocation slice of run state a provider sees.
// The engine composes Env and Data once per invocation; providers only
// add call-local bindings on top.
type ExecContext struct {
	CheckID string
	Scope   journal.Scope
	View    *journal.ContextView

	// Item and ItemIndex are set when executing at a forEach item scope.
	// ItemIndex is -1 at aggregate scope.
	Item      any
	ItemIndex int

	// History holds this check's prior outputs in commit order.
	History []any

	// Env is the expression environment, Data the template bindings.
	Env  sandbox.Env
	Data map[string]any
}

// ErrSchemaValidation marks provider output that failed its declared
// schema or response contract.
var ErrSchemaValidation = errors.New("schema validation failed")

// timeoutOf converts the check's timeout, given in seconds, to a duration.
func timeoutOf(check *config.Check, def time.Duration) time.Duration {
	if check.Timeout > 0 {
		return time.Duration(check.Timeout) * time.Second
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// issuesFromAny decodes a provider-shaped issues value through JSON.
func issuesFromAny(v any) ([]review.Issue, bool) {
	if v == nil {
		return nil, false
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var issues []review.Issue
	if err := json.Unmarshal(raw, &issues); err != nil {
		return nil, false
	}
	return issues, true
}

// summaryFromOutput wraps an output value, lifting an embedded issues
// array into Summary.Issues when the value is shaped like a result.
func summaryFromOutput(v any) *review.Summary {
	s := &review.Summary{Output: v}
	obj, ok := v.(map[string]any)
	if !ok {
		return s
	}
	rawIssues, ok := obj["issues"]
	if !ok {
		return s
	}
	if issues, ok := issuesFromAny(rawIssues); ok {
		s.Issues = issues
	}
	return s
}
