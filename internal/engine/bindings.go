package engine

import (
	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/journal"
	"github.com/droverhq/drover/internal/review"
	"github.com/droverhq/drover/internal/sandbox"
)

// bindSpec names everything that shapes one expression environment or
// template binding set: the scope-bound view, the current result (nil
// before execution), the forEach item, and the helper failure flag.
type bindSpec struct {
	checkID string
	check   *config.Check
	view    *journal.ContextView
	result  *review.Summary
	item    any
	index   int // -1 outside item scope
	history []any
	failed  bool
}

// bindBase assembles the read-only context shared by expressions and
// templates. Keys are fixed; values are snapshots at invocation time.
func (r *Runner) bindBase(s bindSpec) map[string]any {
	outputs := map[string]any{}
	outputsRaw := map[string]any{}
	if s.view != nil {
		outputs = s.view.Outputs()
		outputsRaw = s.view.OutputsRaw()
	}

	var issues []review.Issue
	var output any
	if s.result != nil {
		issues = s.result.Issues
		output = s.result.Output
	}
	counts := review.CountBySeverity(issues)

	pr := r.inputs.PR.Map()
	files := r.inputs.PR.FilePaths()

	schema := ""
	group := ""
	if s.check != nil {
		schema = s.check.Schema.String()
		group = s.check.Group
	}

	base := map[string]any{
		"output":      output,
		"outputs":     outputs,
		"outputs_raw": outputsRaw,
		"memory":      r.memorySnapshot(),
		"env":         r.mergedEnv(),
		"issues":      review.IssueMaps(issues),
		"issueCounts": map[string]any{
			"critical": counts[review.SeverityCritical],
			"error":    counts[review.SeverityError],
			"warning":  counts[review.SeverityWarning],
			"info":     counts[review.SeverityInfo],
		},
		"inputs": map[string]any{
			"event":   r.inputs.Event,
			"workdir": r.inputs.WorkDir,
			"pr":      pr,
		},
		"metadata": map[string]any{
			"check":  s.checkID,
			"group":  group,
			"schema": schema,
			"event":  r.inputs.Event,
			"wave":   r.currentWave(),
		},
		"pr":           pr,
		"branch":       r.headBranch(),
		"baseBranch":   r.baseBranch(),
		"filesChanged": files,
		"filesCount":   len(files),
		"event":        r.inputs.Event,
		"checkName":    s.checkID,
		"schema":       schema,
		"group":        group,
		"history":      s.history,
		"debug":        r.opts.Debug,
	}
	if s.index >= 0 {
		base["item"] = s.item
		base["index"] = s.index
	}
	return base
}

// bindEnv is the sandbox environment: the base context plus the helper
// functions closed over this invocation's issues and failure state.
func (r *Runner) bindEnv(s bindSpec) sandbox.Env {
	base := r.bindBase(s)
	var issues []review.Issue
	if s.result != nil {
		issues = s.result.Issues
	}
	helpers := sandbox.Helpers{
		Issues:       issues,
		FilesChanged: r.inputs.PR.FilePaths(),
		Permission:   r.authorPermission(),
		Failed:       s.failed,
		Logger:       r.log,
	}
	env := make(sandbox.Env, len(base)+16)
	for k, v := range base {
		env[k] = v
	}
	for k, v := range helpers.Bindings() {
		env[k] = v
	}
	return env
}

// bindData is the template binding set. Same context, no functions:
// liquid consumes values only.
func (r *Runner) bindData(s bindSpec) map[string]any {
	return r.bindBase(s)
}

// mergedEnv overlays the run inputs' env on the document env.
func (r *Runner) mergedEnv() map[string]string {
	out := make(map[string]string, len(r.cfg.Env)+len(r.inputs.Env))
	for k, v := range r.cfg.Env {
		out[k] = v
	}
	for k, v := range r.inputs.Env {
		out[k] = v
	}
	return out
}

// memorySnapshot is the run namespace's current contents. Read-only by
// construction: mutating the returned map does not touch the store.
func (r *Runner) memorySnapshot() map[string]any {
	if r.memory == nil {
		return map[string]any{}
	}
	snap := r.memory.Snapshot()
	if ns, ok := snap[r.namespace]; ok {
		return ns
	}
	return map[string]any{}
}

func (r *Runner) headBranch() string {
	if r.inputs.PR == nil {
		return ""
	}
	return r.inputs.PR.HeadBranch
}

func (r *Runner) baseBranch() string {
	if r.inputs.PR == nil {
		return ""
	}
	return r.inputs.PR.BaseBranch
}

func (r *Runner) authorPermission() string {
	if r.inputs.PR == nil {
		return ""
	}
	return r.inputs.PR.AuthorPermission
}

// upstreamOutput resolves what `output` means before a check executes: the
// forEach item at item scope, otherwise the single dependency's output
// when the check has exactly one dependency option, otherwise nil.
func upstreamOutput(check *config.Check, view *journal.ContextView, item any, index int) any {
	if index >= 0 {
		return item
	}
	if check == nil || len(check.DependsOn) != 1 {
		return nil
	}
	opts := splitToken(check.DependsOn[0])
	if len(opts) == 1 {
		if e := view.Get(opts[0]); e != nil && e.Result != nil {
			return e.Result.Output
		}
		return nil
	}
	// OR group: the first satisfied option's output wins.
	for _, opt := range opts {
		if e := view.Get(opt); e != nil && e.Result != nil && !e.Result.HasFatalIssues() {
			return e.Result.Output
		}
	}
	return nil
}
