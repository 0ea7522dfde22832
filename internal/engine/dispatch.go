package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/journal"
	"github.com/droverhq/drover/internal/provider"
	"github.com/droverhq/drover/internal/review"
)

// dispatch bundles what one check invocation carries around.
type dispatch struct {
	id    string
	check *config.Check
}

// dispatchLevel runs one planned level. Checks without a session fan out
// onto the bounded worker group; checks sharing a session run
// sequentially on a single lane.
func (r *Runner) dispatchLevel(ctx context.Context, level []string) {
	seen := map[string]bool{}
	lanes := map[string][]string{}
	var solo []string
	for _, id := range level {
		if seen[id] {
			continue
		}
		seen[id] = true
		check := r.cfg.Checks[id]
		if check == nil {
			continue
		}
		if check.Session != "" {
			lanes[check.Session] = append(lanes[check.Session], id)
		} else {
			solo = append(solo, id)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxParallelism)
	for _, id := range solo {
		g.Go(func() error {
			r.dispatchCheck(gctx, id)
			return nil
		})
	}
	laneNames := make([]string, 0, len(lanes))
	for name := range lanes {
		laneNames = append(laneNames, name)
	}
	sort.Strings(laneNames)
	for _, name := range laneNames {
		ids := lanes[name]
		g.Go(func() error {
			for _, id := range ids {
				r.dispatchCheck(gctx, id)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// dispatchCheck takes one check through gating and execution: policy
// hook, if condition, dependency gate, fan-out detection, then either the
// per-item path or a single invocation.
func (r *Runner) dispatchCheck(ctx context.Context, id string) {
	check := r.cfg.Checks[id]
	if check == nil || r.completedThisWave(id) {
		return
	}
	d := &dispatch{id: id, check: check}
	r.setActive(id, true)
	defer r.setActive(id, false)
	r.emit(EventCheckScheduled, id, "", map[string]any{"type": check.Type})

	if gate := r.inputs.Hooks.PolicyGate; gate != nil {
		if ok, reason := gate(id); !ok {
			r.skip(id, SkipPolicyDenied, reason)
			return
		}
	}

	if strings.TrimSpace(check.If) != "" && !r.evalIf(ctx, d) {
		r.skip(id, SkipIfCondition, check.If)
		return
	}

	snap := r.journal.BeginSnapshot()
	view := journal.NewContextView(r.journal, r.sessionID, snap, journal.RootScope, r.inputs.Event)
	if g := gateDependencies(check, r.cfg.Checks, view, r.isSkipped, r.isFailed); !g.ok {
		r.skip(id, SkipDependencyFailed, g.token)
		return
	}

	if parentID, mapped := r.fanInParent(check, view); mapped {
		r.executeMapped(ctx, d, parentID)
		return
	}
	r.executeSingle(ctx, d)
}

// evalIf evaluates the check's if expression against a context restricted
// to what completed earlier in the current wave. Evaluation errors skip
// the check.
func (r *Runner) evalIf(ctx context.Context, d *dispatch) bool {
	snap := r.journal.BeginSnapshot()
	view := journal.NewContextView(r.journal, r.sessionID, snap, journal.RootScope, r.inputs.Event)
	env := r.bindEnv(bindSpec{checkID: d.id, check: d.check, view: view, index: -1})

	waveDone := r.waveCompletions()
	for _, key := range []string{"outputs", "outputs_raw"} {
		full, ok := env[key].(map[string]any)
		if !ok {
			continue
		}
		filtered := make(map[string]any, len(full))
		for id, v := range full {
			if waveDone[id] {
				filtered[id] = v
			}
		}
		env[key] = filtered
	}

	ok, err := r.sandbox.EvalCondition(ctx, d.check.If, env)
	if err != nil {
		r.log.Debug().Err(err).Str("check", d.id).Msg("if condition errored, skipping")
		return false
	}
	return ok
}

// fanInParent finds the forEach parent feeding this check when fan-out
// applies: exactly one dependency option committed aggregate items and
// the resolved fanout mode is map.
func (r *Runner) fanInParent(check *config.Check, view *journal.ContextView) (string, bool) {
	fanout := check.Fanout
	if fanout == "" {
		fanout = provider.DefaultFanout(check.Type)
	}
	if fanout != config.FanoutMap {
		return "", false
	}
	seen := map[string]bool{}
	var parents []string
	for _, token := range check.DependsOn {
		for _, opt := range splitToken(token) {
			if seen[opt] {
				continue
			}
			seen[opt] = true
			if e := view.Get(opt); e != nil && e.Result != nil && e.Result.ForEachItems != nil {
				parents = append(parents, opt)
			}
		}
	}
	if len(parents) != 1 {
		return "", false
	}
	return parents[0], true
}

// executeSingle runs a non-fanned check, including its on_fail retry
// loop. Every attempt commits its own journal entry; completion is
// recorded before routing so self-referential gotos observe it.
func (r *Runner) executeSingle(ctx context.Context, d *dispatch) {
	retryMax := 0
	var backoff config.BackoffConfig
	if d.check.OnFail != nil && d.check.OnFail.Retry != nil {
		retryMax = d.check.OnFail.Retry.Max
		backoff = normalizeBackoff(d.check.OnFail.Retry.Backoff)
	}

	for attempt := 0; ; attempt++ {
		res, dur, execErr := r.invokeProvider(ctx, d, journal.RootScope, nil, -1, attempt)
		r.shapeForEach(d, res, execErr)
		success := execErr == nil && !res.HasFatalIssues()

		entry, err := r.commitResult(d.id, journal.RootScope, res)
		if err != nil {
			r.failInternal(d.id, err)
			return
		}
		r.markCompleted(d.id)
		r.commitItemStubs(d, res)

		dec := r.route(ctx, d, entry, res, routeState{
			success:  success,
			execErr:  execErr,
			canRetry: attempt < retryMax,
			finish:   true,
		})

		r.stats.RecordRun(d.id, dur, dec.success, dec.result.Issues)
		r.syncFailed(d.id)

		if dec.retry {
			delay := DelayForAttempt(attempt+1, backoff, retrySeed(r.sessionID, d.id, attempt+1))
			r.log.Debug().
				Str("check", d.id).
				Int("attempt", attempt+2).
				Dur("delay", delay).
				Msg("retrying failed check")
			if !sleepContext(ctx, delay) {
				return
			}
			continue
		}

		r.emitCompletion(d, dec.success, execErr, dur, dec.result.Issues)
		r.noteFailFast(d.id, d.check, dec.result, dec.success)
		return
	}
}

// shapeForEach turns a fan-out producer's output into the aggregated item
// list. A non-array output fails the parent; dependents then skip or
// iterate nothing.
func (r *Runner) shapeForEach(d *dispatch, res *review.Summary, execErr error) {
	if !d.check.ForEach {
		return
	}
	if execErr != nil {
		res.ForEachItems = []any{}
		return
	}
	arr, ok := res.Output.([]any)
	if !ok {
		res.ForEachItems = []any{}
		res.Issues = append(res.Issues, review.EnrichIssues([]review.Issue{{
			RuleID:   "execution_error",
			Severity: review.SeverityError,
			Message:  fmt.Sprintf("forEach output must be an array, got %T", res.Output),
		}}, d.id, d.check.Group, d.check.Schema.String(), time.Now())...)
		return
	}
	if arr == nil {
		arr = []any{}
	}
	res.ForEachItems = arr
	r.stats.RecordForEachPreview(d.id, arr)
}

// commitItemStubs writes the per-item context rows a fan-out parent
// leaves behind: scope [{parent, i}] with the item as output, which is
// what per-item views of dependent checks resolve against.
func (r *Runner) commitItemStubs(d *dispatch, res *review.Summary) {
	if !d.check.ForEach {
		return
	}
	for i, item := range res.ForEachItems {
		stub := &review.Summary{Output: item}
		if _, err := r.journal.Commit(journal.Entry{
			SessionID: r.sessionID,
			Scope:     journal.RootScope.Child(d.id, i),
			CheckID:   d.id,
			Event:     r.inputs.Event,
			Result:    stub,
		}); err != nil {
			r.failInternal(d.id, err)
			return
		}
	}
}

// invokeProvider runs one provider invocation at the given scope with
// panic containment. The returned summary always carries enriched issues
// and rendered content; a non-nil error pairs with a summary describing
// the failure.
func (r *Runner) invokeProvider(ctx context.Context, d *dispatch, scope journal.Scope, item any, index, attempt int) (*review.Summary, time.Duration, error) {
	snap := r.journal.BeginSnapshot()
	view := journal.NewContextView(r.journal, r.sessionID, snap, scope, r.inputs.Event)
	history := outputHistoryFor(view, d.id)

	spec := bindSpec{checkID: d.id, check: d.check, view: view, item: item, index: index, history: history}
	env := r.bindEnv(spec)
	data := r.bindData(spec)
	pre := upstreamOutput(d.check, view, item, index)
	env["output"] = pre
	data["output"] = pre

	ec := &provider.ExecContext{
		CheckID:   d.id,
		Scope:     scope,
		View:      view,
		Item:      item,
		ItemIndex: index,
		History:   history,
		Env:       env,
		Data:      data,
	}
	run := &provider.RunContext{
		WorkDir: r.inputs.WorkDir,
		Event:   r.inputs.Event,
		PR:      r.inputs.PR,
		Env:     r.mergedEnv(),
		Hooks:   r.inputs.Hooks,
	}
	deps := r.dependencyResults(d.check, view)

	r.emit(EventIterationStart, d.id, scope.String(), map[string]any{
		"attempt": attempt + 1,
		"type":    d.check.Type,
	})

	var res *review.Summary
	var execErr error
	var dur time.Duration

	mocked := false
	if mock := r.inputs.Hooks.MockForCheck; mock != nil {
		if s, ok := mock(d.id); ok {
			res = s.Clone()
			mocked = true
		}
	}
	if !mocked {
		prov, err := r.registry.Resolve(d.check.Type)
		switch {
		case err != nil:
			execErr = wrapErr(KindConfig, d.id, err)
		case !prov.IsAvailable():
			execErr = wrapErr(KindProviderExecution, d.id, fmt.Errorf(
				"provider %q unavailable, requires %s",
				d.check.Type, strings.Join(prov.Requirements(), ", ")))
		default:
			switch strings.ToLower(d.check.Type) {
			case "command":
				r.emit(EventToolCall, d.id, scope.String(), map[string]any{"exec": d.check.Exec})
			case "ai":
				r.emit(EventAIRequest, d.id, scope.String(), map[string]any{
					"model":    firstNonEmpty(d.check.AIModel, r.cfg.AIModel),
					"provider": firstNonEmpty(d.check.AIProvider, r.cfg.AIProvider),
				})
			}
			start := time.Now()
			res, execErr = safeExecute(ctx, prov, run, d.check, deps, ec)
			dur = time.Since(start)
		}
	}

	if res == nil {
		res = &review.Summary{}
	}
	if execErr != nil {
		rule := "execution_error"
		if ctx.Err() != nil || errors.Is(execErr, context.Canceled) || errors.Is(execErr, context.DeadlineExceeded) {
			rule = "cancelled"
		}
		res.Issues = append(res.Issues, review.Issue{
			RuleID:   rule,
			Severity: review.SeverityError,
			Message:  execErr.Error(),
		})
		r.stats.RecordError(d.id, execErr.Error())
		r.log.Warn().Err(execErr).Str("check", d.id).Str("scope", scope.String()).Msg("provider execution failed")
	}
	res.Issues = review.EnrichIssues(res.Issues, d.id, d.check.Group, d.check.Schema.String(), time.Now())

	// Post-execution bindings feed the content template; a plain string
	// output is its own content when no template applies.
	spec.result = res
	spec.failed = execErr != nil || res.HasFatalIssues()
	if res.Content == "" {
		res.Content = r.renderer.ContentFor(d.check.Schema.String(), d.check.Template, r.bindData(spec), res.Issues)
	}
	if res.Content == "" {
		if s, ok := res.Output.(string); ok {
			res.Content = s
		}
	}
	return res, dur, execErr
}

// safeExecute contains provider panics so one check cannot take down the
// run.
func safeExecute(ctx context.Context, p provider.Provider, run *provider.RunContext, check *config.Check, deps provider.Results, ec *provider.ExecContext) (res *review.Summary, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res = nil
			err = fmt.Errorf("provider panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return p.Execute(ctx, run, check, deps, ec)
}

// dependencyResults collects the visible result of every dependency
// option at the view's scope.
func (r *Runner) dependencyResults(check *config.Check, view *journal.ContextView) provider.Results {
	deps := provider.Results{}
	for _, token := range check.DependsOn {
		for _, opt := range splitToken(token) {
			if _, ok := deps[opt]; ok {
				continue
			}
			if e := view.Get(opt); e != nil && e.Result != nil {
				deps[opt] = e.Result
			}
		}
	}
	return deps
}

// commitResult writes an entry and counts the produced output.
func (r *Runner) commitResult(id string, scope journal.Scope, res *review.Summary) (*journal.Entry, error) {
	entry, err := r.journal.Commit(journal.Entry{
		SessionID: r.sessionID,
		Scope:     scope,
		CheckID:   id,
		Event:     r.inputs.Event,
		Result:    res,
	})
	if err != nil {
		return nil, err
	}
	if res.Output != nil {
		r.stats.RecordOutput(id)
	}
	return entry, nil
}

func (r *Runner) emitCompletion(d *dispatch, success bool, execErr error, dur time.Duration, issues []review.Issue) {
	fields := map[string]any{
		"type":       d.check.Type,
		"durationMs": dur.Milliseconds(),
	}
	if counts := severityCounts(issues); len(counts) > 0 {
		fields["severities"] = counts
	}
	if execErr != nil {
		fields["kind"] = string(Classify(execErr))
		fields["error"] = execErr.Error()
		r.emit(EventCheckErrored, d.id, "", fields)
		return
	}
	fields["success"] = success
	r.emit(EventCheckCompleted, d.id, "", fields)
}

// severityCounts flattens the issue tally to plain JSON-friendly keys.
func severityCounts(issues []review.Issue) map[string]int {
	tally := review.CountBySeverity(issues)
	if len(tally) == 0 {
		return nil
	}
	out := make(map[string]int, len(tally))
	for sev, n := range tally {
		if n > 0 {
			out[string(sev)] = n
		}
	}
	return out
}

// outputHistoryFor lists the check's prior outputs visible to the view,
// oldest first.
func outputHistoryFor(view *journal.ContextView, checkID string) []any {
	var history []any
	for _, e := range view.GetHistory(checkID) {
		if e.Result != nil && e.Result.Output != nil {
			history = append(history, e.Result.Output)
		}
	}
	return history
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
