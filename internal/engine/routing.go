package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/journal"
	"github.com/droverhq/drover/internal/review"
)

// routeState is the dispatch-side context routing starts from.
type routeState struct {
	success  bool
	execErr  error
	canRetry bool
	// finish applies on_finish and the check-level goto; per-item
	// invocations route without them, the aggregate routes once with
	// them.
	finish bool
}

// routeDecision is what dispatch acts on after routing: the final status,
// the possibly superseded result, and whether on_fail asked for a retry.
type routeDecision struct {
	success bool
	retry   bool
	result  *review.Summary
	entry   *journal.Entry
}

// routeFrame carries the live entry/result pair through the routing
// steps; every mutation supersedes the previous commit.
type routeFrame struct {
	d     *dispatch
	entry *journal.Entry
	work  *review.Summary
}

// route runs the post-commit pipeline for one committed result: fail_if,
// failure_conditions, the retry decision, then the action blocks. The
// committed entry is superseded whenever an evaluation changed the
// result.
func (r *Runner) route(ctx context.Context, d *dispatch, entry *journal.Entry, res *review.Summary, st routeState) routeDecision {
	f := &routeFrame{d: d, entry: entry, work: res.Clone()}
	success := st.success
	failIfHit := false

	if expr := r.failIfExpr(d.check); expr != "" && st.execErr == nil {
		if r.evalFailIf(ctx, d, entry.Scope, f.work, nil, -1, expr, !success) {
			f.work.Issues = append(f.work.Issues, failIfIssue(d, expr))
			success = false
			failIfHit = true
			r.resupersede(f)
		}
	}

	for _, fc := range r.failureConditions(d.check) {
		matched, err := r.sandbox.EvalCondition(ctx, fc.Condition, r.routeEnv(d, f, !success))
		if err != nil || !matched {
			continue
		}
		sev := review.Severity(fc.Severity)
		if !sev.Valid() {
			sev = review.SeverityError
		}
		name := fc.Name
		if name == "" {
			name = "failure_condition"
		}
		msg := fc.Message
		if msg == "" {
			msg = fmt.Sprintf("failure condition met: %s", fc.Condition)
		}
		f.work.Issues = append(f.work.Issues, review.EnrichIssues([]review.Issue{{
			RuleID:   name,
			Severity: sev,
			Message:  msg,
		}}, d.id, d.check.Group, d.check.Schema.String(), time.Now())...)
		if sev == review.SeverityError || sev == review.SeverityCritical {
			success = false
		}
		r.resupersede(f)
	}

	dec := routeDecision{success: success, result: f.work, entry: f.entry}

	// on_fail.retry wins over the other on_fail actions while attempts
	// remain. Externally owned checks retry only transient provider
	// errors, never logical failures.
	if !success && st.canRetry && d.check.OnFail != nil && d.check.OnFail.Retry != nil && d.check.OnFail.Retry.Max > 0 {
		logical := failIfHit || isLogicalFailure(st.execErr)
		if d.check.Criticality != config.CriticalityExternal || !logical {
			dec.retry = true
			return dec
		}
	}

	if success && d.check.OnSuccess != nil {
		r.applyActions(ctx, f, d.check.OnSuccess, success)
	}
	if !success && d.check.OnFail != nil {
		r.applyActions(ctx, f, d.check.OnFail, success)
	}
	if st.finish {
		if d.check.OnFinish != nil {
			r.applyActions(ctx, f, d.check.OnFinish, success)
		}
		if d.check.Goto != "" || d.check.GotoJS != "" {
			r.applyGoto(ctx, f, d.check.Goto, d.check.GotoJS, success)
		}
	}

	dec.result = f.work
	dec.entry = f.entry
	return dec
}

// failIfExpr resolves the effective fail_if: the check's own expression
// overrides the document default.
func (r *Runner) failIfExpr(check *config.Check) string {
	if s := strings.TrimSpace(check.FailIf); s != "" {
		return s
	}
	return strings.TrimSpace(r.cfg.FailIf)
}

// failureConditions lists the check-level conditions first, then the
// document-level ones.
func (r *Runner) failureConditions(check *config.Check) []config.FailureCondition {
	if len(check.FailureConditions) == 0 {
		return r.cfg.FailureConditions
	}
	out := make([]config.FailureCondition, 0, len(check.FailureConditions)+len(r.cfg.FailureConditions))
	out = append(out, check.FailureConditions...)
	out = append(out, r.cfg.FailureConditions...)
	return out
}

// evalFailIf evaluates a fail_if expression against a fresh snapshot at
// the given scope with output bound to the check's own result. Evaluation
// errors count as false.
func (r *Runner) evalFailIf(ctx context.Context, d *dispatch, scope journal.Scope, res *review.Summary, item any, index int, expr string, failed bool) bool {
	snap := r.journal.BeginSnapshot()
	view := journal.NewContextView(r.journal, r.sessionID, snap, scope, r.inputs.Event)
	env := r.bindEnv(bindSpec{
		checkID: d.id,
		check:   d.check,
		view:    view,
		result:  res,
		item:    item,
		index:   index,
		history: outputHistoryFor(view, d.id),
		failed:  failed,
	})

	triggered, err := r.sandbox.EvalCondition(ctx, expr, env)
	fields := map[string]any{"expression": expr, "result": triggered}
	if err != nil {
		fields["error"] = err.Error()
		triggered = false
	}
	r.emit(EventFailIfEvaluated, d.id, scope.String(), fields)
	if triggered {
		r.emit(EventFailIfTriggered, d.id, scope.String(), map[string]any{"expression": expr})
		r.log.Debug().Str("check", d.id).Str("scope", scope.String()).Str("expression", expr).Msg("fail_if triggered")
	}
	return triggered
}

// failIfIssue builds the enriched issue a triggered fail_if appends.
func failIfIssue(d *dispatch, expr string) review.Issue {
	issues := review.EnrichIssues([]review.Issue{{
		RuleID:   d.id + "_fail_if",
		Severity: review.SeverityError,
		Message:  fmt.Sprintf("fail_if condition met: %s", expr),
	}}, d.id, d.check.Group, d.check.Schema.String(), time.Now())
	return issues[0]
}

// routeEnv binds the routing expressions to the current working result at
// the entry's scope.
func (r *Runner) routeEnv(d *dispatch, f *routeFrame, failed bool) map[string]any {
	snap := r.journal.BeginSnapshot()
	view := journal.NewContextView(r.journal, r.sessionID, snap, f.entry.Scope, r.inputs.Event)
	return r.bindEnv(bindSpec{
		checkID: d.id,
		check:   d.check,
		view:    view,
		result:  f.work,
		index:   -1,
		history: outputHistoryFor(view, d.id),
		failed:  failed,
	})
}

// applyActions handles one action block: run targets first, then the
// goto hop.
func (r *Runner) applyActions(ctx context.Context, f *routeFrame, block *config.ActionBlock, success bool) {
	for _, target := range block.Run {
		r.forwardRun(f, target, false)
	}
	r.applyGoto(ctx, f, block.Goto, block.GotoJS, success)
}

// applyGoto resolves the hop target, dynamically when goto_js is set. An
// empty or false result means no hop.
func (r *Runner) applyGoto(ctx context.Context, f *routeFrame, gotoTarget, gotoJS string, success bool) {
	target := strings.TrimSpace(gotoTarget)
	if target == "" && strings.TrimSpace(gotoJS) != "" {
		v, err := r.sandbox.EvalString(ctx, gotoJS, r.routeEnv(f.d, f, !success))
		if err != nil {
			r.log.Debug().Err(err).Str("check", f.d.id).Msg("goto_js errored, no hop")
			return
		}
		target = strings.TrimSpace(v)
	}
	if target == "" {
		return
	}
	r.forwardRun(f, target, true)
}

// forwardRun requests a re-dispatch of target in the next wave. Gotos and
// re-runs of already completed checks consume loop budget; feeding a
// never-run check forward does not.
func (r *Runner) forwardRun(f *routeFrame, target string, viaGoto bool) {
	if target == "" {
		return
	}
	if _, ok := r.cfg.Checks[target]; !ok {
		r.appendRoutingIssue(f, "routing/invalid_target",
			fmt.Sprintf("routing target %q is not a configured check", target))
		return
	}
	if viaGoto || r.isCompleted(target) {
		if n, ok := r.noteLoop(); !ok {
			r.breachLoopBudget(f, target, n)
			return
		}
	}
	if r.requestForwardRun(f.d.id, target, r.currentWave()) {
		r.log.Debug().
			Str("check", f.d.id).
			Str("target", target).
			Bool("goto", viaGoto).
			Msg("forward run requested")
	}
}

// breachLoopBudget records a budget breach on the origin check and stops
// the hop. The run keeps draining but exits with the loop-budget code.
func (r *Runner) breachLoopBudget(f *routeFrame, target string, count int) {
	r.loopBudgetExceeded()
	r.appendRoutingIssue(f, "routing/loop_budget_exceeded",
		fmt.Sprintf("loop budget exhausted after %d hops, refusing goto %q (max_loops %d)", count-1, target, r.maxLoops))
	r.log.Warn().
		Str("check", f.d.id).
		Str("target", target).
		Int("max_loops", r.maxLoops).
		Msg("routing loop budget exceeded")
}

// appendRoutingIssue attaches a routing diagnostic to the frame's result
// and supersedes the entry.
func (r *Runner) appendRoutingIssue(f *routeFrame, rule, msg string) {
	f.work.Issues = append(f.work.Issues, review.EnrichIssues([]review.Issue{{
		RuleID:   rule,
		Severity: review.SeverityError,
		Message:  msg,
	}}, f.d.id, f.d.check.Group, f.d.check.Schema.String(), time.Now())...)
	r.resupersede(f)
}

// resupersede replaces the frame's journal entry with the mutated result.
func (r *Runner) resupersede(f *routeFrame) {
	entry, err := r.journal.Supersede(f.entry.CommitID, f.work)
	if err != nil {
		r.failInternal(f.d.id, err)
		return
	}
	f.entry = entry
}
