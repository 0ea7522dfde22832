package engine

import (
	"context"
	"time"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/journal"
	"github.com/droverhq/drover/internal/review"
)

// executeMapped fans one check out over its parent's aggregated items:
// one invocation per item at scope [{parent, i}], then a single aggregate
// commit that routing and dependents see.
func (r *Runner) executeMapped(ctx context.Context, d *dispatch, parentID string) {
	retryMax := 0
	var backoff config.BackoffConfig
	if d.check.OnFail != nil && d.check.OnFail.Retry != nil {
		retryMax = d.check.OnFail.Retry.Max
		backoff = normalizeBackoff(d.check.OnFail.Retry.Backoff)
	}

	for attempt := 0; ; attempt++ {
		// Re-read the parent's latest aggregate right before iterating so
		// retries and supersedes upstream are absorbed.
		snap := r.journal.BeginSnapshot()
		view := journal.NewContextView(r.journal, r.sessionID, snap, journal.RootScope, r.inputs.Event)
		parent := view.Get(parentID)
		if parent == nil || parent.Result == nil || len(parent.Result.ForEachItems) == 0 {
			if r.isFailed(parentID) {
				r.skip(d.id, SkipDependencyFailed, parentID)
			} else {
				r.skip(d.id, SkipForEachEmpty, parentID)
			}
			return
		}

		agg, dur := r.iterateItems(ctx, d, parentID, parent.Result.ForEachItems)
		success := !agg.HasFatalIssues()

		entry, err := r.commitResult(d.id, journal.RootScope, agg)
		if err != nil {
			r.failInternal(d.id, err)
			return
		}
		r.markCompleted(d.id)

		dec := r.route(ctx, d, entry, agg, routeState{
			success:  success,
			canRetry: attempt < retryMax,
			finish:   true,
		})
		r.syncFailed(d.id)

		if dec.retry {
			delay := DelayForAttempt(attempt+1, backoff, retrySeed(r.sessionID, d.id, attempt+1))
			r.log.Debug().
				Str("check", d.id).
				Int("attempt", attempt+2).
				Dur("delay", delay).
				Msg("retrying failed fan-out")
			if !sleepContext(ctx, delay) {
				return
			}
			continue
		}

		r.log.Debug().
			Str("check", d.id).
			Str("parent", parentID).
			Int("items", len(agg.ForEachItems)).
			Dur("elapsed", dur).
			Bool("success", dec.success).
			Msg("fan-out aggregated")
		r.emitCompletion(d, dec.success, nil, dur, dec.result.Issues)
		r.noteFailFast(d.id, d.check, dec.result, dec.success)
		return
	}
}

// iterateItems runs one invocation per item and folds per-item results
// into the aggregate summary. Items carrying failure or skip markers pass
// through as skip markers without counting as runs.
func (r *Runner) iterateItems(ctx context.Context, d *dispatch, parentID string, items []any) (*review.Summary, time.Duration) {
	agg := &review.Summary{
		ForEachItems:       make([]any, 0, len(items)),
		ForEachItemResults: make([]*review.Summary, 0, len(items)),
		ForEachFatalMask:   make([]bool, 0, len(items)),
	}
	var total time.Duration

	for i, item := range items {
		scope := journal.RootScope.Child(parentID, i)

		if itemCarries(item, markerFailed) || itemCarries(item, markerSkip) {
			r.passItem(d, agg, scope, i, "poisoned")
			continue
		}

		snap := r.journal.BeginSnapshot()
		itemView := journal.NewContextView(r.journal, r.sessionID, snap, scope, r.inputs.Event)
		if g := gateDependencies(d.check, r.cfg.Checks, itemView, r.isSkipped, r.isFailed); !g.ok {
			r.passItem(d, agg, scope, i, g.token)
			continue
		}

		res, dur, execErr := r.invokeProvider(ctx, d, scope, item, i, 0)
		total += dur
		fatal := execErr != nil || res.HasFatalIssues()

		if expr := r.failIfExpr(d.check); expr != "" && execErr == nil {
			if r.evalFailIf(ctx, d, scope, res, item, i, expr, fatal) {
				res.Issues = append(res.Issues, failIfIssue(d, expr))
				fatal = true
			}
		}

		// Providers that return nothing per item (log, noop) pass the
		// parent item through unchanged.
		if res.Output == nil {
			res.Output = item
		}
		if fatal {
			res.Output = wrapFailedItem(res.Output)
		}

		if _, err := r.commitResult(d.id, scope, res); err != nil {
			r.failInternal(d.id, err)
			return agg, total
		}

		agg.Issues = append(agg.Issues, res.Issues...)
		agg.ForEachItems = append(agg.ForEachItems, res.Output)
		agg.ForEachItemResults = append(agg.ForEachItemResults, res)
		agg.ForEachFatalMask = append(agg.ForEachFatalMask, fatal)

		r.stats.RecordRun(d.id, dur, !fatal, res.Issues)
		r.emit(EventForEachItem, d.id, scope.String(), map[string]any{
			"index":  i,
			"failed": fatal,
		})

		if ctx.Err() != nil {
			break
		}
	}

	agg.Output = agg.ForEachItems
	return agg, total
}

// passItem records a skipped iteration: a skip marker in the aggregate,
// no run counted.
func (r *Runner) passItem(d *dispatch, agg *review.Summary, scope journal.Scope, index int, why string) {
	marker := skipMarkerItem()
	agg.ForEachItems = append(agg.ForEachItems, marker)
	agg.ForEachItemResults = append(agg.ForEachItemResults, &review.Summary{Output: marker})
	agg.ForEachFatalMask = append(agg.ForEachFatalMask, false)
	r.emit(EventForEachItem, d.id, scope.String(), map[string]any{
		"index":   index,
		"skipped": true,
		"reason":  why,
	})
}
