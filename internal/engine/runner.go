package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/journal"
	"github.com/droverhq/drover/internal/memstore"
	"github.com/droverhq/drover/internal/provider"
	"github.com/droverhq/drover/internal/render"
	"github.com/droverhq/drover/internal/review"
	"github.com/droverhq/drover/internal/sandbox"
)

type runState int

const (
	stateInit runState = iota
	stateWavePlanning
	stateLevelDispatch
	stateWaveRetry
	stateTerminal
)

func (s runState) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateWavePlanning:
		return "wave_planning"
	case stateLevelDispatch:
		return "level_dispatch"
	case stateWaveRetry:
		return "wave_retry"
	default:
		return "terminal"
	}
}

// Runner holds one run's mutable state. Build it with New and use it for
// a single Run call.
type Runner struct {
	cfg       *config.Config
	inputs    Inputs
	opts      Options
	sessionID string
	namespace string

	journal  *journal.Journal
	stats    *Stats
	registry *provider.Registry
	sandbox  *sandbox.Evaluator
	renderer *render.Renderer
	memory   *memstore.Store
	sink     EventSink
	log      zerolog.Logger

	maxParallelism int
	failFast       bool
	maxLoops       int

	mu           sync.Mutex
	wave         int
	loopCount    int
	requested    map[string]bool
	completed    map[string]bool
	skipped      map[string]string
	failed       map[string]bool
	active       map[string]bool
	waveComplete map[string]bool
	forwardWant  bool
	failFastHit  bool
	loopExceeded bool
	fatalErr     error

	forwardGuard *xsync.MapOf[string, bool]
}

// Run drives the state machine to termination and assembles the result.
// A cancelled run returns the partial result alongside a cancelled error.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	r.log.Info().
		Str("event", r.inputs.Event).
		Int("requested", len(r.requested)).
		Int("max_parallelism", r.maxParallelism).
		Msg("run starting")

	state := stateInit
	var levels [][]string
	for state != stateTerminal {
		if ctx.Err() != nil || r.internalErr() != nil {
			break
		}
		switch state {
		case stateInit:
			r.emit(EventStateSnapshot, "", "", map[string]any{
				"phase":     stateInit.String(),
				"requested": r.requestedIDs(),
			})
			state = stateWavePlanning
		case stateWavePlanning:
			levels = r.planWave()
			if len(levels) == 0 {
				state = stateTerminal
				break
			}
			state = stateLevelDispatch
		case stateLevelDispatch:
			r.dispatchLevels(ctx, levels)
			if r.wantsRetryWave() {
				state = stateWaveRetry
			} else {
				state = stateTerminal
			}
		case stateWaveRetry:
			r.emit(EventWaveRetry, "", "", map[string]any{"wave": r.currentWave()})
			state = stateWavePlanning
		}
	}

	res := r.buildResult(start)
	r.log.Info().
		Int("waves", res.debugWaves).
		Int("issues", len(res.Summary.Issues)).
		Int("exit_code", res.ExitCode()).
		Dur("elapsed", res.ExecutionTime).
		Msg("run finished")
	if err := ctx.Err(); err != nil {
		return res, wrapErr(KindCancelled, "", err)
	}
	if err := r.internalErr(); err != nil {
		return res, err
	}
	return res, nil
}

// planWave advances the wave counter and plans dependency levels over the
// still-pending checks. An empty plan means the run is done.
func (r *Runner) planWave() [][]string {
	r.mu.Lock()
	r.wave++
	wave := r.wave
	r.waveComplete = map[string]bool{}
	var pending []string
	for id := range r.requested {
		if r.completed[id] || r.active[id] {
			continue
		}
		if _, ok := r.skipped[id]; ok {
			continue
		}
		pending = append(pending, id)
	}
	completed := len(r.completed)
	r.mu.Unlock()

	sort.Strings(pending)
	levels := planLevels(r.cfg.Checks, pending)
	r.emit(EventStateSnapshot, "", "", map[string]any{
		"phase":     stateWavePlanning.String(),
		"pending":   pending,
		"levels":    len(levels),
		"completed": completed,
	})
	r.log.Debug().
		Int("wave", wave).
		Int("levels", len(levels)).
		Strs("pending", pending).
		Msg("wave planned")
	return levels
}

// dispatchLevels runs each level to completion in order. A fail-fast
// trigger clears everything not yet dispatched.
func (r *Runner) dispatchLevels(ctx context.Context, levels [][]string) {
	for i, level := range levels {
		if ctx.Err() != nil {
			return
		}
		if r.failFastTriggered() {
			r.clearLevels(levels[i:])
			return
		}
		r.emit(EventLevelReady, "", "", map[string]any{"level": i, "checks": level})
		r.dispatchLevel(ctx, level)
		r.emit(EventLevelDepleted, "", "", map[string]any{"level": i})
	}
}

// clearLevels skips every not-yet-finished check in the given levels.
// Checks whose dependencies already failed keep the more specific reason.
func (r *Runner) clearLevels(levels [][]string) {
	snap := r.journal.BeginSnapshot()
	view := journal.NewContextView(r.journal, r.sessionID, snap, journal.RootScope, r.inputs.Event)
	for _, level := range levels {
		for _, id := range level {
			if r.finished(id) {
				continue
			}
			check := r.cfg.Checks[id]
			if check == nil {
				continue
			}
			if g := gateDependencies(check, r.cfg.Checks, view, r.isSkipped, r.isFailed); !g.ok {
				r.skip(id, SkipDependencyFailed, g.token)
			} else {
				r.skip(id, SkipFailFast, "")
			}
		}
	}
}

// wantsRetryWave reports whether routing requested forward runs that a
// new wave must absorb, and consumes the request flag.
func (r *Runner) wantsRetryWave() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := r.forwardWant && !r.failFastHit && r.fatalErr == nil
	r.forwardWant = false
	return want
}

// buildResult assembles the Result from the journal's latest visible
// entry per check, the stats table, and the run flags.
func (r *Runner) buildResult(start time.Time) *Result {
	snap := r.journal.BeginSnapshot()
	view := journal.NewContextView(r.journal, r.sessionID, snap, journal.RootScope, r.inputs.Event)

	var issues []review.Issue
	var executed []string
	for _, id := range view.Checks() {
		entry := view.GetRaw(id)
		if entry == nil || entry.Result == nil {
			continue
		}
		executed = append(executed, id)
		issues = append(issues, entry.Result.Issues...)
	}

	r.mu.Lock()
	var failedIDs []string
	for id := range r.failed {
		failedIDs = append(failedIDs, id)
	}
	wave := r.wave
	loops := r.loopCount
	failFastHit := r.failFastHit
	loopExceeded := r.loopExceeded
	fatalErr := r.fatalErr
	r.mu.Unlock()
	sort.Strings(failedIDs)

	if fatalErr != nil {
		issues = append(issues, review.Issue{
			RuleID:   "system/error",
			Severity: review.SeverityCritical,
			Message:  fatalErr.Error(),
		})
	}

	res := &Result{
		Summary:            ReviewSummary{Issues: issues},
		ExecutionTime:      time.Since(start),
		Timestamp:          start.UTC(),
		ChecksExecuted:     executed,
		FailedChecks:       failedIDs,
		Statistics:         r.stats.Snapshot(),
		FailFastTriggered:  failFastHit,
		LoopBudgetExceeded: loopExceeded,
		outputHistory:      r.journal.OutputHistory(r.sessionID),
		debugWaves:         wave,
	}
	if r.inputs.PR != nil {
		res.RepositoryInfo = r.inputs.PR.Repository
	}
	if r.opts.Debug {
		res.Debug = &DebugInfo{
			SessionID:      r.sessionID,
			Event:          r.inputs.Event,
			Waves:          wave,
			RoutingLoops:   loops,
			JournalEntries: r.journal.Len(),
		}
	}
	return res
}

// --- shared run state, all guarded by mu ---

func (r *Runner) currentWave() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wave
}

func (r *Runner) requestedIDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.requested))
	for id := range r.requested {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (r *Runner) setActive(id string, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if on {
		r.active[id] = true
	} else {
		delete(r.active, id)
	}
}

// markCompleted records completion for gating and for the current wave's
// dedupe set. It runs before routing so self-referential gotos observe a
// completed origin.
func (r *Runner) markCompleted(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed[id] = true
	r.waveComplete[id] = true
}

func (r *Runner) completedThisWave(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waveComplete[id]
}

func (r *Runner) waveCompletions() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.waveComplete))
	for id := range r.waveComplete {
		out[id] = true
	}
	return out
}

func (r *Runner) isCompleted(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed[id]
}

func (r *Runner) isSkipped(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.skipped[id]
	return ok
}

func (r *Runner) isFailed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed[id]
}

func (r *Runner) finished(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completed[id] {
		return true
	}
	_, ok := r.skipped[id]
	return ok
}

// skip records a skip with its reason and condition, updates stats, and
// emits the completion event.
func (r *Runner) skip(id, reason, condition string) {
	r.mu.Lock()
	r.skipped[id] = reason
	r.mu.Unlock()
	r.stats.RecordSkip(id, reason, condition)
	r.log.Debug().Str("check", id).Str("reason", reason).Msg("check skipped")
	r.emit(EventCheckCompleted, id, "", map[string]any{
		"skipped": true,
		"reason":  reason,
	})
}

// syncFailed derives the failed set from stats: a check that has run and
// never succeeded is failed, anything else is not.
func (r *Runner) syncFailed(id string) {
	failed := r.stats.Failed(id)
	r.mu.Lock()
	if failed {
		r.failed[id] = true
	} else {
		delete(r.failed, id)
	}
	r.mu.Unlock()
}

func (r *Runner) failFastTriggered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failFastHit
}

// noteFailFast arms fail-fast when enabled and the finished check either
// raised a critical issue or failed without continue_on_failure.
func (r *Runner) noteFailFast(id string, check *config.Check, res *review.Summary, success bool) {
	if !r.failFast {
		return
	}
	hasCritical := false
	for _, is := range res.Issues {
		if is.Severity == review.SeverityCritical {
			hasCritical = true
			break
		}
	}
	if !hasCritical && (success || check.ContinueOnFailure) {
		return
	}
	r.mu.Lock()
	armed := !r.failFastHit
	r.failFastHit = true
	r.mu.Unlock()
	if armed {
		r.log.Warn().Str("check", id).Msg("fail-fast triggered, clearing remaining levels")
	}
}

// noteLoop increments the routing loop counter and reports whether the
// budget still holds.
func (r *Runner) noteLoop() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loopCount++
	return r.loopCount, r.loopCount <= r.maxLoops
}

func (r *Runner) loopBudgetExceeded() {
	r.mu.Lock()
	r.loopExceeded = true
	r.mu.Unlock()
}

// requestForwardRun asks the next wave to re-dispatch target. The request
// is idempotent per {origin, target, wave}; a granted request removes the
// target from the completed and skipped sets so planning picks it up.
func (r *Runner) requestForwardRun(origin, target string, wave int) bool {
	if _, ok := r.cfg.Checks[target]; !ok {
		return false
	}
	key := forwardKey(origin, target, wave)
	if _, loaded := r.forwardGuard.LoadOrStore(key, true); loaded {
		return false
	}
	r.mu.Lock()
	delete(r.completed, target)
	delete(r.skipped, target)
	r.requested[target] = true
	r.forwardWant = true
	r.mu.Unlock()
	r.emit(EventForwardRunRequested, target, "", map[string]any{
		"origin": origin,
		"wave":   wave,
	})
	return true
}

// forwardKey derives the idempotency key for one routing edge in one
// wave.
func forwardKey(origin, target string, wave int) string {
	sum := blake3.Sum256([]byte(fmt.Sprintf("%s|%s|%d", origin, target, wave)))
	return fmt.Sprintf("%x", sum[:8])
}

// failInternal records the first invariant violation; the state machine
// aborts on the next transition.
func (r *Runner) failInternal(id string, err error) {
	wrapped := wrapErr(KindInternal, id, err)
	r.mu.Lock()
	if r.fatalErr == nil {
		r.fatalErr = wrapped
	}
	r.mu.Unlock()
	r.log.Error().Err(err).Str("check", id).Msg("internal error, aborting run")
}

func (r *Runner) internalErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatalErr
}

func sortedCheckIDs(checks map[string]*config.Check) []string {
	ids := make([]string, 0, len(checks))
	for id := range checks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
