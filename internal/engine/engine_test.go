package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/journal"
	"github.com/droverhq/drover/internal/provider"
	"github.com/droverhq/drover/internal/review"
)

func loadConfig(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.NewLoader().LoadBytes([]byte(doc), t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func newTestRunner(t *testing.T, doc string, mutate func(*Options)) (*Runner, *CollectorSink) {
	t.Helper()
	cfg := loadConfig(t, doc)
	sink := &CollectorSink{}
	opts := Options{Logger: zerolog.Nop(), Sink: sink, Debug: true}
	if mutate != nil {
		mutate(&opts)
	}
	r, err := New(cfg, Inputs{WorkDir: t.TempDir(), Event: "manual"}, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, sink
}

func mustRun(t *testing.T, r *Runner) *Result {
	t.Helper()
	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func rootView(r *Runner) *journal.ContextView {
	return journal.NewContextView(r.journal, r.sessionID, r.journal.BeginSnapshot(), journal.RootScope, r.inputs.Event)
}

func wantStats(t *testing.T, res *Result, id string, total, successful int) *CheckStats {
	t.Helper()
	s := res.Statistics[id]
	if s == nil {
		t.Fatalf("no statistics for %q", id)
	}
	if s.TotalRuns != total || s.SuccessfulRuns != successful {
		t.Fatalf("%s runs = %d/%d, want %d/%d", id, s.TotalRuns, s.SuccessfulRuns, total, successful)
	}
	return s
}

func hasRule(issues []review.Issue, ruleID string) bool {
	for _, is := range issues {
		if is.RuleID == ruleID {
			return true
		}
	}
	return false
}

func asNumber(t *testing.T, v any) float64 {
	t.Helper()
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	default:
		t.Fatalf("not numeric: %T (%v)", v, v)
		return 0
	}
}

func TestLinearChain(t *testing.T) {
	r, _ := newTestRunner(t, `
version: "1.0"
checks:
  a:
    type: log
    message: "a"
  b:
    type: log
    message: "b"
    depends_on: [a]
  c:
    type: log
    message: "c"
    depends_on: [b]
`, nil)
	res := mustRun(t, r)

	for _, id := range []string{"a", "b", "c"} {
		wantStats(t, res, id, 1, 1)
	}
	if res.ExecutionTime <= 0 {
		t.Fatalf("execution time = %v", res.ExecutionTime)
	}
	if got := strings.Join(res.ChecksExecuted, ","); got != "a,b,c" {
		t.Fatalf("execution order = %q", got)
	}

	view := rootView(r)
	for _, id := range []string{"a", "b", "c"} {
		e := view.Get(id)
		if e == nil || e.Result == nil {
			t.Fatalf("no entry for %q", id)
		}
		if e.Result.Content != id {
			t.Fatalf("%s content = %q, want %q", id, e.Result.Content, id)
		}
	}
	if res.ExitCode() != ExitOK {
		t.Fatalf("exit code = %d", res.ExitCode())
	}
}

func TestForEachMapFanout(t *testing.T) {
	r, sink := newTestRunner(t, `
version: "1.0"
checks:
  list:
    type: command
    exec: echo '["x","y","z"]'
    forEach: true
  greet:
    type: log
    message: "hi {{ output }}"
    fanout: map
    depends_on: [list]
`, nil)
	res := mustRun(t, r)

	wantStats(t, res, "list", 1, 1)
	wantStats(t, res, "greet", 3, 3)

	view := rootView(r)
	agg := view.Get("greet")
	if agg == nil || agg.Result == nil {
		t.Fatalf("no aggregate entry for greet")
	}
	items := agg.Result.ForEachItems
	if len(items) != 3 || items[0] != "x" || items[1] != "y" || items[2] != "z" {
		t.Fatalf("aggregated items = %v", items)
	}
	want := []string{"hi x", "hi y", "hi z"}
	if len(agg.Result.ForEachItemResults) != 3 {
		t.Fatalf("item results = %d", len(agg.Result.ForEachItemResults))
	}
	for i, ir := range agg.Result.ForEachItemResults {
		if ir.Content != want[i] {
			t.Fatalf("item %d content = %q, want %q", i, ir.Content, want[i])
		}
	}

	// Per-item entries land at the parent's item scopes.
	itemView := journal.NewContextView(r.journal, r.sessionID, r.journal.BeginSnapshot(), journal.RootScope.Child("list", 1), r.inputs.Event)
	e := itemView.Get("greet")
	if e == nil || e.Result.Content != "hi y" {
		t.Fatalf("item-scope entry = %+v", e)
	}

	if got := len(sink.Named(EventForEachItem)); got != 3 {
		t.Fatalf("foreach.item events = %d", got)
	}
}

func TestFailIfTriggersDependentSkip(t *testing.T) {
	r, sink := newTestRunner(t, `
version: "1.0"
checks:
  a:
    type: log
    message: "a"
    fail_if: "true"
  b:
    type: log
    message: "b"
    depends_on: [a]
`, nil)
	res := mustRun(t, r)

	if !hasRule(res.Summary.Issues, "a/a_fail_if") {
		t.Fatalf("missing a/a_fail_if issue, got %+v", res.Summary.Issues)
	}
	sa := wantStats(t, res, "a", 1, 0)
	if sa.IssuesBySeverity.Error == 0 {
		t.Fatalf("fail_if issue not counted: %+v", sa.IssuesBySeverity)
	}
	sb := res.Statistics["b"]
	if sb == nil || !sb.Skipped || sb.SkipReason != SkipDependencyFailed {
		t.Fatalf("b stats = %+v, want skip %q", sb, SkipDependencyFailed)
	}
	if len(res.FailedChecks) != 1 || res.FailedChecks[0] != "a" {
		t.Fatalf("failed checks = %v", res.FailedChecks)
	}
	if res.ExitCode() != ExitFatal {
		t.Fatalf("exit code = %d", res.ExitCode())
	}
	if len(sink.Named(EventFailIfTriggered)) != 1 {
		t.Fatalf("fail_if.triggered events = %d", len(sink.Named(EventFailIfTriggered)))
	}
}

func TestORDependencySatisfiedBySurvivor(t *testing.T) {
	r, _ := newTestRunner(t, `
version: "1.0"
checks:
  a:
    type: log
    message: "a"
    fail_if: "true"
    continue_on_failure: false
  b:
    type: log
    message: "b"
  c:
    type: log
    message: "c"
    depends_on: ["a|b"]
`, nil)
	res := mustRun(t, r)

	wantStats(t, res, "c", 1, 1)
	if s := res.Statistics["c"]; s.Skipped {
		t.Fatalf("c skipped: %+v", s)
	}
}

func TestGotoLoopBudget(t *testing.T) {
	r, sink := newTestRunner(t, `
version: "1.0"
routing:
  max_loops: 3
checks:
  A:
    type: log
    message: "ping"
    on_finish:
      goto_js: "return 'A'"
`, nil)
	res := mustRun(t, r)

	wantStats(t, res, "A", 4, 4)
	if !res.LoopBudgetExceeded {
		t.Fatalf("loop budget flag not set")
	}
	if !hasRule(res.Summary.Issues, "A/routing/loop_budget_exceeded") {
		t.Fatalf("missing loop budget issue, got %+v", res.Summary.Issues)
	}
	if res.ExitCode() != ExitLoopBudget {
		t.Fatalf("exit code = %d", res.ExitCode())
	}
	if res.Debug == nil || res.Debug.Waves != 4 {
		t.Fatalf("debug = %+v, want 4 waves", res.Debug)
	}
	if got := len(sink.Named(EventForwardRunRequested)); got != 3 {
		t.Fatalf("forward run events = %d, want 3", got)
	}
}

func TestMemoryCounterPipeline(t *testing.T) {
	r, _ := newTestRunner(t, `
version: "1.0"
checks:
  t1:
    type: memory
    operation: set
    key: counter
    value: 1
  t2:
    type: memory
    operation: increment
    key: counter
    value: 4
    depends_on: [t1]
  t3:
    type: memory
    operation: get
    key: counter
    depends_on: [t2]
`, nil)
	res := mustRun(t, r)

	for _, id := range []string{"t1", "t2", "t3"} {
		wantStats(t, res, id, 1, 1)
	}
	view := rootView(r)
	e := view.Get("t3")
	if e == nil || e.Result == nil {
		t.Fatalf("no entry for t3")
	}
	if got := asNumber(t, e.Result.Output); got != 5 {
		t.Fatalf("t3 output = %v, want 5", e.Result.Output)
	}
	hist := res.OutputHistory()["t2"]
	if len(hist) != 1 || asNumber(t, hist[0]) != 5 {
		t.Fatalf("t2 history = %v", hist)
	}
}

func TestForEachEmptyItemsSkipsDependent(t *testing.T) {
	r, _ := newTestRunner(t, `
version: "1.0"
checks:
  list:
    type: command
    exec: echo '[]'
    forEach: true
  greet:
    type: log
    message: "hi {{ output }}"
    fanout: map
    depends_on: [list]
`, nil)
	res := mustRun(t, r)

	wantStats(t, res, "list", 1, 1)
	s := res.Statistics["greet"]
	if s == nil || !s.Skipped || s.SkipReason != SkipForEachEmpty {
		t.Fatalf("greet stats = %+v, want skip %q", s, SkipForEachEmpty)
	}
}

func TestForEachNonArrayOutputFailsParent(t *testing.T) {
	r, _ := newTestRunner(t, `
version: "1.0"
checks:
  list:
    type: command
    exec: echo '"nope"'
    forEach: true
  greet:
    type: log
    message: "hi {{ output }}"
    fanout: map
    depends_on: [list]
`, nil)
	res := mustRun(t, r)

	if len(res.FailedChecks) != 1 || res.FailedChecks[0] != "list" {
		t.Fatalf("failed checks = %v", res.FailedChecks)
	}
	if !hasRule(res.Summary.Issues, "list/execution_error") {
		t.Fatalf("missing execution error, got %+v", res.Summary.Issues)
	}
	s := res.Statistics["greet"]
	if s == nil || !s.Skipped || s.SkipReason != SkipDependencyFailed {
		t.Fatalf("greet stats = %+v, want skip %q", s, SkipDependencyFailed)
	}
}

func TestIfErrorSkipsCheck(t *testing.T) {
	r, _ := newTestRunner(t, `
version: "1.0"
checks:
  a:
    type: log
    message: "a"
    if: "1 / 0 > 0"
`, nil)
	res := mustRun(t, r)

	s := res.Statistics["a"]
	if s == nil || !s.Skipped || s.SkipReason != SkipIfCondition {
		t.Fatalf("a stats = %+v, want skip %q", s, SkipIfCondition)
	}
	if s.TotalRuns != 0 {
		t.Fatalf("a ran despite skip: %+v", s)
	}
}

func TestFailIfErrorEvaluatesFalse(t *testing.T) {
	r, _ := newTestRunner(t, `
version: "1.0"
checks:
  a:
    type: log
    message: "a"
    fail_if: "1 / 0 > 0"
`, nil)
	res := mustRun(t, r)

	wantStats(t, res, "a", 1, 1)
	if hasRule(res.Summary.Issues, "a/a_fail_if") {
		t.Fatalf("fail_if fired on error: %+v", res.Summary.Issues)
	}
}

func TestIfSeesOnlyCurrentWaveCompletions(t *testing.T) {
	// b's condition references a's output, available in the same wave;
	// c's references a check that never ran this wave and stays skipped.
	r, _ := newTestRunner(t, `
version: "1.0"
checks:
  a:
    type: command
    exec: echo '"ready"'
  b:
    type: log
    message: "b"
    depends_on: [a]
    if: 'outputs.a == "ready"'
  c:
    type: log
    message: "c"
    if: 'outputs.nope == "ready"'
`, nil)
	res := mustRun(t, r)

	wantStats(t, res, "b", 1, 1)
	s := res.Statistics["c"]
	if s == nil || !s.Skipped || s.SkipReason != SkipIfCondition {
		t.Fatalf("c stats = %+v, want skip %q", s, SkipIfCondition)
	}
}

func TestFailFastClearsSubsequentLevels(t *testing.T) {
	r, _ := newTestRunner(t, `
version: "1.0"
fail_fast: true
checks:
  a:
    type: log
    message: "a"
    fail_if: "true"
  d:
    type: log
    message: "d"
  b:
    type: log
    message: "b"
    depends_on: [d]
`, nil)
	res := mustRun(t, r)

	if !res.FailFastTriggered {
		t.Fatalf("fail fast not triggered")
	}
	s := res.Statistics["b"]
	if s == nil || !s.Skipped || s.SkipReason != SkipFailFast {
		t.Fatalf("b stats = %+v, want skip %q", s, SkipFailFast)
	}
	if res.ExitCode() != ExitFailFast {
		t.Fatalf("exit code = %d", res.ExitCode())
	}
}

func TestOnSuccessRunForwardsTarget(t *testing.T) {
	r, sink := newTestRunner(t, `
version: "1.0"
checks:
  a:
    type: log
    message: "a"
    on_success:
      run: [followup]
  followup:
    type: log
    message: "later"
    on: [deploy]
`, nil)
	res := mustRun(t, r)

	wantStats(t, res, "a", 1, 1)
	wantStats(t, res, "followup", 1, 1)
	if len(sink.Named(EventForwardRunRequested)) != 1 {
		t.Fatalf("forward run events = %d", len(sink.Named(EventForwardRunRequested)))
	}
}

func TestOnFailRetryRecovers(t *testing.T) {
	r, _ := newTestRunner(t, `
version: "1.0"
checks:
  flaky:
    type: command
    exec: 'if [ -f flag ]; then echo ok; else touch flag; exit 1; fi'
    on_fail:
      retry:
        max: 2
        backoff:
          initial_delay_ms: 1
          jitter: false
`, nil)
	res := mustRun(t, r)

	s := res.Statistics["flaky"]
	if s == nil || s.TotalRuns != 2 || s.SuccessfulRuns != 1 || s.FailedRuns != 1 {
		t.Fatalf("flaky stats = %+v", s)
	}
	if len(res.FailedChecks) != 0 {
		t.Fatalf("failed checks = %v", res.FailedChecks)
	}
}

func TestExternalCriticalitySkipsLogicalRetry(t *testing.T) {
	r, _ := newTestRunner(t, `
version: "1.0"
checks:
  a:
    type: log
    message: "a"
    fail_if: "true"
    criticality: external
    on_fail:
      retry:
        max: 2
`, nil)
	res := mustRun(t, r)

	s := res.Statistics["a"]
	if s == nil || s.TotalRuns != 1 {
		t.Fatalf("a stats = %+v, want a single run", s)
	}
}

func TestInternalCriticalityRetriesLogicalFailure(t *testing.T) {
	r, _ := newTestRunner(t, `
version: "1.0"
checks:
  a:
    type: log
    message: "a"
    fail_if: "true"
    criticality: internal
    on_fail:
      retry:
        max: 1
        backoff:
          initial_delay_ms: 1
          jitter: false
`, nil)
	res := mustRun(t, r)

	s := res.Statistics["a"]
	if s == nil || s.TotalRuns != 2 {
		t.Fatalf("a stats = %+v, want two runs", s)
	}
}

func TestPolicyGateSkips(t *testing.T) {
	r, _ := newTestRunner(t, `
version: "1.0"
checks:
  a:
    type: log
    message: "a"
`, nil)
	r.inputs.Hooks.PolicyGate = func(checkID string) (bool, string) {
		return false, "blocked by policy"
	}
	res := mustRun(t, r)

	s := res.Statistics["a"]
	if s == nil || !s.Skipped || s.SkipReason != SkipPolicyDenied {
		t.Fatalf("a stats = %+v, want skip %q", s, SkipPolicyDenied)
	}
}

func TestMockForCheckShortCircuits(t *testing.T) {
	r, _ := newTestRunner(t, `
version: "1.0"
checks:
  expensive:
    type: command
    exec: "exit 9"
`, nil)
	r.inputs.Hooks.MockForCheck = func(checkID string) (*review.Summary, bool) {
		return &review.Summary{Output: "canned"}, true
	}
	res := mustRun(t, r)

	wantStats(t, res, "expensive", 1, 1)
	hist := res.OutputHistory()["expensive"]
	if len(hist) != 1 || hist[0] != "canned" {
		t.Fatalf("history = %v", hist)
	}
}

func TestExplicitCheckListBypassesEventFilter(t *testing.T) {
	r, _ := newTestRunner(t, `
version: "1.0"
checks:
  a:
    type: log
    message: "a"
    on: [deploy]
  b:
    type: log
    message: "b"
`, func(o *Options) {
		o.Checks = []string{"a"}
	})
	res := mustRun(t, r)

	wantStats(t, res, "a", 1, 1)
	if res.Statistics["b"] != nil {
		t.Fatalf("b ran despite explicit list: %+v", res.Statistics["b"])
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	cfg := loadConfig(t, `
version: "1.0"
checks:
  a:
    type: log
    message: "a"
`)
	cfg.Checks["a"].Goto = "missing"
	if _, err := New(cfg, Inputs{Event: "manual"}, Options{Logger: zerolog.Nop()}); err == nil {
		t.Fatalf("invalid goto accepted")
	} else if Classify(err) != KindConfig {
		t.Fatalf("kind = %q, want %q", Classify(err), KindConfig)
	}
}

func TestUnknownProviderTypeRejected(t *testing.T) {
	cfg := loadConfig(t, `
version: "1.0"
checks:
  a:
    type: log
    message: "a"
`)
	cfg.Checks["a"].Type = "warp"
	reg := provider.NewRegistry()
	if _, err := New(cfg, Inputs{Event: "manual"}, Options{Logger: zerolog.Nop(), Registry: reg}); err == nil {
		t.Fatalf("unknown type accepted")
	}
}

func TestCancelledRunReturnsPartialResult(t *testing.T) {
	r, sink := newTestRunner(t, `
version: "1.0"
checks:
  slow:
    type: command
    exec: sleep 5
`, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Cancel as soon as the provider is underway.
		deadline := time.Now().Add(5 * time.Second)
		for len(sink.Named(EventIterationStart)) == 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	res, err := r.Run(ctx)
	if err == nil {
		t.Fatalf("cancelled run returned no error")
	}
	if Classify(err) != KindCancelled {
		t.Fatalf("kind = %q, want %q", Classify(err), KindCancelled)
	}
	if res == nil {
		t.Fatalf("cancelled run returned no result")
	}
}
