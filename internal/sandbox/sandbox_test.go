package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/droverhq/drover/internal/review"
)

func newEvaluator() *Evaluator {
	return New(Options{})
}

func TestEvalArithmeticAndComparison(t *testing.T) {
	e := newEvaluator()
	ctx := context.Background()

	out, err := e.Eval(ctx, "1 + 2 * 3", nil)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if out != 7 {
		t.Fatalf("out = %v, want 7", out)
	}

	ok, err := e.EvalBool(ctx, "2 > 1 && 'a' != 'b'", nil)
	if err != nil || !ok {
		t.Fatalf("bool = %v, %v", ok, err)
	}

	out, err = e.Eval(ctx, "true ? 'yes' : 'no'", nil)
	if err != nil || out != "yes" {
		t.Fatalf("ternary = %v, %v", out, err)
	}
}

func TestEvalPropertyAndOptionalAccess(t *testing.T) {
	e := newEvaluator()
	env := Env{
		"outputs": map[string]any{
			"security": map[string]any{"score": 7},
		},
	}
	out, err := e.Eval(context.Background(), "outputs.security.score >= 5", env)
	if err != nil || out != true {
		t.Fatalf("got %v, %v", out, err)
	}
	// Optional chaining over a missing key must not error.
	out, err = e.Eval(context.Background(), "outputs.missing?.score", env)
	if err != nil {
		t.Fatalf("optional access errored: %v", err)
	}
	if out != nil {
		t.Fatalf("optional access = %v, want nil", out)
	}
}

func TestUndefinedVariableIsNil(t *testing.T) {
	e := newEvaluator()
	ok, err := e.EvalBool(context.Background(), "neverDefined", nil)
	if err != nil {
		t.Fatalf("undefined variable should not error: %v", err)
	}
	if ok {
		t.Fatal("undefined variable should be falsy")
	}
}

func TestNormalizeStripsReturnAndSemicolons(t *testing.T) {
	cases := map[string]string{
		"return 'A'":       "'A'",
		"return 'A';":      "'A'",
		"  return x > 1;;": "x > 1",
		"x > 1":            "x > 1",
		"returnValue":      "returnValue",
		"return":           "nil",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGotoJSStyleSnippet(t *testing.T) {
	e := newEvaluator()
	got, err := e.EvalString(context.Background(), "return 'A'", nil)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if got != "A" {
		t.Fatalf("goto target = %q, want A", got)
	}

	got, err = e.EvalString(context.Background(), "return nil", nil)
	if err != nil || got != "" {
		t.Fatalf("nil target = %q, %v", got, err)
	}
}

func TestTruthy(t *testing.T) {
	cases := []struct {
		v    any
		want bool
	}{
		{nil, false},
		{false, false},
		{true, true},
		{"", false},
		{"x", true},
		{0, false},
		{0.0, false},
		{int64(0), false},
		{1, true},
		{-1, true},
		{[]any{}, true},
		{map[string]any{}, true},
	}
	for _, tc := range cases {
		if got := Truthy(tc.v); got != tc.want {
			t.Errorf("Truthy(%#v) = %v, want %v", tc.v, got, tc.want)
		}
	}
}

func TestSyntaxErrorKind(t *testing.T) {
	e := newEvaluator()
	_, err := e.Eval(context.Background(), "1 +* 2", nil)
	if err == nil {
		t.Fatal("want syntax error")
	}
	var se *Error
	if !errors.As(err, &se) || se.Kind != ErrSyntax {
		t.Fatalf("err = %v, want syntax_error", err)
	}
}

func TestEmptyExpressionIsSyntaxError(t *testing.T) {
	e := newEvaluator()
	_, err := e.Eval(context.Background(), "   ;", nil)
	var se *Error
	if !errors.As(err, &se) || se.Kind != ErrSyntax {
		t.Fatalf("err = %v, want syntax_error", err)
	}
}

func TestClassifyTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)
	if kind := classifyRuntime(ctx, errors.New("interrupted")); kind != ErrTimeout {
		t.Fatalf("kind = %v, want timeout", kind)
	}
}

func TestBuiltinWhitelist(t *testing.T) {
	e := newEvaluator()
	out, err := e.Eval(context.Background(), `upper("abc")`, nil)
	if err != nil || out != "ABC" {
		t.Fatalf("upper = %v, %v", out, err)
	}
	out, err = e.Eval(context.Background(), `len([1, 2, 3])`, nil)
	if err != nil || out != 3 {
		t.Fatalf("len = %v, %v", out, err)
	}
}

func TestHelperBindings(t *testing.T) {
	h := Helpers{
		Issues: []review.Issue{
			{RuleID: "sec/injection", Severity: review.SeverityCritical, Category: review.CategorySecurity},
			{RuleID: "style/naming", Severity: review.SeverityInfo, Category: review.CategoryStyle},
		},
		FilesChanged: []string{"src/auth/login.go", "docs/readme.md"},
		Permission:   "MEMBER",
	}
	e := newEvaluator()
	env := Env(h.Bindings())
	ctx := context.Background()

	cases := []struct {
		expr string
		want bool
	}{
		{`contains("abcdef", "cde")`, true},
		{`contains(["a", "b"], "b")`, true},
		{`startsWith("drover", "dro")`, true},
		{`endsWith("drover", "ver")`, true},
		{`length("abc") == 3`, true},
		{`always()`, true},
		{`success()`, true},
		{`failure()`, false},
		{`hasIssue("critical")`, true},
		{`hasIssue("security")`, true},
		{`hasIssue("error")`, false},
		{`countIssues() == 2`, true},
		{`countIssues("critical") == 1`, true},
		{`hasFileMatching("src/**/*.go")`, true},
		{`hasFileMatching("**/*.py")`, false},
		{`hasMinPermission("contributor")`, true},
		{`hasMinPermission("owner")`, false},
		{`isMember()`, true},
		{`isOwner()`, false},
	}
	for _, tc := range cases {
		got, err := e.EvalBool(ctx, tc.expr, env)
		if err != nil {
			t.Errorf("%s: %v", tc.expr, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestHelperFailureMode(t *testing.T) {
	h := Helpers{Failed: true}
	e := newEvaluator()
	env := Env(h.Bindings())
	if ok, _ := e.EvalBool(context.Background(), "failure()", env); !ok {
		t.Fatal("failure() should be true when Failed is set")
	}
	if ok, _ := e.EvalBool(context.Background(), "success()", env); ok {
		t.Fatal("success() should be false when Failed is set")
	}
}

func TestLogHelperReturnsNil(t *testing.T) {
	h := Helpers{}
	e := newEvaluator()
	ok, err := e.EvalBool(context.Background(), `log("debugging", 42)`, Env(h.Bindings()))
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if ok {
		t.Fatal("log(...) must be falsy so it cannot trip fail_if")
	}
}

func TestProgramCacheReuse(t *testing.T) {
	e := newEvaluator()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		out, err := e.Eval(ctx, "a + b", Env{"a": 1, "b": 2})
		if err != nil || out != 3 {
			t.Fatalf("cached eval = %v, %v", out, err)
		}
	}
	if e.cache.Size() != 1 {
		t.Fatalf("cache size = %d, want 1", e.cache.Size())
	}
}
