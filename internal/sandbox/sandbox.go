// Package sandbox evaluates user expressions (`if`, `fail_if`, `goto_js`,
// `value_js`, `transform_js`) over a fixed read-only context. It compiles
// with expr-lang, which gives property access, arithmetic, comparisons,
// ternaries, optional chaining, and a whitelisted builtin set with no host
// access: no filesystem, no subprocesses, no network, no imports.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a single evaluation's wall clock.
const DefaultTimeout = 250 * time.Millisecond

// ctxVar is the env key the VM watches for cancellation.
const ctxVar = "ctx"

// ErrorKind classifies evaluation failures.
type ErrorKind string

const (
	ErrSyntax    ErrorKind = "syntax_error"
	ErrReference ErrorKind = "reference_error"
	ErrType      ErrorKind = "type_error"
	ErrTimeout   ErrorKind = "timeout"
)

// Error is a single evaluation failure. One transient per call.
type Error struct {
	Kind ErrorKind
	Expr string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sandbox %s in %q: %v", e.Kind, truncateExpr(e.Expr), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Env is the read-only context for one evaluation.
type Env map[string]any

// Options configures an Evaluator.
type Options struct {
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Evaluator compiles and runs sandboxed expressions. Compiled programs are
// cached by normalized source and are safe for concurrent runs.
type Evaluator struct {
	timeout time.Duration
	log     zerolog.Logger
	cache   *xsync.MapOf[string, *vm.Program]
}

// New returns an Evaluator with the given options.
func New(opts Options) *Evaluator {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Evaluator{
		timeout: timeout,
		log:     opts.Logger,
		cache:   xsync.NewMapOf[string, *vm.Program](),
	}
}

// Eval runs source against env and returns the raw result. Errors carry an
// ErrorKind; callers decide whether an error means false (fail_if) or skip
// (if).
func (e *Evaluator) Eval(ctx context.Context, source string, env Env) (any, error) {
	normalized := Normalize(source)
	if normalized == "" {
		return nil, &Error{Kind: ErrSyntax, Expr: source, Err: errors.New("empty expression")}
	}

	program, err := e.compile(normalized)
	if err != nil {
		return nil, &Error{Kind: ErrSyntax, Expr: source, Err: err}
	}

	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	runEnv := make(map[string]any, len(env)+1)
	for k, v := range env {
		runEnv[k] = v
	}
	runEnv[ctxVar] = evalCtx

	out, err := expr.Run(program, runEnv)
	if err != nil {
		kind := classifyRuntime(evalCtx, err)
		if kind == ErrTimeout {
			e.log.Warn().Str("expr", truncateExpr(source)).Msg("expression timed out")
		}
		return nil, &Error{Kind: kind, Expr: source, Err: err}
	}
	return out, nil
}

// EvalBool runs source and folds the result through JS-like truthiness.
func (e *Evaluator) EvalBool(ctx context.Context, source string, env Env) (bool, error) {
	out, err := e.Eval(ctx, source, env)
	if err != nil {
		return false, err
	}
	return Truthy(out), nil
}

// EvalCondition runs source as a gate expression. Evaluation errors count
// as false: a broken `if` skips its check and a broken `fail_if` never
// fails one. The error is still returned for logging.
func (e *Evaluator) EvalCondition(ctx context.Context, source string, env Env) (bool, error) {
	ok, err := e.EvalBool(ctx, source, env)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// EvalString runs source and returns the result as a string; nil and false
// map to "", which goto handling treats as "no target".
func (e *Evaluator) EvalString(ctx context.Context, source string, env Env) (string, error) {
	out, err := e.Eval(ctx, source, env)
	if err != nil {
		return "", err
	}
	switch v := out.(type) {
	case nil:
		return "", nil
	case bool:
		if !v {
			return "", nil
		}
		return "true", nil
	case string:
		return v, nil
	default:
		return fmt.Sprint(v), nil
	}
}

func (e *Evaluator) compile(normalized string) (*vm.Program, error) {
	if p, ok := e.cache.Load(normalized); ok {
		return p, nil
	}
	program, err := expr.Compile(normalized,
		expr.AllowUndefinedVariables(),
		expr.WithContext(ctxVar),
	)
	if err != nil {
		return nil, err
	}
	actual, _ := e.cache.LoadOrStore(normalized, program)
	return actual, nil
}

// Normalize strips the JS-isms users carry over from snippet-style fields:
// a leading `return `, trailing semicolons, and surrounding whitespace.
// `goto_js: "return 'A';"` evaluates as the expression `'A'`.
func Normalize(source string) string {
	s := strings.TrimSpace(source)
	for strings.HasSuffix(s, ";") {
		s = strings.TrimSpace(strings.TrimSuffix(s, ";"))
	}
	if rest, ok := strings.CutPrefix(s, "return "); ok {
		s = strings.TrimSpace(rest)
	} else if s == "return" {
		s = "nil"
	}
	return s
}

// Truthy applies dynamic-language truthiness: nil, false, zero numbers and
// empty strings are falsy; everything else, including empty collections,
// is truthy.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int8:
		return x != 0
	case int16:
		return x != 0
	case int32:
		return x != 0
	case int64:
		return x != 0
	case uint:
		return x != 0
	case uint8:
		return x != 0
	case uint16:
		return x != 0
	case uint32:
		return x != 0
	case uint64:
		return x != 0
	case float32:
		return x != 0
	case float64:
		return x != 0
	default:
		return true
	}
}

func classifyRuntime(ctx context.Context, err error) ErrorKind {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unknown name") || strings.Contains(msg, "undefined"):
		return ErrReference
	case strings.Contains(msg, "cannot fetch") || strings.Contains(msg, "cannot get"):
		return ErrReference
	default:
		return ErrType
	}
}

func truncateExpr(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 120 {
		return s[:117] + "..."
	}
	return s
}
