package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/droverhq/drover/internal/provider"
	"github.com/droverhq/drover/internal/sandbox"
)

// Kind classifies engine failures for callers that branch on error class.
type Kind string

const (
	KindConfig            Kind = "config_error"
	KindSandbox           Kind = "sandbox_error"
	KindProviderExecution Kind = "provider_execution_error"
	KindSchemaValidation  Kind = "schema_validation_error"
	KindDependency        Kind = "dependency_error"
	KindRouting           Kind = "routing_error"
	KindCancelled         Kind = "cancelled"
	KindInternal          Kind = "internal_error"
)

// Error is a classified engine failure, usually tied to one check.
type Error struct {
	Kind  Kind
	Check string
	Err   error
}

func (e *Error) Error() string {
	if e.Check != "" {
		return fmt.Sprintf("engine %s: check %s: %v", e.Kind, e.Check, e.Err)
	}
	return fmt.Sprintf("engine %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so errors.Is(err, &Error{Kind: KindRouting}) works
// without comparing the wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Check == "" || t.Check == e.Check)
}

// wrapErr builds a classified error, deriving the kind from the cause when
// none is forced.
func wrapErr(kind Kind, check string, err error) *Error {
	if kind == "" {
		kind = Classify(err)
	}
	return &Error{Kind: kind, Check: check, Err: err}
}

// Classify maps an arbitrary failure onto the engine taxonomy. Provider
// errors default to execution errors; schema contract breaches, sandbox
// failures, unknown types, and cancellation keep their own kinds.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, provider.ErrSchemaValidation):
		return KindSchemaValidation
	case errors.Is(err, provider.ErrUnknownType):
		return KindConfig
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	}
	var se *sandbox.Error
	if errors.As(err, &se) {
		return KindSandbox
	}
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindProviderExecution
}

// isLogicalFailure reports whether the failure is a contract breach rather
// than a transient provider fault. Logical failures are never retried for
// checks with external criticality.
func isLogicalFailure(err error) bool {
	switch Classify(err) {
	case KindSchemaValidation, KindConfig, KindSandbox:
		return true
	default:
		return false
	}
}
