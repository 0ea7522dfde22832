package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/review"
	"github.com/droverhq/drover/internal/sandbox"
)

// Script evaluates an expression in the sandbox and returns its value as
// the check output. Evaluation shares the dispatch bindings: outputs,
// memory, pr, and the forEach item when at item scope.
type Script struct {
	sandbox *sandbox.Evaluator
}

func NewScript(sb *sandbox.Evaluator) *Script {
	return &Script{sandbox: sb}
}

func (p *Script) Name() string { return "script" }

func (p *Script) Description() string {
	return "evaluates a sandboxed expression and returns its value"
}

func (p *Script) SupportedKeys() []string {
	return []string{"value_js", "forEach", "fanout"}
}

func (p *Script) IsAvailable() bool { return true }

func (p *Script) Requirements() []string { return nil }

func (p *Script) ValidateConfig(check *config.Check) error {
	if strings.TrimSpace(check.ValueJS) == "" {
		return fmt.Errorf("script: value_js is required")
	}
	return nil
}

func (p *Script) Execute(ctx context.Context, run *RunContext, check *config.Check, deps Results, ec *ExecContext) (*review.Summary, error) {
	v, err := p.sandbox.Eval(ctx, check.ValueJS, ec.Env)
	if err != nil {
		return nil, fmt.Errorf("script: %w", err)
	}
	return &review.Summary{Output: v}, nil
}
