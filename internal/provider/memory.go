package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/memstore"
	"github.com/droverhq/drover/internal/review"
	"github.com/droverhq/drover/internal/sandbox"
)

// memoryOps is the closed set of operations a memory check may run.
var memoryOps = map[string]bool{
	"get":       true,
	"has":       true,
	"set":       true,
	"append":    true,
	"increment": true,
	"delete":    true,
	"clear":     true,
	"list":      true,
}

// Memory runs one operation against the shared store and returns the
// resulting value. The namespace is fixed per run; values can be literal
// (value) or computed (value_js).
type Memory struct {
	store     *memstore.Store
	sandbox   *sandbox.Evaluator
	namespace string
}

func NewMemory(store *memstore.Store, sb *sandbox.Evaluator, namespace string) *Memory {
	if store == nil {
		store = memstore.Default()
	}
	return &Memory{store: store, sandbox: sb, namespace: namespace}
}

func (p *Memory) Name() string { return "memory" }

func (p *Memory) Description() string {
	return "runs one operation against the run's shared memory store"
}

func (p *Memory) SupportedKeys() []string {
	return []string{"operation", "key", "value", "value_js"}
}

func (p *Memory) IsAvailable() bool { return true }

func (p *Memory) Requirements() []string { return nil }

func (p *Memory) ValidateConfig(check *config.Check) error {
	op := strings.ToLower(strings.TrimSpace(check.Operation))
	if op == "" {
		return fmt.Errorf("memory: operation is required")
	}
	if !memoryOps[op] {
		return fmt.Errorf("memory: unknown operation %q", check.Operation)
	}
	if op != "clear" && op != "list" && strings.TrimSpace(check.Key) == "" {
		return fmt.Errorf("memory: %s requires a key", op)
	}
	if check.Value != nil && check.ValueJS != "" {
		return fmt.Errorf("memory: value and value_js are mutually exclusive")
	}
	if (op == "set" || op == "append") && check.Value == nil && check.ValueJS == "" {
		return fmt.Errorf("memory: %s requires value or value_js", op)
	}
	return nil
}

func (p *Memory) Execute(ctx context.Context, run *RunContext, check *config.Check, deps Results, ec *ExecContext) (*review.Summary, error) {
	op := strings.ToLower(strings.TrimSpace(check.Operation))
	val := check.Value
	if check.ValueJS != "" {
		v, err := p.sandbox.Eval(ctx, check.ValueJS, ec.Env)
		if err != nil {
			return nil, fmt.Errorf("memory: value_js: %w", err)
		}
		val = v
	}

	var out any
	switch op {
	case "get":
		out, _ = p.store.Get(p.namespace, check.Key)
	case "has":
		out = p.store.Has(p.namespace, check.Key)
	case "set":
		p.store.Set(p.namespace, check.Key, val)
		out = val
	case "append":
		out = p.store.Append(p.namespace, check.Key, val)
	case "increment":
		amount := val
		if amount == nil {
			amount = 1
		}
		v, err := p.store.Increment(p.namespace, check.Key, amount)
		if err != nil {
			return nil, fmt.Errorf("memory: %w", err)
		}
		out = v
	case "delete":
		p.store.Delete(p.namespace, check.Key)
	case "clear":
		p.store.Clear(p.namespace)
	case "list":
		out = p.store.List(p.namespace)
	default:
		return nil, fmt.Errorf("memory: unknown operation %q", check.Operation)
	}
	return &review.Summary{Output: out}, nil
}
