package provider

import (
	"context"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/review"
)

// Noop produces an empty result. Workflow checks use it as a grouping
// point: dependents gate on it and forEach fan-out aggregates through it.
type Noop struct {
	name string
}

func NewNoop(name string) *Noop {
	if name == "" {
		name = "noop"
	}
	return &Noop{name: name}
}

func (p *Noop) Name() string { return p.name }

func (p *Noop) Description() string {
	return "produces an empty result; groups and aggregates dependents"
}

func (p *Noop) SupportedKeys() []string {
	return []string{"forEach", "fanout"}
}

func (p *Noop) IsAvailable() bool { return true }

func (p *Noop) Requirements() []string { return nil }

func (p *Noop) ValidateConfig(check *config.Check) error { return nil }

func (p *Noop) Execute(ctx context.Context, run *RunContext, check *config.Check, deps Results, ec *ExecContext) (*review.Summary, error) {
	return &review.Summary{}, nil
}
