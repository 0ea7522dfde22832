package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/render"
	"github.com/droverhq/drover/internal/review"
)

// Log renders the message template into the run log and carries the
// rendered text as content. It produces no output, so fan-out parents
// pass their items through log checks unchanged.
type Log struct {
	renderer *render.Renderer
	log      zerolog.Logger
}

func NewLog(renderer *render.Renderer, logger zerolog.Logger) *Log {
	return &Log{renderer: renderer, log: logger}
}

func (p *Log) Name() string { return "log" }

func (p *Log) Description() string {
	return "renders a message template into the run log"
}

func (p *Log) SupportedKeys() []string {
	return []string{"message", "level"}
}

func (p *Log) IsAvailable() bool { return true }

func (p *Log) Requirements() []string { return nil }

func (p *Log) ValidateConfig(check *config.Check) error {
	if strings.TrimSpace(check.Message) == "" {
		return fmt.Errorf("log: message is required")
	}
	if check.Level != "" {
		if _, err := parseLogLevel(check.Level); err != nil {
			return fmt.Errorf("log: %w", err)
		}
	}
	return nil
}

func (p *Log) Execute(ctx context.Context, run *RunContext, check *config.Check, deps Results, ec *ExecContext) (*review.Summary, error) {
	msg := p.renderer.Render(check.Message, ec.Data)
	lvl := zerolog.InfoLevel
	if check.Level != "" {
		parsed, err := parseLogLevel(check.Level)
		if err != nil {
			return nil, fmt.Errorf("log: %w", err)
		}
		lvl = parsed
	}
	p.log.WithLevel(lvl).Str("check", ec.CheckID).Msg(msg)
	return &review.Summary{Content: msg}, nil
}

func parseLogLevel(raw string) (zerolog.Level, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("unknown level %q", raw)
	}
	switch lvl {
	case zerolog.DebugLevel, zerolog.InfoLevel, zerolog.WarnLevel, zerolog.ErrorLevel:
		return lvl, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown level %q", raw)
	}
}
