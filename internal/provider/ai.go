package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/llm"
	"github.com/droverhq/drover/internal/render"
	"github.com/droverhq/drover/internal/review"
)

// DefaultAITimeout bounds one model call when the check sets no timeout.
const DefaultAITimeout = 5 * time.Minute

// aiSystem frames every model call. Structured runs get the JSON-only
// instruction appended by the adapter when ForceJSON is set.
const aiSystem = "You are a code review assistant. Inspect the provided " +
	"context and report findings precisely. Never invent files, line " +
	"numbers, or diffs that are not in the input."

// AI sends a templated prompt to a model and maps the reply to issues
// and/or structured output.
type AI struct {
	client          *llm.Client
	renderer        *render.Renderer
	defaultModel    string
	defaultProvider string
	schemas         *schemaCache
}

// NewAI wires the model client and the template renderer. defaultModel
// and defaultProvider come from the config document and apply when the
// check does not override them.
func NewAI(client *llm.Client, renderer *render.Renderer, defaultModel, defaultProvider string) *AI {
	return &AI{
		client:          client,
		renderer:        renderer,
		defaultModel:    defaultModel,
		defaultProvider: defaultProvider,
		schemas:         newSchemaCache(),
	}
}

func (p *AI) Name() string { return "ai" }

func (p *AI) Description() string {
	return "sends a templated prompt to a model and collects issues or structured output"
}

func (p *AI) SupportedKeys() []string {
	return []string{"prompt", "appendPrompt", "schema", "template", "ai_model", "ai_provider", "timeout", "forEach", "fanout"}
}

func (p *AI) IsAvailable() bool {
	return p.client != nil && len(p.client.ProviderNames()) > 0
}

func (p *AI) Requirements() []string {
	return []string{"a registered model provider (API key in the environment, or a simulated adapter)"}
}

func (p *AI) ValidateConfig(check *config.Check) error {
	if strings.TrimSpace(check.Prompt) == "" {
		return fmt.Errorf("ai: prompt is required")
	}
	if _, err := p.schemas.For(check.Schema); err != nil {
		return fmt.Errorf("ai: %w", err)
	}
	return nil
}

func (p *AI) Execute(ctx context.Context, run *RunContext, check *config.Check, deps Results, ec *ExecContext) (*review.Summary, error) {
	prompt := strings.TrimSpace(p.renderer.Render(check.Prompt, ec.Data))
	if prompt == "" {
		return nil, fmt.Errorf("ai: prompt rendered empty")
	}
	schema, err := p.schemas.For(check.Schema)
	if err != nil {
		return nil, fmt.Errorf("ai: %w", err)
	}
	structured := schema != nil

	cctx, cancel := context.WithTimeout(ctx, timeoutOf(check, DefaultAITimeout))
	defer cancel()
	resp, err := p.client.Complete(cctx, llm.Request{
		Provider:  firstNonEmpty(check.AIProvider, p.defaultProvider),
		Model:     firstNonEmpty(check.AIModel, p.defaultModel),
		System:    aiSystem,
		Prompt:    prompt,
		ForceJSON: structured,
	})
	if err != nil {
		return nil, err
	}

	if !structured {
		text := strings.TrimSpace(resp.Text)
		return &review.Summary{Output: text, Content: text}, nil
	}

	decoded, err := decodeModelJSON(resp.Text)
	if err != nil {
		return nil, fmt.Errorf("ai: model output is not valid JSON: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return nil, fmt.Errorf("ai: %w: %v", ErrSchemaValidation, err)
	}
	summary := summaryFromOutput(decoded)
	return summary, nil
}

// decodeModelJSON parses a model reply as JSON, tolerating markdown code
// fences and prose around a single object or array.
func decodeModelJSON(text string) (any, error) {
	candidate := strings.TrimSpace(text)
	var v any
	if err := json.Unmarshal([]byte(candidate), &v); err == nil {
		return v, nil
	}
	if fenced, ok := stripFences(candidate); ok {
		if err := json.Unmarshal([]byte(fenced), &v); err == nil {
			return v, nil
		}
	}
	start := strings.IndexAny(candidate, "{[")
	if start < 0 {
		return nil, fmt.Errorf("no JSON value found")
	}
	end := strings.LastIndexAny(candidate, "}]")
	if end <= start {
		return nil, fmt.Errorf("no JSON value found")
	}
	if err := json.Unmarshal([]byte(candidate[start:end+1]), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func stripFences(s string) (string, bool) {
	if !strings.HasPrefix(s, "```") {
		return "", false
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// Drop the language tag line ("json").
		s = s[nl+1:]
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s), true
}
