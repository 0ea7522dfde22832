package provider

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/llm"
	"github.com/droverhq/drover/internal/memstore"
	"github.com/droverhq/drover/internal/render"
	"github.com/droverhq/drover/internal/sandbox"
)

// ErrUnknownType reports a check whose type has no registered provider.
var ErrUnknownType = errors.New("unknown provider type")

// Registry resolves check types to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: map[string]Provider{}}
}

// Register adds p under its own name.
func (r *Registry) Register(p Provider) {
	r.RegisterAs(p.Name(), p)
}

// RegisterAs adds p under an explicit type string, used for aliases such
// as webhook. Later registrations overwrite earlier ones.
func (r *Registry) RegisterAs(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.providers == nil {
		r.providers = map[string]Provider{}
	}
	r.providers[strings.ToLower(strings.TrimSpace(name))] = p
}

// Resolve returns the provider for a check type.
func (r *Registry) Resolve(typ string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(typ))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	return p, nil
}

// Types returns the registered type strings, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for t := range r.providers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Deps wires the services the built-in providers run on. Nil fields fall
// back to isolated defaults so partial wiring stays usable in tests.
type Deps struct {
	LLM      *llm.Client
	Renderer *render.Renderer
	Sandbox  *sandbox.Evaluator
	Memory   *memstore.Store
	HTTP     *http.Client
	Logger   zerolog.Logger

	// DefaultModel and DefaultProvider come from the config document's
	// ai_model / ai_provider; checks override per key.
	DefaultModel    string
	DefaultProvider string

	// Namespace is the run's memory namespace.
	Namespace string
}

// Builtins returns a registry with every built-in provider registered:
// ai, command, http (aliased as webhook), script, memory, log, noop, and
// workflow.
func Builtins(d Deps) *Registry {
	if d.Renderer == nil {
		d.Renderer = render.New(render.Options{Logger: d.Logger})
	}
	if d.Sandbox == nil {
		d.Sandbox = sandbox.New(sandbox.Options{Logger: d.Logger})
	}
	if d.Memory == nil {
		d.Memory = memstore.Default()
	}
	if d.HTTP == nil {
		d.HTTP = &http.Client{}
	}

	r := NewRegistry()
	r.Register(NewAI(d.LLM, d.Renderer, d.DefaultModel, d.DefaultProvider))
	r.Register(NewCommand(d.Renderer, d.Sandbox, d.Logger))
	web := NewHTTP(d.HTTP, d.Renderer, d.Logger)
	r.Register(web)
	r.RegisterAs("webhook", web)
	r.Register(NewScript(d.Sandbox))
	r.Register(NewMemory(d.Memory, d.Sandbox, d.Namespace))
	r.Register(NewLog(d.Renderer, d.Logger))
	r.RegisterAs("workflow", NewNoop("workflow"))
	r.RegisterAs("noop", NewNoop("noop"))
	return r
}

// DefaultFanout returns the fanout mode for a provider kind when the
// check does not set one. Side-effect kinds collapse to reduce; everything
// else maps per item.
func DefaultFanout(typ string) string {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "log", "memory", "script", "workflow", "noop":
		return config.FanoutReduce
	default:
		return config.FanoutMap
	}
}
