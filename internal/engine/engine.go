// Package engine executes a configured check graph: wave planning, level
// dispatch with bounded parallelism, forEach fan-out, dependency gating
// with OR groups, sandboxed if/fail_if evaluation, routing with a loop
// budget, and a commit-ordered journal behind scoped context views. The
// runner is a small state machine: Init, WavePlanning, LevelDispatch,
// WaveRetry, Terminal.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/journal"
	"github.com/droverhq/drover/internal/llm"
	"github.com/droverhq/drover/internal/memstore"
	"github.com/droverhq/drover/internal/provider"
	"github.com/droverhq/drover/internal/render"
	"github.com/droverhq/drover/internal/sandbox"
)

// Inputs is the per-run data bundle supplied by the caller: where to run,
// what triggered it, and the change under review.
type Inputs struct {
	WorkDir string
	Event   string
	PR      *provider.PRInfo
	Env     map[string]string
	Hooks   provider.Hooks
}

// Options tunes a run and wires optional services. Zero values fall back
// to the configuration document and isolated defaults.
type Options struct {
	// Checks restricts the run to an explicit id list; Tags filters by
	// check tags. Both empty means every check matching the event.
	Checks []string
	Tags   []string

	// MaxParallelism overrides the document's value when > 0; FailFast
	// overrides when non-nil.
	MaxParallelism int
	FailFast       *bool

	Debug     bool
	SessionID string
	Logger    zerolog.Logger
	Sink      EventSink

	// Registry defaults to the built-in providers wired with the
	// services below.
	Registry   *provider.Registry
	LLM        *llm.Client
	Memory     *memstore.Store
	HTTPClient *http.Client
	Renderer   *render.Renderer
	Sandbox    *sandbox.Evaluator
}

// Run executes the configured checks once and returns the aggregated
// result. It is the high-level entry point; New/(*Runner).Run expose the
// pieces for callers that hold on to the runner.
func Run(ctx context.Context, cfg *config.Config, inputs Inputs, opts Options) (*Result, error) {
	r, err := New(cfg, inputs, opts)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx)
}

// New validates the configuration against the provider registry and
// builds a runner. Configuration problems are reported all at once.
func New(cfg *config.Config, inputs Inputs, opts Options) (*Runner, error) {
	if cfg == nil {
		return nil, wrapErr(KindConfig, "", fmt.Errorf("configuration is nil"))
	}
	if problems := cfg.Validate(); len(problems) > 0 {
		return nil, wrapErr(KindConfig, "", &config.ValidationError{Problems: problems})
	}

	sessionID := strings.TrimSpace(opts.SessionID)
	if sessionID == "" {
		sessionID = ulid.Make().String()
	}
	log := opts.Logger.With().
		Str("component", "engine").
		Str("session", sessionID).
		Logger()

	sb := opts.Sandbox
	if sb == nil {
		sb = sandbox.New(sandbox.Options{Logger: log})
	}
	renderer := opts.Renderer
	if renderer == nil {
		renderer = render.New(render.Options{ProjectRoot: inputs.WorkDir, Logger: log})
	}
	memory := opts.Memory
	if memory == nil {
		if cfg.Memory.Persist != "" {
			memory = memstore.New(memstore.Options{PersistPath: cfg.Memory.Persist, Logger: log})
		} else {
			memory = memstore.Default()
		}
	}
	registry := opts.Registry
	if registry == nil {
		registry = provider.Builtins(provider.Deps{
			LLM:             opts.LLM,
			Renderer:        renderer,
			Sandbox:         sb,
			Memory:          memory,
			HTTP:            opts.HTTPClient,
			Logger:          log,
			DefaultModel:    cfg.AIModel,
			DefaultProvider: cfg.AIProvider,
			Namespace:       cfg.Memory.Namespace,
		})
	}

	if err := validateProviders(cfg, registry); err != nil {
		return nil, err
	}

	maxParallel := opts.MaxParallelism
	if maxParallel <= 0 {
		maxParallel = cfg.MaxParallelism
	}
	if maxParallel <= 0 {
		maxParallel = 1
	}
	failFast := cfg.FailFast != nil && *cfg.FailFast
	if opts.FailFast != nil {
		failFast = *opts.FailFast
	}
	maxLoops := cfg.Routing.MaxLoops
	if maxLoops <= 0 {
		maxLoops = config.DefaultMaxLoops
	}
	sink := opts.Sink
	if sink == nil {
		sink = NopSink()
	}

	r := &Runner{
		cfg:       cfg,
		inputs:    inputs,
		opts:      opts,
		sessionID: sessionID,
		namespace: cfg.Memory.Namespace,

		journal:  journal.New(),
		stats:    NewStats(),
		registry: registry,
		sandbox:  sb,
		renderer: renderer,
		memory:   memory,
		sink:     sink,
		log:      log,

		maxParallelism: maxParallel,
		failFast:       failFast,
		maxLoops:       maxLoops,

		requested:    map[string]bool{},
		completed:    map[string]bool{},
		skipped:      map[string]string{},
		failed:       map[string]bool{},
		active:       map[string]bool{},
		waveComplete: map[string]bool{},
		forwardGuard: xsync.NewMapOf[string, bool](),
	}
	for _, id := range selectChecks(cfg, opts.Checks, opts.Tags, inputs.Event) {
		r.requested[id] = true
	}
	return r, nil
}

// validateProviders resolves every enabled check's type and runs the
// provider's config validation, collecting all diagnostics.
func validateProviders(cfg *config.Config, registry *provider.Registry) error {
	var problems []string
	for _, id := range sortedCheckIDs(cfg.Checks) {
		check := cfg.Checks[id]
		if check == nil || check.Disabled() {
			continue
		}
		p, err := registry.Resolve(check.Type)
		if err != nil {
			problems = append(problems, fmt.Sprintf("checks.%s.type: unknown provider %q", id, check.Type))
			continue
		}
		if err := p.ValidateConfig(check); err != nil {
			problems = append(problems, fmt.Sprintf("checks.%s: %v", id, err))
		}
	}
	if len(problems) > 0 {
		return wrapErr(KindConfig, "", &config.ValidationError{Problems: problems})
	}
	return nil
}
