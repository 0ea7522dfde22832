package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/render"
	"github.com/droverhq/drover/internal/review"
	"github.com/droverhq/drover/internal/sandbox"
)

// DefaultCommandTimeout bounds one subprocess when the check sets no
// timeout.
const DefaultCommandTimeout = 60 * time.Second

// commandWaitDelay is the grace between context cancellation and
// abandoning Wait when a child holds the output pipes open.
const commandWaitDelay = 5 * time.Second

// Command runs a shell command and captures its output. Stdout is parsed
// as JSON when possible; transform (template) and transform_js (sandbox)
// reshape the output, with transform_js always reading the raw stdout
// text.
type Command struct {
	renderer *render.Renderer
	sandbox  *sandbox.Evaluator
	log      zerolog.Logger
}

func NewCommand(renderer *render.Renderer, sb *sandbox.Evaluator, logger zerolog.Logger) *Command {
	return &Command{renderer: renderer, sandbox: sb, log: logger}
}

func (p *Command) Name() string { return "command" }

func (p *Command) Description() string {
	return "runs a shell command and captures its output as the check result"
}

func (p *Command) SupportedKeys() []string {
	return []string{"exec", "env", "timeout", "transform", "transform_js", "forEach", "fanout"}
}

func (p *Command) IsAvailable() bool {
	_, err := exec.LookPath("bash")
	return err == nil
}

func (p *Command) Requirements() []string {
	return []string{"bash on PATH"}
}

func (p *Command) ValidateConfig(check *config.Check) error {
	if strings.TrimSpace(check.Exec) == "" {
		return fmt.Errorf("command: exec is required")
	}
	return nil
}

func (p *Command) Execute(ctx context.Context, run *RunContext, check *config.Check, deps Results, ec *ExecContext) (*review.Summary, error) {
	cmdStr := strings.TrimSpace(p.renderer.Render(check.Exec, ec.Data))
	if cmdStr == "" {
		return nil, fmt.Errorf("command: exec rendered empty")
	}

	timeout := timeoutOf(check, DefaultCommandTimeout)
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "bash", "-c", cmdStr)
	cmd.Dir = run.WorkDir
	cmd.WaitDelay = commandWaitDelay
	// Non-interactive: never block on a child reading stdin.
	cmd.Stdin = strings.NewReader("")
	cmd.Env = p.buildEnv(run, check, ec)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	dur := time.Since(start)

	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("command: timed out after %s", timeout)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	raw := stdout.String()
	if runErr != nil {
		exitCode := -1
		if cmd.ProcessState != nil {
			exitCode = cmd.ProcessState.ExitCode()
		}
		return nil, fmt.Errorf("command: exited %d: %s", exitCode, tail(stderr.String(), 400))
	}
	p.log.Debug().
		Str("check", ec.CheckID).
		Dur("duration", dur).
		Int("stdout_bytes", stdout.Len()).
		Msg("command completed")

	output := parseCommandOutput(raw)
	if check.Transform != "" {
		data := withDataBinding(ec.Data, "output", output)
		data["stdout"] = raw
		output = parseCommandOutput(p.renderer.Render(check.Transform, data))
	}
	if check.TransformJS != "" {
		env := withEnvBinding(ec.Env, "output", raw)
		v, err := p.sandbox.Eval(ctx, check.TransformJS, env)
		if err != nil {
			return nil, fmt.Errorf("command: transform_js: %w", err)
		}
		output = v
	}
	return summaryFromOutput(output), nil
}

// buildEnv layers the process environment, the run env, and the check env.
// Check env values are rendered so they can reference run bindings.
func (p *Command) buildEnv(run *RunContext, check *config.Check, ec *ExecContext) []string {
	env := os.Environ()
	env = append(env, flattenEnv(run.Env)...)
	if len(check.Env) > 0 {
		rendered := make(map[string]string, len(check.Env))
		for k, v := range check.Env {
			rendered[k] = p.renderer.Render(v, ec.Data)
		}
		env = append(env, flattenEnv(rendered)...)
	}
	return env
}

func flattenEnv(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

// parseCommandOutput interprets text as JSON when it decodes, otherwise
// returns the trimmed text. Empty text is nil.
func parseCommandOutput(text string) any {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		return v
	}
	return trimmed
}

func withDataBinding(base map[string]any, key string, val any) map[string]any {
	out := make(map[string]any, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out[key] = val
	return out
}

func withEnvBinding(base sandbox.Env, key string, val any) sandbox.Env {
	out := make(sandbox.Env, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out[key] = val
	return out
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
