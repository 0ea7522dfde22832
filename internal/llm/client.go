// Package llm unifies the model providers behind one completion client.
// Adapters translate requests to their SDK, classify HTTP failures into the
// shared retryable taxonomy, and report availability so the engine can fall
// back to simulation when no credentials are configured.
package llm

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"context"
)

// Request is a single completion call.
type Request struct {
	// Provider selects the adapter; empty uses the client default.
	Provider string
	// Model is the provider-native model id; empty uses the adapter default.
	Model  string
	System string
	Prompt string
	// MaxTokens caps the response; 0 lets the adapter choose.
	MaxTokens   int
	Temperature *float64
	// ForceJSON asks the provider for a single JSON object response, via
	// response_format where the API supports it and a system instruction
	// otherwise.
	ForceJSON bool
}

// Validate reports structural problems before any network work.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return &ConfigurationError{Message: "prompt is required"}
	}
	if r.MaxTokens < 0 {
		return &ConfigurationError{Message: fmt.Sprintf("max tokens must be >= 0, got %d", r.MaxTokens)}
	}
	return nil
}

// Usage carries token accounting when the provider reports it.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is the adapter-normalized completion result.
type Response struct {
	Text       string
	Model      string
	Provider   string
	StopReason string
	Usage      Usage
}

// ProviderAdapter is implemented per model API.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
	// Available reports whether the adapter is usable (credentials present).
	Available() bool
}

// Options configures a Client.
type Options struct {
	// RequestsPerSecond throttles completion calls across all adapters.
	// Zero disables throttling.
	RequestsPerSecond float64
	Burst             int
	Logger            zerolog.Logger
}

// Client routes completion requests to registered adapters.
type Client struct {
	adapters        map[string]ProviderAdapter
	defaultProvider string
	limiter         *rate.Limiter
	log             zerolog.Logger
}

// NewClient builds an empty client; register adapters before use.
func NewClient(opts Options) *Client {
	c := &Client{
		adapters: map[string]ProviderAdapter{},
		log:      opts.Logger,
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return c
}

// Register adds an adapter. The first registered adapter becomes the
// default provider.
func (c *Client) Register(a ProviderAdapter) {
	name := canonicalProvider(a.Name())
	c.adapters[name] = a
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

// SetDefaultProvider overrides the default used for requests without an
// explicit provider.
func (c *Client) SetDefaultProvider(name string) {
	c.defaultProvider = canonicalProvider(name)
}

// ProviderNames lists registered adapters in stable order.
func (c *Client) ProviderNames() []string {
	if c == nil || len(c.adapters) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.adapters))
	for name := range c.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the adapter a request with this provider value would use.
func (c *Client) Resolve(provider string) (ProviderAdapter, error) {
	name := canonicalProvider(provider)
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		return nil, &ConfigurationError{Message: "no provider specified and no default provider configured"}
	}
	adapter, ok := c.adapters[name]
	if !ok {
		return nil, &ConfigurationError{Message: fmt.Sprintf("unknown provider: %s", name)}
	}
	return adapter, nil
}

// Complete validates, throttles, and dispatches a request.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}
	adapter, err := c.Resolve(req.Provider)
	if err != nil {
		return Response{}, err
	}
	req.Provider = adapter.Name()
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, NewRequestTimeoutError(req.Provider, err.Error())
		}
	}
	start := time.Now()
	resp, err := adapter.Complete(ctx, req)
	evt := c.log.Debug().
		Str("provider", req.Provider).
		Str("model", req.Model).
		Dur("duration", time.Since(start))
	if err != nil {
		evt.Err(err).Msg("completion failed")
		return Response{}, err
	}
	evt.Int64("input_tokens", resp.Usage.InputTokens).
		Int64("output_tokens", resp.Usage.OutputTokens).
		Msg("completion")
	if resp.Provider == "" {
		resp.Provider = req.Provider
	}
	return resp, nil
}

// Retryable reports whether err belongs to the retryable side of the
// taxonomy. Unknown error values are not retried.
func Retryable(err error) bool {
	var le Error
	if asError(err, &le) {
		return le.Retryable()
	}
	return false
}

// RetryAfterOf extracts a server-advised delay, if any.
func RetryAfterOf(err error) *time.Duration {
	var le Error
	if asError(err, &le) {
		return le.RetryAfter()
	}
	return nil
}

func canonicalProvider(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "claude":
		return "anthropic"
	case "gpt", "chatgpt":
		return "openai"
	default:
		return n
	}
}
