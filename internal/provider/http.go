package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/render"
	"github.com/droverhq/drover/internal/review"
)

// DefaultHTTPTimeout bounds one webhook exchange when the check sets no
// timeout.
const DefaultHTTPTimeout = 30 * time.Second

// maxResponseBytes caps how much of an endpoint reply is read.
const maxResponseBytes = 4 << 20

// breakerTripAfter is the consecutive-failure count that opens an
// endpoint's circuit.
const breakerTripAfter = 5

// HTTP posts run context to an endpoint and reads a result back. Each
// endpoint gets its own circuit breaker so a dead webhook fails fast
// instead of stalling every wave.
type HTTP struct {
	client   *http.Client
	renderer *render.Renderer
	log      zerolog.Logger
	breakers *xsync.MapOf[string, *gobreaker.CircuitBreaker]
}

func NewHTTP(client *http.Client, renderer *render.Renderer, logger zerolog.Logger) *HTTP {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTP{
		client:   client,
		renderer: renderer,
		log:      logger,
		breakers: xsync.NewMapOf[string, *gobreaker.CircuitBreaker](),
	}
}

func (p *HTTP) Name() string { return "http" }

func (p *HTTP) Description() string {
	return "posts run context to an HTTP endpoint and reads issues back"
}

func (p *HTTP) SupportedKeys() []string {
	return []string{"url", "method", "headers", "body", "timeout", "forEach", "fanout"}
}

func (p *HTTP) IsAvailable() bool { return true }

func (p *HTTP) Requirements() []string {
	return []string{"network access to the configured url"}
}

func (p *HTTP) ValidateConfig(check *config.Check) error {
	raw := strings.TrimSpace(check.URL)
	if raw == "" {
		return fmt.Errorf("http: url is required")
	}
	// Templated urls are only checkable after rendering.
	if !strings.Contains(raw, "{{") {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("http: url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("http: url scheme must be http or https, got %q", u.Scheme)
		}
	}
	if m := strings.ToUpper(strings.TrimSpace(check.Method)); m != "" {
		switch m {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			return fmt.Errorf("http: unsupported method %q", check.Method)
		}
	}
	return nil
}

func (p *HTTP) Execute(ctx context.Context, run *RunContext, check *config.Check, deps Results, ec *ExecContext) (*review.Summary, error) {
	endpoint := strings.TrimSpace(p.renderer.Render(check.URL, ec.Data))
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("http: invalid url %q", endpoint)
	}

	requestID := uuid.NewString()
	method := strings.ToUpper(firstNonEmpty(check.Method, http.MethodPost))
	body, err := p.requestBody(run, check, deps, ec, requestID, method)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, timeoutOf(check, DefaultHTTPTimeout))
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	for k, v := range check.Headers {
		req.Header.Set(k, p.renderer.Render(v, ec.Data))
	}

	start := time.Now()
	raw, err := p.breakerFor(u).Execute(func() (any, error) {
		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("endpoint returned %s: %s", resp.Status, tail(string(data), 200))
		}
		return data, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("http: circuit open for %s://%s: %w", u.Scheme, u.Host, err)
		}
		return nil, fmt.Errorf("http: %w", err)
	}
	p.log.Debug().
		Str("check", ec.CheckID).
		Str("request_id", requestID).
		Str("endpoint", u.Scheme+"://"+u.Host).
		Dur("duration", time.Since(start)).
		Msg("webhook completed")

	return decodeEndpointResponse(raw.([]byte))
}

// requestBody renders the configured body template or, absent one, builds
// the default payload: request id, check id, event, PR bundle, visible
// outputs, and the dependency results.
func (p *HTTP) requestBody(run *RunContext, check *config.Check, deps Results, ec *ExecContext, requestID, method string) ([]byte, error) {
	if method == http.MethodGet {
		return nil, nil
	}
	if check.Body != "" {
		return []byte(p.renderer.Render(check.Body, ec.Data)), nil
	}
	payload := map[string]any{
		"requestId":    requestID,
		"checkId":      ec.CheckID,
		"event":        run.Event,
		"pr":           run.PR,
		"outputs":      ec.View.Outputs(),
		"dependencies": deps,
	}
	if ec.ItemIndex >= 0 {
		payload["item"] = ec.Item
		payload["index"] = ec.ItemIndex
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("http: encode payload: %w", err)
	}
	return body, nil
}

func (p *HTTP) breakerFor(u *url.URL) *gobreaker.CircuitBreaker {
	key := u.Scheme + "://" + u.Host
	cb, _ := p.breakers.LoadOrCompute(key, func() *gobreaker.CircuitBreaker {
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        key,
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerTripAfter
			},
		})
	})
	return cb
}

// decodeEndpointResponse parses a Summary-shaped JSON reply and validates
// the issue enums. Webhooks are outside the trust boundary, so unknown
// severities or categories reject the response rather than degrade it.
func decodeEndpointResponse(data []byte) (*review.Summary, error) {
	var payload struct {
		Issues  []review.Issue `json:"issues"`
		Output  any            `json:"output"`
		Content string         `json:"content"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("http: response is not valid JSON: %w", err)
	}
	for i := range payload.Issues {
		sev, ok := review.ParseSeverity(string(payload.Issues[i].Severity))
		if !ok {
			return nil, fmt.Errorf("http: %w: issue %d has invalid severity %q", ErrSchemaValidation, i, payload.Issues[i].Severity)
		}
		payload.Issues[i].Severity = sev
		if raw := string(payload.Issues[i].Category); raw != "" {
			cat, ok := review.ParseCategory(raw)
			if !ok {
				return nil, fmt.Errorf("http: %w: issue %d has invalid category %q", ErrSchemaValidation, i, raw)
			}
			payload.Issues[i].Category = cat
		}
	}
	return &review.Summary{
		Issues:  payload.Issues,
		Output:  payload.Output,
		Content: payload.Content,
	}, nil
}
