// Package anthropic adapts the Messages API to the llm contract using the
// official SDK.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/droverhq/drover/internal/llm"
)

// DefaultModel is used when neither the request nor the adapter names one.
const DefaultModel = "claude-sonnet-4-5"

// defaultMaxTokens caps responses when the request leaves MaxTokens unset.
const defaultMaxTokens = 4096

type Adapter struct {
	client    sdk.Client
	model     string
	available bool
}

// New builds an adapter. An empty apiKey yields an unavailable adapter so
// callers can probe with Available before dispatching.
func New(apiKey, baseURL, model string) *Adapter {
	// Retries are the engine's job; the SDK's built-in retry would compound
	// the engine's backoff.
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if base := strings.TrimSpace(baseURL); base != "" {
		// The SDK resolves "v1/messages" against the base, so it must end
		// with a slash to preserve any base path.
		opts = append(opts, option.WithBaseURL(strings.TrimRight(base, "/")+"/"))
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	return &Adapter{
		client:    sdk.NewClient(opts...),
		model:     model,
		available: strings.TrimSpace(apiKey) != "",
	}
}

// NewFromEnv reads ANTHROPIC_API_KEY and ANTHROPIC_BASE_URL.
func NewFromEnv() (*Adapter, error) {
	key := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if key == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	return New(key, os.Getenv("ANTHROPIC_BASE_URL"), ""), nil
}

func (a *Adapter) Name() string { return "anthropic" }

func (a *Adapter) Available() bool { return a != nil && a.available }

func (a *Adapter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: maxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
	}
	system := req.System
	if req.ForceJSON {
		// The Messages API has no JSON response mode; instruct instead.
		if system != "" {
			system += "\n\n"
		}
		system += "Respond with a single valid JSON object and nothing else."
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return llm.Response{}, classify(ctx, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return llm.Response{
		Text:       text.String(),
		Model:      string(msg.Model),
		Provider:   a.Name(),
		StopReason: string(msg.StopReason),
		Usage: llm.Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}, nil
}

func classify(ctx context.Context, err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		var retryAfter *time.Duration
		if apierr.Response != nil {
			retryAfter = llm.ParseRetryAfter(apierr.Response.Header.Get("Retry-After"), time.Now())
		}
		return llm.ErrorFromHTTPStatus("anthropic", apierr.StatusCode, apierr.Error(), retryAfter)
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return llm.NewRequestTimeoutError("anthropic", err.Error())
	}
	// Transport-level failure with no status; default retryable.
	return llm.ErrorFromHTTPStatus("anthropic", 0, err.Error(), nil)
}
