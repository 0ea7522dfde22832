// Package openai adapts the Chat Completions API to the llm contract.
package openai

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	oai "github.com/sashabaranov/go-openai"

	"github.com/droverhq/drover/internal/llm"
)

// DefaultModel is used when neither the request nor the adapter names one.
const DefaultModel = oai.GPT4o

type Adapter struct {
	client    *oai.Client
	model     string
	available bool
}

// New builds an adapter. baseURL overrides the public endpoint, which also
// serves OpenAI-compatible gateways.
func New(apiKey, baseURL, model string) *Adapter {
	cfg := oai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	return &Adapter{
		client:    oai.NewClientWithConfig(cfg),
		model:     model,
		available: strings.TrimSpace(apiKey) != "",
	}
}

// NewFromEnv reads OPENAI_API_KEY and OPENAI_BASE_URL.
func NewFromEnv() (*Adapter, error) {
	key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if key == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	return New(key, os.Getenv("OPENAI_BASE_URL"), ""), nil
}

func (a *Adapter) Name() string { return "openai" }

func (a *Adapter) Available() bool { return a != nil && a.available }

func (a *Adapter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}

	messages := make([]oai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, oai.ChatCompletionMessage{
			Role:    oai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, oai.ChatCompletionMessage{
		Role:    oai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	r := oai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		r.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		r.Temperature = float32(*req.Temperature)
	}
	if req.ForceJSON {
		r.ResponseFormat = &oai.ChatCompletionResponseFormat{
			Type: oai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := a.client.CreateChatCompletion(ctx, r)
	if err != nil {
		return llm.Response{}, classify(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return llm.Response{}, llm.ErrorFromHTTPStatus(a.Name(), 0, "response contained no choices", nil)
	}
	choice := resp.Choices[0]
	return llm.Response{
		Text:       choice.Message.Content,
		Model:      resp.Model,
		Provider:   a.Name(),
		StopReason: string(choice.FinishReason),
		Usage: llm.Usage{
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
		},
	}, nil
}

func classify(ctx context.Context, err error) error {
	var apiErr *oai.APIError
	if errors.As(err, &apiErr) {
		return llm.ErrorFromHTTPStatus("openai", apiErr.HTTPStatusCode, apiErr.Message, nil)
	}
	var reqErr *oai.RequestError
	if errors.As(err, &reqErr) {
		return llm.ErrorFromHTTPStatus("openai", reqErr.HTTPStatusCode, reqErr.Error(), nil)
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return llm.NewRequestTimeoutError("openai", err.Error())
	}
	return llm.ErrorFromHTTPStatus("openai", 0, err.Error(), nil)
}
