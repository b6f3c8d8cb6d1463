package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI calls any OpenAI-compatible chat completion endpoint.
type OpenAI struct {
	client *openai.Client
}

// NewOpenAI creates an OpenAI provider. baseURL may be empty for the
// default endpoint.
func NewOpenAI(apiKey, baseURL string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg)}, nil
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Generate(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	creq := openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		Temperature: req.Temperature,
	}
	if req.JSON {
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	slog.Debug("llm request", "provider", "openai", "model", req.Model, "json", req.JSON, "prompt_chars", len(req.Prompt))

	result, err := o.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return Response{}, fmt.Errorf("openai generate: %w: %w", ErrRateLimited, err)
		}
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
			return Response{}, fmt.Errorf("openai generate: %w: %w", ErrRateLimited, err)
		}
		return Response{}, fmt.Errorf("openai generate: %w", err)
	}
	if len(result.Choices) == 0 {
		return Response{}, errors.New("openai generate: no choices returned")
	}

	return Response{
		Text:         result.Choices[0].Message.Content,
		Model:        req.Model,
		InputTokens:  result.Usage.PromptTokens,
		OutputTokens: result.Usage.CompletionTokens,
		DurationMS:   int(time.Since(start).Milliseconds()),
	}, nil
}
