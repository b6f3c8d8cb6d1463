package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/genai"
)

// Gemini calls the Google Gemini API.
type Gemini struct {
	client *genai.Client
}

// NewGemini creates a Gemini provider authenticated with apiKey.
func NewGemini(ctx context.Context, apiKey string) (*Gemini, error) {
	return newGemini(ctx, apiKey, "")
}

// newGemini points the client at baseURL when set.
func newGemini(ctx context.Context, apiKey, baseURL string) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{client: client}, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Generate(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(req.Temperature),
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	if req.ThinkMore && SupportsThinking(req.Model) {
		cfg.ThinkingConfig = &genai.ThinkingConfig{
			ThinkingBudget: genai.Ptr[int32](ThinkingBudget),
		}
	}

	slog.Debug("llm request", "provider", "gemini", "model", req.Model, "json", req.JSON, "think_more", cfg.ThinkingConfig != nil, "prompt_chars", len(req.Prompt))

	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}
	result, err := g.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == http.StatusTooManyRequests || apiErr.Status == "RESOURCE_EXHAUSTED") {
			return Response{}, fmt.Errorf("gemini generate: %w: %w", ErrRateLimited, err)
		}
		return Response{}, fmt.Errorf("gemini generate: %w", err)
	}

	resp := Response{
		Text:       result.Text(),
		Model:      req.Model,
		DurationMS: int(time.Since(start).Milliseconds()),
	}
	if u := result.UsageMetadata; u != nil {
		resp.InputTokens = int(u.PromptTokenCount)
		resp.OutputTokens = int(u.CandidatesTokenCount)
	}
	if resp.Text == "" {
		return resp, errors.New("gemini generate: empty response")
	}
	return resp, nil
}
