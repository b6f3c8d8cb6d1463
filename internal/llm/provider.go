// Package llm defines the contract the rest of medi needs from a language
// model backend and provides Gemini and OpenAI-compatible implementations.
package llm

import (
	"context"
	"slices"
)

// Provider is the interface for LLM backends.
type Provider interface {
	// Name returns the provider name (e.g. "gemini", "openai").
	Name() string

	// Generate sends a single-turn prompt and returns the model output.
	// Rate-limit failures wrap ErrRateLimited.
	Generate(ctx context.Context, req Request) (Response, error)
}

// Request describes one LLM call.
type Request struct {
	Model       string
	Prompt      string
	Temperature float32
	// JSON asks the backend for a JSON object response.
	JSON bool
	// ThinkMore enables extended reasoning on models that support it.
	ThinkMore bool
}

// Response captures the output of an LLM invocation.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	DurationMS   int
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, req Request) (Response, error)

func (f ProviderFunc) Name() string { return "func" }

func (f ProviderFunc) Generate(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// ThinkingBudget is the reasoning token budget used when ThinkMore is set.
const ThinkingBudget = 32768

var thinkingModels = []string{"gemini-3-pro-preview", "gemini-2.5-pro"}

// SupportsThinking reports whether model accepts an extended reasoning budget.
func SupportsThinking(model string) bool {
	return slices.Contains(thinkingModels, model)
}
