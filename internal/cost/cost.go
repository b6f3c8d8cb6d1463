// Package cost estimates LLM spend from token counts.
package cost

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"medi/internal/llm"
)

// Rate holds per-1M-token pricing in USD.
type Rate struct {
	Input  float64 // USD per 1M input tokens
	Output float64 // USD per 1M output tokens
}

// DefaultRates contains hardcoded per-model pricing.
var DefaultRates = map[string]Rate{
	"gemini-3-pro-preview": {Input: 2.00, Output: 12.00},
	"gemini-2.5-pro":       {Input: 1.25, Output: 10.00},
	"gemini-2.5-flash":     {Input: 0.30, Output: 2.50},
	"gpt-4o":               {Input: 2.50, Output: 10.00},
	"gpt-4o-mini":          {Input: 0.15, Output: 0.60},
}

// lookup matches a model by exact name, then by the longest known prefix,
// since backends report versioned names such as gpt-4o-2024-08-06.
func lookup(model string) (Rate, bool) {
	if rate, ok := DefaultRates[model]; ok {
		return rate, true
	}
	best := ""
	for name := range DefaultRates {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return Rate{}, false
	}
	return DefaultRates[best], true
}

// Calculate returns the estimated cost in USD for the given token counts.
func Calculate(model string, inputTokens, outputTokens int) float64 {
	rate, ok := lookup(model)
	if !ok {
		return 0
	}
	inCost := float64(inputTokens) / 1_000_000 * rate.Input
	outCost := float64(outputTokens) / 1_000_000 * rate.Output
	return inCost + outCost
}

// FormatUSD formats a cost as a dollar string (e.g. "$0.42" or "$1.23").
func FormatUSD(cost float64) string {
	return fmt.Sprintf("$%.2f", cost)
}

// FormatRate returns a display string for a model's rate (e.g. "$2.00/$12.00 per 1M tokens").
func FormatRate(model string) string {
	rate, ok := lookup(model)
	if !ok {
		return "unknown pricing"
	}
	return fmt.Sprintf("$%.2f/$%.2f per 1M tokens", rate.Input, rate.Output)
}

// Usage is the token total for one model.
type Usage struct {
	Model        string
	Calls        int
	InputTokens  int
	OutputTokens int
}

// USD is the estimated spend of u.
func (u Usage) USD() float64 {
	return Calculate(u.Model, u.InputTokens, u.OutputTokens)
}

// Tracker wraps a provider and sums the tokens of every successful call.
// It is safe for concurrent use.
type Tracker struct {
	llm.Provider

	mu    sync.Mutex
	usage map[string]*Usage
}

func NewTracker(p llm.Provider) *Tracker {
	return &Tracker{Provider: p, usage: make(map[string]*Usage)}
}

func (t *Tracker) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	resp, err := t.Provider.Generate(ctx, req)
	if err != nil {
		return resp, err
	}
	model := resp.Model
	if model == "" {
		model = req.Model
	}

	t.mu.Lock()
	u := t.usage[model]
	if u == nil {
		u = &Usage{Model: model}
		t.usage[model] = u
	}
	u.Calls++
	u.InputTokens += resp.InputTokens
	u.OutputTokens += resp.OutputTokens
	t.mu.Unlock()
	return resp, nil
}

// Usage returns per-model totals sorted by model name.
func (t *Tracker) Usage() []Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Usage, 0, len(t.usage))
	for _, u := range t.usage {
		out = append(out, *u)
	}
	slices.SortFunc(out, func(a, b Usage) int { return strings.Compare(a.Model, b.Model) })
	return out
}

// Total returns the estimated spend across all models.
func (t *Tracker) Total() float64 {
	var sum float64
	for _, u := range t.Usage() {
		sum += u.USD()
	}
	return sum
}
