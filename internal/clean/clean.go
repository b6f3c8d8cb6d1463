// Package clean restructures raw extracted study text into markdown while
// guaranteeing every comparator of the input survives the model round trip.
package clean

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"medi/internal/comparator"
	"medi/internal/llm"
	"medi/internal/prompt"
)

// MaxAttempts is the number of model calls Clean makes before giving up.
const MaxAttempts = 2

const failsafeSamples = 5

// ErrEmptyInput is returned for blank input text.
var ErrEmptyInput = errors.New("input text is empty")

// IntegrityError reports comparator tokens that were lost or corrupted on
// every attempt.
type IntegrityError struct {
	Attempts int
	Missing  []string
	Unknown  []string // unknown tokens followed by suspicious fragments
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("Comparator Integrity Error after %d attempts. Missing: %s. Unknown/Corrupt: %s.",
		e.Attempts, orNone(e.Missing), orNone(e.Unknown))
}

func orNone(s []string) string {
	if len(s) == 0 {
		return "none"
	}
	return strings.Join(s, ", ")
}

// Result is the cleaned document.
type Result struct {
	CleanedText     string `json:"cleanedText"`
	TableOfContents string `json:"tableOfContents"`
	Attempts        int    `json:"-"`
}

// Cleaner calls the model to restructure text.
type Cleaner struct {
	provider  llm.Provider
	model     string
	thinkMore bool
}

// New returns a Cleaner using model on provider.
func New(provider llm.Provider, model string, thinkMore bool) *Cleaner {
	return &Cleaner{provider: provider, model: model, thinkMore: thinkMore}
}

// Clean normalizes and locks text, asks the model to restructure it and
// verifies that every lock token came back. A failed attempt is retried
// once at temperature 0 with a stricter preamble.
func (c *Cleaner) Clean(ctx context.Context, text string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, ErrEmptyInput
	}
	locked := comparator.Lock(comparator.Normalize(text))
	slog.Debug("cleaning text", "chars", len(text), "tokens", len(locked.Tokens), "model", c.model)

	var (
		lastErr  error
		failed   *IntegrityError
		failsafe bool
		missing  []string
	)
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		req := llm.Request{
			Model:       c.model,
			Prompt:      prompt.Cleaning(locked.Text, failsafe, missing),
			Temperature: 0.1,
			JSON:        true,
			ThinkMore:   c.thinkMore && llm.SupportsThinking(c.model),
		}
		if failsafe {
			req.Temperature = 0
		}

		res, integrity, err := c.attempt(ctx, req, locked)
		switch {
		case err != nil:
			slog.Warn("cleaning attempt failed", "attempt", attempt, "err", err)
			lastErr = err
			failed = nil
			if ctx.Err() != nil {
				return Result{}, fmt.Errorf("failed to restructure text after %d attempts: %w", attempt, err)
			}
			if missing == nil {
				missing = sample(locked.Tokens)
			}
		case integrity != nil:
			integrity.Attempts = attempt
			slog.Warn("cleaning lost comparator tokens", "attempt", attempt, "missing", len(integrity.Missing), "unknown", len(integrity.Unknown))
			failed = integrity
			missing = sample(integrity.Missing)
		default:
			res.Attempts = attempt
			return res, nil
		}
		failsafe = true
	}

	if failed != nil {
		return Result{}, failed
	}
	return Result{}, fmt.Errorf("failed to restructure text after %d attempts: %w", MaxAttempts, lastErr)
}

func (c *Cleaner) attempt(ctx context.Context, req llm.Request, locked comparator.Locked) (Result, *IntegrityError, error) {
	resp, err := c.provider.Generate(ctx, req)
	if err != nil {
		return Result{}, nil, err
	}
	var raw struct {
		CleanedText     *string `json:"cleanedText"`
		TableOfContents *string `json:"tableOfContents"`
	}
	if err := llm.DecodeJSON(resp.Text, &raw); err != nil {
		return Result{}, nil, err
	}
	if raw.CleanedText == nil || raw.TableOfContents == nil {
		return Result{}, nil, errors.New("model reply is missing cleanedText or tableOfContents")
	}

	cleaned := comparator.Canonicalize(*raw.CleanedText).Text
	toc := comparator.Canonicalize(*raw.TableOfContents).Text
	verifiable := cleaned + "\n" + toc

	present := comparator.VerifyAllPresent(verifiable, locked.Tokens)
	subset := comparator.VerifySubset(verifiable, locked.Tokens)
	if !present.OK || !subset.OK {
		return Result{}, &IntegrityError{
			Missing: present.Missing,
			Unknown: append(append([]string{}, subset.Unknown...), subset.Suspicious...),
		}, nil
	}
	return Result{
		CleanedText:     comparator.Normalize(locked.Unlock(cleaned)),
		TableOfContents: comparator.Normalize(locked.Unlock(toc)),
	}, nil, nil
}

func sample(tokens []string) []string {
	if len(tokens) > failsafeSamples {
		tokens = tokens[:failsafeSamples]
	}
	return append([]string{}, tokens...)
}
