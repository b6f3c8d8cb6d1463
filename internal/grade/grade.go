// Package grade is the essay practice assistant: it checks a student's
// written answer against the cleaned lesson, gives hints, or grades it.
package grade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"slices"
	"strings"

	"medi/internal/comparator"
	"medi/internal/llm"
	"medi/internal/prompt"
)

// Mode selects what the grader does with the answer.
type Mode string

const (
	ModeCheck    Mode = "check"
	ModeHint     Mode = "hint"
	ModeHintPlus Mode = "hint++"
	ModeGrade    Mode = "grade"
)

// ParseMode validates s as a Mode.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(prompt.EssayModes(), string(m)) {
		return "", fmt.Errorf("unknown grader mode %q (want one of %s)", s, strings.Join(prompt.EssayModes(), ", "))
	}
	return m, nil
}

// ErrSafetyBlocked is returned when the backend refused the request on
// safety grounds.
var ErrSafetyBlocked = errors.New("request blocked by the model's safety filter")

var (
	reFragment = regexp.MustCompile(`@{1,3}CMP_(?:GE|LE|GT|LT)_[0-9]{1,6}@{0,3}`)
	reExact    = regexp.MustCompile(`^@@CMP_(?:GE|LE|GT|LT)_[0-9]{4}@@$`)
)

// IntegrityError reports comparator tokens in the reply that the input
// never contained.
type IntegrityError struct {
	Unknown   []string
	Corrupted []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("Comparator Integrity Error (Essay Grader): output contains invalid comparator tokens.\n- Unknown tokens: %s\n- Corrupted fragments: %s",
		listOrNone(e.Unknown), listOrNone(e.Corrupted))
}

func listOrNone(s []string) string {
	if len(s) == 0 {
		return "(none)"
	}
	return strings.Join(s, ", ")
}

// Request is one grader interaction.
type Request struct {
	Mode     Mode
	Document string
	Section  string
	Answer   string
	History  []prompt.Turn
}

// Result is the grader's reply. SRSRating is set in grade mode only.
type Result struct {
	Text      string `json:"text"`
	SRSRating int    `json:"srs_rating,omitempty"`
	Graded    bool   `json:"graded"`
}

// Grader calls the model for essay interactions.
type Grader struct {
	provider  llm.Provider
	model     string
	thinkMore bool
}

// New returns a Grader using model on provider.
func New(provider llm.Provider, model string, thinkMore bool) *Grader {
	return &Grader{provider: provider, model: model, thinkMore: thinkMore}
}

// Respond runs one interaction. Document and answer are locked through a
// single lock set so their tokens never collide.
func (g *Grader) Respond(ctx context.Context, req Request) (Result, error) {
	set := comparator.NewLockSet()
	doc := set.Lock(req.Document)
	answer := set.Lock(req.Answer)

	grading := req.Mode == ModeGrade
	llmReq := llm.Request{
		Model: g.model,
		Prompt: prompt.EssayGrader(prompt.Essay{
			Mode:     string(req.Mode),
			Document: doc,
			Section:  req.Section,
			Answer:   answer,
			History:  req.History,
		}),
		Temperature: 0.1,
		JSON:        grading,
		ThinkMore:   g.thinkMore && llm.SupportsThinking(g.model),
	}
	if grading {
		llmReq.Temperature = 0.3
	}

	resp, err := g.provider.Generate(ctx, llmReq)
	if err != nil {
		if strings.Contains(err.Error(), "SAFETY") {
			return Result{}, fmt.Errorf("%w: %w", ErrSafetyBlocked, err)
		}
		return Result{}, fmt.Errorf("essay %s: %w", req.Mode, err)
	}

	if ierr := checkIntegrity(resp.Text, set); ierr != nil {
		slog.Warn("essay grader reply failed comparator check", "mode", req.Mode, "unknown", len(ierr.Unknown), "corrupted", len(ierr.Corrupted))
		return Result{}, ierr
	}
	finish := func(s string) string { return comparator.Normalize(set.Unlock(s)) }

	if !grading {
		return Result{Text: finish(resp.Text)}, nil
	}
	var out struct {
		GradingReport *string  `json:"gradingReport"`
		SRSRating     *float64 `json:"srsRating"`
	}
	if err := llm.DecodeJSON(resp.Text, &out); err != nil {
		return Result{}, fmt.Errorf("parse grading result: %w", err)
	}
	if out.GradingReport == nil || out.SRSRating == nil {
		return Result{}, errors.New("parse grading result: missing gradingReport or srsRating")
	}
	return Result{
		Text:      finish(*out.GradingReport),
		SRSRating: clampRating(*out.SRSRating),
		Graded:    true,
	}, nil
}

func checkIntegrity(text string, set *comparator.LockSet) *IntegrityError {
	var ierr IntegrityError
	for _, tok := range comparator.ExtractTokens(text) {
		if !set.Contains(tok) {
			ierr.Unknown = append(ierr.Unknown, tok)
		}
	}
	for _, frag := range reFragment.FindAllString(text, -1) {
		if !reExact.MatchString(frag) {
			ierr.Corrupted = append(ierr.Corrupted, frag)
		}
	}
	if len(ierr.Unknown) == 0 && len(ierr.Corrupted) == 0 {
		return nil
	}
	return &ierr
}

func clampRating(r float64) int {
	return int(math.Max(0, math.Min(3, math.Round(r))))
}
