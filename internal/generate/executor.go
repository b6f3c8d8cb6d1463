package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"medi/internal/batch"
	"medi/internal/comparator"
	"medi/internal/llm"
	"medi/internal/mcq"
	"medi/internal/prompt"
)

// ErrNoItems is returned when the model answered with an empty list.
var ErrNoItems = errors.New("model returned no questions")

// SalvageWarning is appended to a job report when the reply carried
// corrupted or unknown comparator tokens.
const SalvageWarning = "\n[ComparatorGuard Warning] Output contained corrupted/unknown comparator tokens; salvaged to ASCII comparators before post-processing."

// Report is the model's process notes for one job plus comparator audit
// lines.
type Report struct {
	JobID    string
	Title    string
	Text     string
	Salvaged int
}

type reply struct {
	MCQs   []mcq.Item `json:"mcqs"`
	Report string     `json:"report"`
}

// Executor runs generation jobs for the batch scheduler.
type Executor struct {
	provider llm.Provider
	opts     Options
	onReport func(Report)
}

// New returns an executor that calls provider with opts.
func New(provider llm.Provider, opts Options) *Executor {
	return &Executor{provider: provider, opts: opts}
}

// OnReport registers fn to receive each successful job's report. fn is
// called from lane goroutines and must be safe for concurrent use.
func (e *Executor) OnReport(fn func(Report)) {
	e.onReport = fn
}

// Execute implements batch.Executor.
func (e *Executor) Execute(ctx context.Context, job batch.Job, progress func(batch.Step)) ([]mcq.Item, error) {
	progress(batch.StepDecompose)
	set := comparator.NewLockSet()
	content := set.Lock(job.SectionContent)
	instructions := set.Lock(e.opts.CustomInstructions)

	req := llm.Request{
		Model: e.opts.Model,
		Prompt: prompt.Generation(prompt.MCQ{
			Title:           job.SectionTitle,
			Content:         content,
			Specialty:       e.opts.Specialty,
			Mode:            string(e.opts.Mode),
			Weights:         e.opts.Weights,
			ExternalSources: e.opts.ExternalSources,
			Instructions:    instructions,
		}),
		Temperature: Temperature,
		JSON:        true,
		ThinkMore:   e.opts.ThinkMore && llm.SupportsThinking(e.opts.Model),
	}

	progress(batch.StepGenerate)
	resp, err := e.provider.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("generate mcqs: %w", err)
	}

	progress(batch.StepEvaluate)
	raw := comparator.Canonicalize(resp.Text).Text
	var warning string
	salvaged := 0
	if sub := comparator.VerifySubset(raw, set.Tokens()); !sub.OK {
		s := comparator.Salvage(raw)
		raw = s.Text
		salvaged = s.Replaced
		if s.Replaced > 0 {
			warning = SalvageWarning
		}
		slog.Warn("comparator tokens salvaged", "job", job.ShortID(), "unknown", len(sub.Unknown), "suspicious", len(sub.Suspicious), "replaced", s.Replaced)
	}

	var out reply
	if err := llm.DecodeJSON(raw, &out); err != nil {
		return nil, fmt.Errorf("parse generation output: %w", err)
	}
	if len(out.MCQs) == 0 {
		return nil, ErrNoItems
	}

	progress(batch.StepDecide)
	finish := func(s string) string {
		return comparator.FormatForOutput(comparator.Normalize(set.Unlock(s)))
	}
	items := make([]mcq.Item, 0, len(out.MCQs))
	for _, it := range out.MCQs {
		it.Front = finish(it.Front)
		it.CorrectOption = strings.ToUpper(strings.TrimSpace(it.CorrectOption))
		it.Explanation = finish(it.Explanation)
		it.OriginalQuote = finish(it.OriginalQuote)
		it.SourceHeading = finish(it.SourceHeading)
		it.Hint = finish(it.Hint)
		if strings.TrimSpace(it.SourceHeading) == "" {
			it.SourceHeading = job.SectionTitle
		}
		it.AuditStatus = ""
		it.AuditNotes = nil
		items = append(items, it)
	}

	report := finish(out.Report) + warning
	lines := []string{
		comparator.AuditLine("GEN_IN_LESSON", job.SectionContent),
		comparator.AuditLine("GEN_NORM_LESSON", comparator.Normalize(job.SectionContent)),
		comparator.AuditLine("GEN_RAW_RESPONSE", resp.Text),
		comparator.AuditLine("GEN_FINAL_REPORT", report),
	}
	report += "\n\n---\n" + strings.Join(lines, "\n")

	slog.Debug("job generated", "job", job.ShortID(), "items", len(items), "model", resp.Model, "input_tokens", resp.InputTokens, "output_tokens", resp.OutputTokens, "duration_ms", resp.DurationMS)
	if e.onReport != nil {
		e.onReport(Report{JobID: job.ID, Title: job.SectionTitle, Text: report, Salvaged: salvaged})
	}
	progress(batch.StepDone)
	return items, nil
}
