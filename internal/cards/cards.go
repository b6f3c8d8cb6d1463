// Package cards generates Anki cloze flashcards for one lesson section and
// recommends which cloze types suit it. Both calls go through the same
// comparator lock, verify and salvage path as question generation.
package cards

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"medi/internal/comparator"
	"medi/internal/llm"
	"medi/internal/prompt"
)

// Type is a cloze card style.
type Type string

// Types lists every accepted card type.
func Types() []Type {
	out := make([]Type, 0, len(prompt.ClozeCatalog))
	for _, t := range prompt.ClozeCatalog {
		out = append(out, Type(t.ID))
	}
	return out
}

// ParseTypes reads a comma-separated type list. Duplicates are dropped and
// the first occurrence keeps its position, since order is the preference.
// An empty string or "auto" means AUTO mode.
func ParseTypes(s string) ([]Type, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "auto" {
		return nil, nil
	}
	known := Types()
	var out []Type
	for _, part := range strings.Split(s, ",") {
		t := Type(strings.TrimSpace(part))
		if t == "" || slices.Contains(out, t) {
			continue
		}
		if !slices.Contains(known, t) {
			return nil, fmt.Errorf("unknown cloze type %q (want auto or any of %s)", t, joinTypes(known))
		}
		out = append(out, t)
	}
	return out, nil
}

func joinTypes(ts []Type) string {
	s := make([]string, len(ts))
	for i, t := range ts {
		s[i] = string(t)
	}
	return strings.Join(s, ", ")
}

// Related is a verbatim excerpt that gives a card its context.
type Related struct {
	Quote    string `json:"quote"`
	Category string `json:"category"`
}

// Card is one cloze flashcard.
type Card struct {
	CardID           string    `json:"cardId,omitempty"`
	ParentID         string    `json:"parentId,omitempty"`
	ClozeText        string    `json:"clozeText"`
	OriginalQuote    string    `json:"originalQuote"`
	RelatedContext   []Related `json:"relatedContext,omitempty"`
	SourceHeading    string    `json:"sourceHeading"`
	SourceLesson     string    `json:"sourceLesson"`
	QuestionCategory string    `json:"questionCategory"`
	ExtraInfo        string    `json:"extraInfo,omitempty"`
}

var reDeletion = regexp.MustCompile(`\{\{c[0-9]+::[^{}]+?\}\}`)

// HasDeletion reports whether text holds at least one {{cN::...}} deletion.
func HasDeletion(text string) bool {
	return reDeletion.MatchString(text)
}

// Request is one card generation. Lesson is the cleaned lesson and Focus the
// heading to work on.
type Request struct {
	Lesson       string
	Specialty    string
	Focus        string
	Source       string
	Instructions string
	Types        []Type
	Extra        string
}

// Result is a generated deck.
type Result struct {
	Cards    []Card `json:"cards"`
	Report   string `json:"report"`
	Dropped  int    `json:"dropped"`
	Salvaged int    `json:"salvaged"`
}

// ErrNoCards is returned when no card in the reply had a cloze deletion.
var ErrNoCards = errors.New("model returned no cloze cards")

// ErrSafetyBlocked is returned when the backend refused the request on
// safety grounds.
var ErrSafetyBlocked = errors.New("request blocked by the model's safety filter")

const salvageWarning = "\n[ComparatorGuard Warning] Output contained corrupted/unknown comparator tokens; salvaged to ASCII comparators before post-processing."

// Generator calls the model for cloze decks.
type Generator struct {
	provider  llm.Provider
	model     string
	thinkMore bool
}

func New(provider llm.Provider, model string, thinkMore bool) *Generator {
	return &Generator{provider: provider, model: model, thinkMore: thinkMore}
}

// locked holds the request texts after locking through one set.
type locked struct {
	set          *comparator.LockSet
	lesson       string
	instructions string
	extra        string
}

func lockRequest(req Request) locked {
	set := comparator.NewLockSet()
	return locked{
		set:          set,
		lesson:       set.Lock(req.Lesson),
		instructions: set.Lock(req.Instructions),
		extra:        set.Lock(req.Extra),
	}
}

func (g *Generator) call(ctx context.Context, what string, p string, temperature float64, jsonOut bool) (llm.Response, error) {
	resp, err := g.provider.Generate(ctx, llm.Request{
		Model:       g.model,
		Prompt:      p,
		Temperature: float32(temperature),
		JSON:        jsonOut,
		ThinkMore:   g.thinkMore && llm.SupportsThinking(g.model),
	})
	if err != nil {
		if strings.Contains(err.Error(), "SAFETY") {
			return llm.Response{}, fmt.Errorf("%w: %w", ErrSafetyBlocked, err)
		}
		return llm.Response{}, fmt.Errorf("%s: %w", what, err)
	}
	return resp, nil
}

// guard canonicalizes raw and salvages it when it carries tokens the lock
// set never issued.
func guard(raw string, set *comparator.LockSet, what string) (string, int) {
	text := comparator.Canonicalize(raw).Text
	sub := comparator.VerifySubset(text, set.Tokens())
	if sub.OK {
		return text, 0
	}
	s := comparator.Salvage(text)
	slog.Warn("comparator tokens salvaged", "call", what, "unknown", len(sub.Unknown), "suspicious", len(sub.Suspicious), "replaced", s.Replaced)
	return s.Text, s.Replaced
}

// Generate writes a cloze deck for req.Focus.
func (g *Generator) Generate(ctx context.Context, req Request) (Result, error) {
	l := lockRequest(req)
	types := make([]string, len(req.Types))
	for i, t := range req.Types {
		types[i] = string(t)
	}

	resp, err := g.call(ctx, "generate cloze cards", prompt.ClozeCards(prompt.Cloze{
		Lesson:       l.lesson,
		Specialty:    req.Specialty,
		Focus:        req.Focus,
		Source:       req.Source,
		Instructions: l.instructions,
		Types:        types,
		Extra:        l.extra,
	}), 0.2, true)
	if err != nil {
		return Result{}, err
	}

	raw, salvaged := guard(resp.Text, l.set, "cards")
	var out struct {
		Flashcards []Card  `json:"flashcards"`
		Report     *string `json:"report"`
	}
	if err := llm.DecodeJSON(raw, &out); err != nil {
		return Result{}, fmt.Errorf("parse cloze output: %w", err)
	}
	if out.Report == nil {
		return Result{}, errors.New("parse cloze output: missing report")
	}

	finish := func(s string) string {
		return comparator.FormatForOutput(comparator.Normalize(l.set.Unlock(s)))
	}
	res := Result{Cards: make([]Card, 0, len(out.Flashcards)), Salvaged: salvaged}
	for _, c := range out.Flashcards {
		if !HasDeletion(c.ClozeText) {
			res.Dropped++
			continue
		}
		c.ClozeText = finish(c.ClozeText)
		c.OriginalQuote = finish(c.OriginalQuote)
		c.ExtraInfo = finish(c.ExtraInfo)
		for i := range c.RelatedContext {
			c.RelatedContext[i].Quote = finish(c.RelatedContext[i].Quote)
		}
		if strings.TrimSpace(c.SourceHeading) == "" {
			c.SourceHeading = req.Focus
		}
		if strings.TrimSpace(c.SourceLesson) == "" {
			c.SourceLesson = req.Source
		}
		res.Cards = append(res.Cards, c)
	}
	if len(res.Cards) == 0 {
		return Result{}, ErrNoCards
	}

	report := finish(*out.Report)
	if salvaged > 0 {
		report += salvageWarning
	}
	if res.Dropped > 0 {
		report += fmt.Sprintf("\n%d card(s) without a cloze deletion were dropped.", res.Dropped)
	}
	res.Report = report + "\n\n---\n" + strings.Join([]string{
		comparator.AuditLine("GEN_IN_LESSON", req.Lesson),
		comparator.AuditLine("GEN_NORM_LESSON", comparator.Normalize(req.Lesson)),
		comparator.AuditLine("GEN_RAW_RESPONSE", raw),
		comparator.AuditLine("GEN_FINAL_REPORT", report),
	}, "\n") + "\n"

	slog.Debug("cloze cards generated", "focus", req.Focus, "cards", len(res.Cards), "dropped", res.Dropped, "model", resp.Model, "output_tokens", resp.OutputTokens)
	return res, nil
}

// Recommend asks which card types suit req.Focus. The reply is plain
// Markdown; req.Types is ignored.
func (g *Generator) Recommend(ctx context.Context, req Request) (string, error) {
	l := lockRequest(req)
	resp, err := g.call(ctx, "recommend cloze types", prompt.ClozeAdvisor(prompt.Cloze{
		Lesson:       l.lesson,
		Specialty:    req.Specialty,
		Focus:        req.Focus,
		Instructions: l.instructions,
	}), 0.1, false)
	if err != nil {
		return "", err
	}
	text, _ := guard(resp.Text, l.set, "advisor")
	return comparator.Normalize(l.set.Unlock(text)), nil
}

// Back renders the extra field of a card: the evidence quote, related
// excerpts and extra notes.
func (c Card) Back() string {
	var b strings.Builder
	fmt.Fprintf(&b, "**BẰNG CHỨNG:**\n> %s\n> *(%s)*", c.OriginalQuote, c.SourceHeading)
	for _, r := range c.RelatedContext {
		fmt.Fprintf(&b, "\n\n**%s:**\n> %s", r.Category, r.Quote)
	}
	if s := strings.TrimSpace(c.ExtraInfo); s != "" {
		fmt.Fprintf(&b, "\n\n%s", s)
	}
	return b.String()
}

// WriteCSV writes cards as text,extra,tags rows for Anki's Cloze note type,
// behind a UTF-8 byte order mark.
func WriteCSV(w io.Writer, cards []Card) error {
	if _, err := io.WriteString(w, "\uFEFF"); err != nil {
		return fmt.Errorf("write csv bom: %w", err)
	}
	cw := csv.NewWriter(w)
	for _, c := range cards {
		tags := strings.Join(strings.Fields(c.QuestionCategory), "_")
		if err := cw.Write([]string{c.ClozeText, c.Back(), tags}); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}
