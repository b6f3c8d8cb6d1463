// Package audit runs the deterministic verification pass over a finished
// batch: every generated item's evidence quote must appear in the section
// it claims to come from, and its answer letter must be well-formed.
package audit

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"unicode/utf8"

	"medi/internal/comparator"
	"medi/internal/mcq"
)

// Audit notes attached to flagged items.
const (
	NoteExternalSource = "External source citation detected. Manual verification recommended."
	NoteQuoteNotFound  = "Quote not found verbatim in source."
	NoteInvalidOption  = "Invalid correct option format."
	NoteQuoteTooShort  = "Quote too short."
)

// MinQuoteLength is the shortest quote, in characters, treated as a
// meaningful verbatim check.
const MinQuoteLength = 10

var externalMarkers = []string{"external reference", "nguồn ngoài", "tài liệu ngoài"}

// Source is one finished job as seen by the audit.
type Source struct {
	JobID   string
	Title   string
	Content string
	Items   []mcq.Item
	Failed  bool
	Error   string
}

// JobFailure records a section that produced nothing.
type JobFailure struct {
	JobID string `json:"job_id"`
	Title string `json:"title"`
	Error string `json:"error"`
}

// Result is the audited batch.
type Result struct {
	Items      []mcq.Item   `json:"items"`
	Total      int          `json:"total"`
	Passed     int          `json:"passed"`
	Warnings   int          `json:"warnings"`
	Failed     int          `json:"failed"`
	FailedJobs []JobFailure `json:"failed_jobs,omitempty"`
	Report     string       `json:"report"`
}

// Clone returns a copy of r that shares no slices with it.
func (r Result) Clone() Result {
	r.Items = mcq.CloneItems(r.Items)
	r.FailedJobs = slices.Clone(r.FailedJobs)
	return r
}

// Run audits the items of every completed source, in source order.
func Run(sources []Source) Result {
	var res Result
	for _, src := range sources {
		if src.Failed {
			res.FailedJobs = append(res.FailedJobs, JobFailure{JobID: src.JobID, Title: src.Title, Error: src.Error})
			continue
		}
		res.Items = append(res.Items, src.Items...)
	}
	if len(res.Items) == 0 {
		res.Items = nil
		res.Report = renderReport(res)
		return res
	}

	idx := newSourceIndex(sources)
	audited := make([]mcq.Item, len(res.Items))
	for i, item := range res.Items {
		audited[i] = check(item, idx.lookup(item.SourceHeading))
		switch audited[i].AuditStatus {
		case mcq.AuditPass:
			res.Passed++
		case mcq.AuditWarning:
			res.Warnings++
		case mcq.AuditFail:
			res.Failed++
		}
	}
	res.Items = audited
	res.Total = len(audited)
	res.Report = renderReport(res)
	return res
}

func check(item mcq.Item, simplifiedSource string) mcq.Item {
	status := mcq.AuditPass
	var notes []string

	if !strings.Contains(simplifiedSource, simplify(item.OriginalQuote)) {
		if hasExternalMarker(item.Explanation) {
			status = mcq.Worst(status, mcq.AuditWarning)
			notes = append(notes, NoteExternalSource)
		} else {
			status = mcq.Worst(status, mcq.AuditFail)
			notes = append(notes, NoteQuoteNotFound)
		}
	}
	if !mcq.ValidOption(item.CorrectOption) {
		status = mcq.Worst(status, mcq.AuditFail)
		notes = append(notes, NoteInvalidOption)
	}
	if utf8.RuneCountInString(item.OriginalQuote) < MinQuoteLength {
		status = mcq.Worst(status, mcq.AuditWarning)
		notes = append(notes, NoteQuoteTooShort)
	}

	item.AuditStatus = status
	item.AuditNotes = notes
	return item
}

func hasExternalMarker(explanation string) bool {
	lc := strings.ToLower(explanation)
	for _, m := range externalMarkers {
		if strings.Contains(lc, m) {
			return true
		}
	}
	return false
}

const strippedPunctuation = ".,/#!$%^&*;:{}=-_`~()"

// simplify folds text for the lenient containment check: comparators
// normalized, whitespace collapsed, lowercased, punctuation removed.
func simplify(text string) string {
	text = strings.Join(strings.Fields(comparator.Normalize(text)), " ")
	text = strings.ToLower(text)
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(strippedPunctuation, r) {
			return -1
		}
		return r
	}, text)
}

// sourceIndex caches simplified section text by title.
type sourceIndex struct {
	byTitle  map[string]string
	sources  []Source
	fallback *string
}

func newSourceIndex(sources []Source) *sourceIndex {
	return &sourceIndex{byTitle: make(map[string]string), sources: sources}
}

func (x *sourceIndex) lookup(heading string) string {
	if s, ok := x.byTitle[heading]; ok {
		return s
	}
	for _, src := range x.sources {
		if src.Title == heading {
			s := simplify(src.Content)
			x.byTitle[heading] = s
			return s
		}
	}
	slog.Warn("audit source heading not matched, searching all sections", "heading", heading)
	if x.fallback == nil {
		contents := make([]string, len(x.sources))
		for i, src := range x.sources {
			contents[i] = src.Content
		}
		s := simplify(strings.Join(contents, "\n"))
		x.fallback = &s
	}
	return *x.fallback
}

func renderReport(res Result) string {
	var b strings.Builder
	b.WriteString("**AUDIT SUMMARY**\n")
	fmt.Fprintf(&b, "- Total: %d\n", res.Total)
	fmt.Fprintf(&b, "- Passed: %d\n", res.Passed)
	fmt.Fprintf(&b, "- Warnings: %d\n", res.Warnings)
	fmt.Fprintf(&b, "- Failed: %d\n", res.Failed)
	fmt.Fprintf(&b, "- Failed/Warning: %d\n", res.Failed+res.Warnings)

	if res.Total == 0 {
		b.WriteString("\n*No questions were generated.*\n")
	} else {
		b.WriteString("\n*Code-based verification completed.*\n")
		b.WriteString("*Note: Warnings may indicate valid external source usage.*\n")
	}

	flagged := false
	for i, item := range res.Items {
		if item.AuditStatus == mcq.AuditPass {
			continue
		}
		if !flagged {
			b.WriteString("\n**Flagged items**\n")
			flagged = true
		}
		fmt.Fprintf(&b, "- #%d [%s] %s: %s\n", i+1, item.AuditStatus, headingOrDash(item.SourceHeading), strings.Join(item.AuditNotes, " "))
	}

	if len(res.FailedJobs) > 0 {
		b.WriteString("\n**Failed sections**\n")
		for _, f := range res.FailedJobs {
			fmt.Fprintf(&b, "- %s: %s\n", headingOrDash(f.Title), f.Error)
		}
	}
	return b.String()
}

func headingOrDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
