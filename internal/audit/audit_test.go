package audit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medi/internal/mcq"
)

const asthma = "## Asthma > Diagnosis\nFEV1 increase >= 12% and 200 mL after bronchodilator confirms reversibility (GINA 2024)."

func item(heading, quote, option, explanation string) mcq.Item {
	return mcq.Item{
		Front:         "Which finding confirms reversibility?",
		CorrectOption: option,
		Explanation:   explanation,
		OriginalQuote: quote,
		SourceHeading: heading,
	}
}

func TestRunClassification(t *testing.T) {
	t.Parallel()
	src := Source{
		JobID:   "job-1",
		Title:   "Asthma > Diagnosis",
		Content: asthma,
		Items: []mcq.Item{
			item("Asthma > Diagnosis", "FEV1 increase ≥ 12% and 200 mL after bronchodilator", "B", "Spirometry"),
			item("Asthma > Diagnosis", "Peak flow variability above 20 percent", "A", "From an external reference (GINA)."),
			item("Asthma > Diagnosis", "FEV1 increase >= 12% and 200 mL", "E", "Spirometry"),
			item("Asthma > Diagnosis", "Sputum eosinophils above three percent", "C", "Made up"),
			item("Asthma > Diagnosis", "FEV1", "D", "Short"),
		},
	}

	res := Run([]Source{src})
	require.Len(t, res.Items, 5)

	assert.Equal(t, mcq.AuditPass, res.Items[0].AuditStatus, "exact quote after normalization")
	assert.Empty(t, res.Items[0].AuditNotes)

	assert.Equal(t, mcq.AuditWarning, res.Items[1].AuditStatus)
	assert.Equal(t, []string{NoteExternalSource}, res.Items[1].AuditNotes)

	assert.Equal(t, mcq.AuditFail, res.Items[2].AuditStatus, "invalid option fails even when the quote matches")
	assert.Equal(t, []string{NoteInvalidOption}, res.Items[2].AuditNotes)

	assert.Equal(t, mcq.AuditFail, res.Items[3].AuditStatus)
	assert.Equal(t, []string{NoteQuoteNotFound}, res.Items[3].AuditNotes)

	assert.Equal(t, mcq.AuditWarning, res.Items[4].AuditStatus)
	assert.Equal(t, []string{NoteQuoteTooShort}, res.Items[4].AuditNotes)

	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 1, res.Passed)
	assert.Equal(t, 2, res.Warnings)
	assert.Equal(t, 2, res.Failed)
	assert.Contains(t, res.Report, "**AUDIT SUMMARY**")
	assert.Contains(t, res.Report, "- Failed/Warning: 4")
}

func TestWorstStatusWins(t *testing.T) {
	t.Parallel()
	// Missing quote (fail) plus a short quote (warning) must stay fail.
	src := Source{Title: "T", Content: "nothing relevant here", Items: []mcq.Item{item("T", "zzz", "A", "")}}
	res := Run([]Source{src})
	require.Len(t, res.Items, 1)
	assert.Equal(t, mcq.AuditFail, res.Items[0].AuditStatus)
	assert.Equal(t, []string{NoteQuoteNotFound, NoteQuoteTooShort}, res.Items[0].AuditNotes)
}

func TestHeadingFallbackSearchesAllSections(t *testing.T) {
	t.Parallel()
	sources := []Source{
		{Title: "A", Content: "alpha section text"},
		{Title: "B", Content: "beta section mentions hyperkalemia above 5.5 mmol/L", Items: []mcq.Item{
			item("Unknown heading", "hyperkalemia above 5.5 mmol/L", "A", ""),
		}},
	}
	res := Run(sources)
	require.Len(t, res.Items, 1)
	assert.Equal(t, mcq.AuditPass, res.Items[0].AuditStatus)
}

func TestFailedJobsContributeNothing(t *testing.T) {
	t.Parallel()
	sources := []Source{
		{JobID: "j1", Title: "Broken", Failed: true, Error: "boom"},
		{JobID: "j2", Title: "Empty"},
	}
	res := Run(sources)
	assert.Empty(t, res.Items)
	assert.Zero(t, res.Total)
	assert.Equal(t, []JobFailure{{JobID: "j1", Title: "Broken", Error: "boom"}}, res.FailedJobs)
	assert.Contains(t, res.Report, "No questions were generated")
	assert.Contains(t, res.Report, "- Broken: boom")
}

func TestSimplify(t *testing.T) {
	t.Parallel()
	got := simplify("  FEV1 ≥ 12%,\n\tand (200 mL).")
	assert.Equal(t, "fev1 > 12 and 200 ml", strings.TrimSpace(got))
}

func TestResultCloneSharesNothing(t *testing.T) {
	res := Result{
		Items:      []mcq.Item{{Front: "q", AuditNotes: []string{NoteQuoteTooShort}}},
		FailedJobs: []JobFailure{{JobID: "j1", Error: "boom"}},
	}
	cp := res.Clone()
	cp.Items[0].Front = "changed"
	cp.Items[0].AuditNotes[0] = "changed"
	cp.FailedJobs[0].Error = "changed"

	assert.Equal(t, "q", res.Items[0].Front)
	assert.Equal(t, NoteQuoteTooShort, res.Items[0].AuditNotes[0])
	assert.Equal(t, "boom", res.FailedJobs[0].Error)
}
