package section

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medi/internal/batch"
)

const lesson = `# Lesson
intro
## Asthma
Asthma is chronic airway inflammation.
### Diagnosis
FEV1 reversibility of 12% and 200 ml.
## COPD
x`

func TestHeadings(t *testing.T) {
	t.Parallel()
	got := Headings(lesson)
	want := []Heading{
		{Title: "Asthma", Path: "Asthma", Level: 2, Line: 2, Parent: -1},
		{Title: "Diagnosis", Path: "Asthma > Diagnosis", Level: 3, Line: 4, Parent: 0},
		{Title: "COPD", Path: "COPD", Level: 2, Line: 6, Parent: -1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Headings mismatch (-want +got):\n%s", diff)
	}
}

func TestSplit(t *testing.T) {
	t.Parallel()
	got := Split(lesson, Options{})
	want := []batch.Section{
		{
			Title:   "Asthma",
			Content: "## Asthma\nAsthma is chronic airway inflammation.\n### Diagnosis\nFEV1 reversibility of 12% and 200 ml.",
		},
		{
			Title:   "Asthma > Diagnosis",
			Content: "### Diagnosis\nFEV1 reversibility of 12% and 200 ml.",
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Split mismatch (-want +got):\n%s", diff)
	}
}

func TestSplitInclude(t *testing.T) {
	t.Parallel()
	got := Split(lesson, Options{Include: func(h Heading) bool { return h.Level == 3 }})
	require.Len(t, got, 1)
	assert.Equal(t, "Asthma > Diagnosis", got[0].Title)
}

func TestSplitWithoutHeadings(t *testing.T) {
	t.Parallel()
	got := Split("  plain lesson text  ", Options{})
	assert.Equal(t, []batch.Section{{Title: FullDocumentTitle, Content: "plain lesson text"}}, got)
	assert.Nil(t, Split("   ", Options{}))
}

func TestSplitCrossContext(t *testing.T) {
	t.Parallel()
	got := Split(lesson, Options{CrossContext: true})
	require.Len(t, got, 2)
	c := got[1].Content
	assert.True(t, strings.HasPrefix(c, "## PRIMARY_SECTION (MUST FOCUS)\n### Diagnosis\n"))
	assert.Contains(t, c, "\n\n---\n## RELATED_CONTEXT_FROM_SAME_LESSON (OPTIONAL, FOR COMPLEXITY/VIGNETTE)\n# Lesson\n")
	assert.True(t, strings.HasSuffix(c, "## COPD\nx\n"))
}

func TestRelatedContextTruncates(t *testing.T) {
	t.Parallel()
	short := strings.Repeat("á", MaxContextChars)
	assert.Equal(t, short, RelatedContext(short))

	long := strings.Repeat("á", MaxContextChars+1)
	got := RelatedContext(long)
	assert.True(t, strings.HasSuffix(got, "\n\n...[CONTEXT TRUNCATED FOR SAFETY]..."))
	body := strings.TrimSuffix(got, "\n\n...[CONTEXT TRUNCATED FOR SAFETY]...")
	assert.Equal(t, MaxContextChars, utf8.RuneCountInString(body))
}

func TestParseManifest(t *testing.T) {
	t.Parallel()
	in := `
- title: Asthma
  content: |
    Asthma is chronic airway inflammation.
- title: ""
  content: FEV1 reversibility of 12%.
- title: Empty
  content: "   "
`
	got, err := ParseManifest(strings.NewReader(in))
	require.NoError(t, err)
	want := []batch.Section{
		{Title: "Asthma", Content: "Asthma is chronic airway inflammation."},
		{Title: "Section 2", Content: "FEV1 reversibility of 12%."},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ParseManifest mismatch (-want +got):\n%s", diff)
	}

	got, err = ParseManifest(strings.NewReader(`[{"title": "JSON", "content": "works too"}]`))
	require.NoError(t, err)
	assert.Equal(t, []batch.Section{{Title: "JSON", Content: "works too"}}, got)

	_, err = ParseManifest(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrEmptyManifest)
	_, err = ParseManifest(strings.NewReader("- title: x\n  content: ''\n"))
	assert.ErrorIs(t, err, ErrEmptyManifest)
	_, err = ParseManifest(strings.NewReader("title: not a list"))
	assert.Error(t, err)
}
