package comparator

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestFormatForOutput(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"HbA1c >= 6.5", "HbA1c ≥ 6.5"},
		{"eGFR <= 30", "eGFR ≤ 30"},
		{">/5 cm", "≥ 5 cm"},
		{"&lt;= 3", "≤ 3"},
		{"&gt; = 3", "≥ 3"},
		{"</div>", "</div>"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatForOutput(tt.in), "FormatForOutput(%q)", tt.in)
	}
}

func TestAuditLine(t *testing.T) {
	t.Parallel()
	got := AuditLine("raw", "a >= 1, b < 2, ≥ 3 <p>x</p>")
	want := "[ComparatorAudit:raw] >=:1 <=:0 ≥:1 ≤:0 >:2 <:3 >/:0 </:0 htmlTags:2"
	assert.Equal(t, want, got)
}

func TestRepairPDFArtifacts(t *testing.T) {
	t.Parallel()

	got := RepairPDFArtifacts("FEV1 \uE098 12% and eos \uE09A 4%")
	assert.Equal(t, "FEV1 > 12% and eos >= 4%", got.Text)
	want := []Repair{{Label: ">", Count: 1}, {Label: ">=", Count: 1}}
	if diff := cmp.Diff(want, got.Repairs); diff != "" {
		t.Fatalf("repairs mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, got.Unknown)

	got = RepairPDFArtifacts("\uE081 \uE099 2 times")
	assert.Equal(t, "<= 2 times", got.Text)

	got = RepairPDFArtifacts("x \uE0FF y\nz \uE0FF")
	wantUnknown := []UnknownGlyph{{
		Char:    "\uE0FF",
		Code:    "U+E0FF",
		Count:   2,
		Samples: []string{"x \uE0FF y z \uE0FF", "x \uE0FF y z \uE0FF"},
	}}
	if diff := cmp.Diff(wantUnknown, got.Unknown); diff != "" {
		t.Fatalf("unknown glyphs mismatch (-want +got):\n%s", diff)
	}

	got = RepairPDFArtifacts("stray \uE098 glyph")
	assert.Empty(t, got.Repairs, "glyph not followed by a number stays")
	assert.Len(t, got.Unknown, 1)

	assert.Equal(t, PDFRepair{}, RepairPDFArtifacts(""))
}
