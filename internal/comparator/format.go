package comparator

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	reEntityGE = regexp.MustCompile(`&gt;\s*=`)
	reEntityLE = regexp.MustCompile(`&lt;\s*=`)
	reHTMLTag  = regexp.MustCompile(`</?[A-Za-z][^>]*>`)
	reSpacing  = regexp.MustCompile(`\s*(>=|<=|>|<)\s*`)
)

// AuditLine returns a one-line census of comparator spellings in text,
// suitable for appending to a generation report.
func AuditLine(label, text string) string {
	ge := strings.Count(text, ">=")
	le := strings.Count(text, "<=")
	return fmt.Sprintf("[ComparatorAudit:%s] >=:%d <=:%d ≥:%d ≤:%d >:%d <:%d >/:%d </:%d htmlTags:%d",
		label,
		ge,
		le,
		strings.Count(text, "≥"),
		strings.Count(text, "≤"),
		strings.Count(text, ">")-ge,
		strings.Count(text, "<")-le,
		len(reCorruptGE.FindAllStringIndex(text, -1)),
		len(reCorruptLE.FindAllStringIndex(text, -1)),
		len(reHTMLTag.FindAllStringIndex(text, -1)),
	)
}

// FormatForOutput converts ASCII and corrupted comparators to ≥ and ≤ for
// display.
func FormatForOutput(text string) string {
	if text == "" {
		return ""
	}
	out := reCorruptGE.ReplaceAllString(text, "≥ $1")
	out = reCorruptLE.ReplaceAllString(out, "≤ $1")
	out = reSpacedGE.ReplaceAllString(out, "≥")
	out = reSpacedLE.ReplaceAllString(out, "≤")
	out = reEntityGE.ReplaceAllString(out, "≥")
	out = reEntityLE.ReplaceAllString(out, "≤")
	return out
}

// Repair counts one kind of glyph fix applied by RepairPDFArtifacts.
type Repair struct {
	Label string
	Count int
}

// UnknownGlyph describes a private-use code point that RepairPDFArtifacts
// could not map.
type UnknownGlyph struct {
	Char    string
	Code    string
	Count   int
	Samples []string
}

// PDFRepair is the result of RepairPDFArtifacts.
type PDFRepair struct {
	Text    string
	Repairs []Repair
	Unknown []UnknownGlyph
}

var pdfGlyphs = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`\x{E098}(\s*[-+]?\d)`), ">"},
	{regexp.MustCompile(`\x{E09A}(\s*[-+]?\d)`), ">="},
	{regexp.MustCompile(`\x{E081}\s*\x{E099}(\s*[-+]?\d)`), "<="},
}

const maxGlyphSamples = 5

// RepairPDFArtifacts maps the private-use glyphs some PDF extractors emit
// for comparators back to ASCII, but only in front of a number. Remaining
// private-use characters are reported with short context samples.
func RepairPDFArtifacts(text string) PDFRepair {
	if text == "" {
		return PDFRepair{}
	}
	var res PDFRepair
	out := text
	for _, g := range pdfGlyphs {
		n := len(g.re.FindAllStringIndex(out, -1))
		if n == 0 {
			continue
		}
		out = g.re.ReplaceAllString(out, g.replacement+"$1")
		res.Repairs = append(res.Repairs, Repair{Label: g.replacement, Count: n})
	}

	index := make(map[string]int)
	runes := []rune(out)
	for i, r := range runes {
		if r < 0xE000 || r > 0xF8FF {
			continue
		}
		ch := string(r)
		pos, ok := index[ch]
		if !ok {
			pos = len(res.Unknown)
			index[ch] = pos
			res.Unknown = append(res.Unknown, UnknownGlyph{Char: ch, Code: fmt.Sprintf("U+%04X", r)})
		}
		glyph := &res.Unknown[pos]
		glyph.Count++
		if len(glyph.Samples) < maxGlyphSamples {
			start := max(0, i-20)
			end := min(len(runes), i+21)
			glyph.Samples = append(glyph.Samples, strings.ReplaceAll(string(runes[start:end]), "\n", " "))
		}
	}

	res.Text = strings.TrimSpace(reSpacing.ReplaceAllString(out, " $1 "))
	return res
}
