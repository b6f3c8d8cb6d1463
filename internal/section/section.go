// Package section splits cleaned study text into the per-heading units a
// batch generates from.
package section

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"medi/internal/batch"
)

// MaxContextChars caps the related-context part of a cross-section payload.
const MaxContextChars = 35000

// FullDocumentTitle names the single section of a text with no headings.
const FullDocumentTitle = "Full document"

const truncatedMarker = "\n\n...[CONTEXT TRUNCATED FOR SAFETY]..."

var reHeading = regexp.MustCompile(`^(#{2,4})\s+(.+)$`)

// Heading is one markdown heading of level 2 to 4.
type Heading struct {
	Title  string
	Path   string // ancestor titles and Title joined with " > "
	Level  int
	Line   int // zero-based line index
	Parent int // index into the heading list, -1 for top level
}

// Headings returns every level 2 to 4 heading in text in document order.
func Headings(text string) []Heading {
	type frame struct {
		level int
		index int
		title string
	}
	var (
		out   []Heading
		stack []frame
	)
	for i, line := range strings.Split(text, "\n") {
		m := reHeading.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		level := len(m[1])
		title := strings.TrimSpace(m[2])
		for len(stack) > 0 && stack[len(stack)-1].level >= level {
			stack = stack[:len(stack)-1]
		}
		parent := -1
		path := make([]string, 0, len(stack)+1)
		for _, f := range stack {
			path = append(path, f.title)
		}
		if len(stack) > 0 {
			parent = stack[len(stack)-1].index
		}
		path = append(path, title)
		out = append(out, Heading{
			Title:  title,
			Path:   strings.Join(path, " > "),
			Level:  level,
			Line:   i,
			Parent: parent,
		})
		stack = append(stack, frame{level: level, index: len(out) - 1, title: title})
	}
	return out
}

// Options controls Split.
type Options struct {
	// CrossContext appends the whole lesson, truncated, to each section as
	// optional related context.
	CrossContext bool
	// Include selects headings; nil keeps all of them.
	Include func(Heading) bool
}

// Split cuts text into one section per selected heading. A section runs
// from its heading line to the next heading of the same or higher level,
// so parents contain their children. Sections whose body is not longer
// than the heading title plus 5 characters are dropped.
func Split(text string, opts Options) []batch.Section {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var related string
	if opts.CrossContext {
		related = RelatedContext(text)
	}

	headings := Headings(text)
	if len(headings) == 0 {
		return []batch.Section{{Title: FullDocumentTitle, Content: payload(text, related, opts.CrossContext)}}
	}

	lines := strings.Split(text, "\n")
	var out []batch.Section
	for i, h := range headings {
		if opts.Include != nil && !opts.Include(h) {
			continue
		}
		end := len(lines)
		for _, next := range headings[i+1:] {
			if next.Level <= h.Level {
				end = next.Line
				break
			}
		}
		body := strings.TrimSpace(strings.Join(lines[h.Line:end], "\n"))
		if utf8.RuneCountInString(body) <= utf8.RuneCountInString(h.Title)+5 {
			continue
		}
		out = append(out, batch.Section{Title: h.Path, Content: payload(body, related, opts.CrossContext)})
	}
	return out
}

// RelatedContext returns the lesson text capped at MaxContextChars.
func RelatedContext(text string) string {
	if utf8.RuneCountInString(text) <= MaxContextChars {
		return text
	}
	return string([]rune(text)[:MaxContextChars]) + truncatedMarker
}

func payload(primary, related string, cross bool) string {
	if !cross {
		return primary
	}
	var b strings.Builder
	b.WriteString("## PRIMARY_SECTION (MUST FOCUS)\n")
	b.WriteString(primary)
	b.WriteString("\n\n---\n## RELATED_CONTEXT_FROM_SAME_LESSON (OPTIONAL, FOR COMPLEXITY/VIGNETTE)\n")
	b.WriteString(related)
	b.WriteString("\n")
	return b.String()
}
