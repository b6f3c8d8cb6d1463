package prompt

import (
	"fmt"
	"strings"
)

// ClozeCatalog describes each cloze card type in the order the model should
// prefer them.
var ClozeCatalog = []struct{ ID, Rule string }{
	{"basic", "one fact per card, usually a single c1 deletion"},
	{"cluster", "a set of 2 to 4 items learned as one block; every item uses the same cloze number"},
	{"overlapping", "an ordered sequence split into one card per step, each card hiding one step"},
	{"hierarchical", "layered knowledge; a lower-level card always restates its parent's context"},
	{"bidirectional", "only for true one-to-one relations; two cards, forward and reverse"},
	{"disambiguation", "2 (at most 3) easily confused items in the same card, hiding what tells them apart"},
	{"pedi_mindmap", "paediatrics only: a mindmap tree with cardId and parentId, every list asked in full"},
}

// Cloze is the input of a cloze generation prompt. Lesson, Instructions and
// Extra must already be locked.
type Cloze struct {
	Lesson       string
	Specialty    string
	Focus        string
	Source       string
	Instructions string
	Types        []string // empty means AUTO
	Extra        string
}

// ClozeCards builds the cloze flashcard prompt.
func ClozeCards(in Cloze) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a medical educator writing Anki cloze cards for %s exam revision.\n\n", in.Specialty)
	b.WriteString(TokenRule)
	b.WriteString("\n\n## Cloze syntax\n")
	b.WriteString("Every deletion is written {{cN::answer::hint}}. When a card has several deletions each one gets its own hint, and hints in one card must differ.\n")

	b.WriteString("\n## Card types\n")
	for _, t := range ClozeCatalog {
		fmt.Fprintf(&b, "- %s: %s\n", t.ID, t.Rule)
	}
	if len(in.Types) == 0 {
		b.WriteString("\nMode: AUTO. Pick the types that fit each piece of knowledge.")
		if in.Specialty == PaediatricsSpecialty {
			b.WriteString(" For this specialty build the main deck as pedi_mindmap.")
		}
		b.WriteString("\n")
	} else {
		fmt.Fprintf(&b, "\nMode: EXCLUSIVE. Create only these types, preferring earlier ones: %s.\n", strings.Join(in.Types, ", "))
	}

	fmt.Fprintf(&b, "\n## Task\nWork only on the section %q of %q. Use only the lesson text as evidence: never paraphrase a number, flip a comparator or change a unit.\n", in.Focus, in.Source)
	b.WriteString("Each card needs an originalQuote copied verbatim with the answer in **bold**.\n")
	if s := strings.TrimSpace(in.Instructions); s != "" {
		b.WriteString("\n## Extra instructions\n")
		b.WriteString(s)
		b.WriteString("\n")
	}
	if strings.TrimSpace(in.Extra) != "" {
		b.WriteString("\n## Extra context\n")
		b.WriteString("Use this text only to find confusion sets for disambiguation cards, and name the origin of each side in extraInfo as \"SourceSpan: ...\".\n<extra>\n")
		b.WriteString(in.Extra)
		b.WriteString("\n</extra>\n")
	}

	b.WriteString("\n## Output\n")
	b.WriteString(`Return one JSON object: {"flashcards": [{"cardId", "parentId", "clozeText", "originalQuote", "relatedContext": [{"quote", "category"}], "sourceHeading", "sourceLesson", "questionCategory", "extraInfo"}], "report": "what was skipped and how the cards were checked"}.`)
	b.WriteString("\n\n## Lesson\n<lesson>\n")
	b.WriteString(in.Lesson)
	b.WriteString("\n</lesson>\n")
	return b.String()
}

// PaediatricsSpecialty switches AUTO mode to mindmap decks.
const PaediatricsSpecialty = "Nhi khoa"

// ClozeAdvisor builds the read-only prompt that recommends card types for a
// section before generation.
func ClozeAdvisor(in Cloze) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You advise a %s student which Anki cloze card types suit a lesson section. Do not write cards.\n\n", in.Specialty)
	b.WriteString(TokenRule)
	b.WriteString("\n\n## Card types\n")
	for _, t := range ClozeCatalog {
		fmt.Fprintf(&b, "- %s: %s\n", t.ID, t.Rule)
	}
	fmt.Fprintf(&b, "\n## Section\n%s\n", in.Focus)
	if s := strings.TrimSpace(in.Instructions); s != "" {
		fmt.Fprintf(&b, "\n## Student notes\n%s\n", s)
	}
	b.WriteString("\n## Output\nReturn exactly these blocks:\n")
	b.WriteString("[Cloze Type Recommendation]\n1) Suggested selection (IDs): up to 3 ids, or AUTO when the signals are weak\n")
	b.WriteString("2) Decision rationale: 2 to 6 lines of signal, recommended id, one-sentence reason\n")
	b.WriteString("If disambiguation is suggested, add [Disambiguation Targets] listing confusion sets with their discriminators and where they occur.\n")
	b.WriteString("3) Best-use warning: one pitfall per suggested id\n")
	b.WriteString("\n## Lesson\n<lesson>\n")
	b.WriteString(in.Lesson)
	b.WriteString("\n</lesson>\n")
	return b.String()
}
