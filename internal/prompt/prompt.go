// Package prompt builds the instructions sent to the model. Every builder
// embeds the comparator token rule because its inputs may carry locked
// comparators.
package prompt

import (
	"fmt"
	"strings"
)

// TokenRule tells the model to copy comparator tokens through untouched.
const TokenRule = `## Comparator tokens
The input may contain tokens shaped like @@CMP_GE_####@@. Each one stands for a
comparison operator (>, <, >=, <=) that was locked on purpose. Copy every token
you use exactly as written: do not change, split, space out, translate or
invent tokens.`

// Weights is a difficulty mix in percent.
type Weights struct {
	Easy, Medium, Hard, VeryHard int
}

// MCQ is the input of a generation prompt. Content and Instructions must
// already be locked.
type MCQ struct {
	Title           string
	Content         string
	Specialty       string
	Mode            string
	Weights         Weights
	ExternalSources bool
	Instructions    string
}

// Generation builds the per-section MCQ prompt.
func Generation(in MCQ) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a medical educator writing exam questions in %s.\n\n", in.Specialty)
	b.WriteString(TokenRule)
	b.WriteString("\n\n## Task\n")
	fmt.Fprintf(&b, "Write single-best-answer questions (options A to D inside \"front\") in %s mode for the section %q.\n", in.Mode, in.Title)
	fmt.Fprintf(&b, "Difficulty mix: easy %d%%, medium %d%%, hard %d%%, very hard %d%%.\n",
		in.Weights.Easy, in.Weights.Medium, in.Weights.Hard, in.Weights.VeryHard)
	b.WriteString("Every question needs an originalQuote copied verbatim from the section and a sourceHeading.\n")
	if in.ExternalSources {
		b.WriteString("You may draw on well-known guidelines; mark such evidence with \"External reference\".\n")
	} else {
		b.WriteString("Use only the section text as evidence.\n")
	}
	if strings.Contains(in.Content, "## PRIMARY_SECTION") {
		b.WriteString("Questions must test the PRIMARY_SECTION. The related context may only enrich vignettes.\n")
	}
	if s := strings.TrimSpace(in.Instructions); s != "" {
		b.WriteString("\n## Extra instructions\n")
		b.WriteString(s)
		b.WriteString("\n")
	}
	b.WriteString("\n## Output\n")
	b.WriteString(`Return one JSON object: {"mcqs": [{"front", "correctOption", "explanation", "originalQuote", "sourceHeading", "questionCategory", "difficultyTag", "hint"}], "report": "short process notes"}.`)
	b.WriteString("\n\n## Section\n<section>\n")
	b.WriteString(in.Content)
	b.WriteString("\n</section>\n")
	return b.String()
}

// Cleaning builds the restructuring prompt. failsafe prepends the strict
// preservation rules used on a retry; missing lists sample tokens the
// previous attempt dropped.
func Cleaning(locked string, failsafe bool, missing []string) string {
	var b strings.Builder
	if failsafe {
		b.WriteString("## FAILSAFE\n")
		b.WriteString("1. cleanedText must contain all of the input content; only markdown formatting may change.\n")
		b.WriteString("2. Every @@CMP_*_####@@ token of the input must appear unchanged in cleanedText.\n")
		b.WriteString("3. Check your output for missing tokens before answering.")
		if len(missing) > 0 {
			b.WriteString(" These tokens were missing last time: ")
			b.WriteString(strings.Join(missing, ", "))
			b.WriteString(".")
		}
		b.WriteString("\n\n")
	}
	b.WriteString("Restructure the study text below into clean markdown with ## to #### headings. Keep all medical content; remove page furniture and extraction noise.\n\n")
	b.WriteString(TokenRule)
	b.WriteString("\n\n## Output\n")
	b.WriteString(`Return one JSON object: {"cleanedText": "markdown", "tableOfContents": "markdown list of headings"}.`)
	b.WriteString("\n\n<text>\n")
	b.WriteString(locked)
	b.WriteString("\n</text>\n")
	return b.String()
}

// Turn is one exchange of an essay session.
type Turn struct {
	Role    string // "user" or "model"
	Content string
}

// Essay is the input of an essay grader prompt. Document and Answer must
// already be locked.
type Essay struct {
	Mode     string
	Document string
	Section  string
	Answer   string
	History  []Turn
}

var essayTasks = map[string]string{
	"check":  "Check the answer so far: is it within scope, which idea groups are missing, what is misplaced, which keywords are required. Do not write the answer for the student.",
	"hint":   "Give a hint that restores the structure and recalls key terms without quoting the source.",
	"hint++": "Give a more specific hint, still short of a model answer.",
	"grade":  `Grade the answer strictly against the document and the chosen section. Return one JSON object: {"gradingReport": "markdown", "srsRating": 0-3}.`,
}

// EssayModes lists the accepted grader modes.
func EssayModes() []string {
	return []string{"check", "hint", "hint++", "grade"}
}

// EssayGrader builds the essay grader prompt.
func EssayGrader(in Essay) string {
	var b strings.Builder
	b.WriteString("You are a strict medical professor helping a student practise written exam answers.\n\n")
	b.WriteString(TokenRule)
	b.WriteString("\n\n## Ground truth\n<document>\n")
	b.WriteString(in.Document)
	b.WriteString("\n</document>\n\n")
	fmt.Fprintf(&b, "## Chosen section\n%s\n\n## Student answer\n<answer>\n%s\n</answer>\n\n", in.Section, in.Answer)
	if len(in.History) > 0 {
		b.WriteString("## Previous turns\n")
		for _, t := range in.History {
			who := "Professor"
			if t.Role == "user" {
				who = "Student"
			}
			fmt.Fprintf(&b, "%s:\n%s\n\n", who, t.Content)
		}
	}
	fmt.Fprintf(&b, "## Mode: %s\n%s\nReturn only the response.\n", in.Mode, essayTasks[in.Mode])
	return b.String()
}
