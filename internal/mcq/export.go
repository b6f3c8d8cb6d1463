package mcq

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// Back renders the answer side of a flashcard: answer letter, explanation
// and the evidence quote with its heading.
func (it Item) Back() string {
	return fmt.Sprintf("**ĐÁP ÁN:** %s\n\n**GIẢI THÍCH:**\n%s\n\n**BẰNG CHỨNG:**\n> %s\n> *(%s)*",
		it.CorrectOption, it.Explanation, it.OriginalQuote, it.SourceHeading)
}

// Tags returns the space-separated deck tags for the item. Items that
// failed the audit are tagged AUDIT_FAIL.
func (it Item) Tags() string {
	var tags []string
	for _, t := range []string{it.QuestionCategory, it.DifficultyTag} {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	if it.AuditStatus == AuditFail {
		tags = append(tags, "AUDIT_FAIL")
	}
	return strings.Join(tags, " ")
}

// WriteCSV writes items as front,back,tags rows for flashcard import. The
// output starts with a UTF-8 byte order mark so spreadsheet tools detect
// the encoding.
func WriteCSV(w io.Writer, items []Item) error {
	if _, err := io.WriteString(w, "\uFEFF"); err != nil {
		return fmt.Errorf("write csv bom: %w", err)
	}
	cw := csv.NewWriter(w)
	for _, it := range items {
		if err := cw.Write([]string{it.Front, it.Back(), it.Tags()}); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}
