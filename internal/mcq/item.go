// Package mcq holds the multiple-choice item produced by generation and
// annotated by the audit pass.
package mcq

import (
	"slices"
	"strings"
)

// Item is one generated multiple-choice question. The answer options are
// part of Front.
type Item struct {
	Front            string      `json:"front"`
	CorrectOption    string      `json:"correctOption"`
	Explanation      string      `json:"explanation"`
	OriginalQuote    string      `json:"originalQuote"`
	SourceHeading    string      `json:"sourceHeading"`
	QuestionCategory string      `json:"questionCategory,omitempty"`
	DifficultyTag    string      `json:"difficultyTag,omitempty"`
	Hint             string      `json:"hint,omitempty"`
	AuditStatus      AuditStatus `json:"auditStatus,omitempty"`
	AuditNotes       []string    `json:"auditNotes,omitempty"`
}

// AuditStatus is the verdict of the deterministic audit.
type AuditStatus string

const (
	AuditPass    AuditStatus = "pass"
	AuditWarning AuditStatus = "warning"
	AuditFail    AuditStatus = "fail"
)

func (s AuditStatus) rank() int {
	switch s {
	case AuditFail:
		return 2
	case AuditWarning:
		return 1
	default:
		return 0
	}
}

// Worst returns the more severe of a and b (fail > warning > pass).
func Worst(a, b AuditStatus) AuditStatus {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Options lists the accepted answer letters.
var Options = []string{"A", "B", "C", "D"}

// ValidOption reports whether s names one of Options, ignoring case and
// surrounding whitespace.
func ValidOption(s string) bool {
	return slices.Contains(Options, strings.ToUpper(strings.TrimSpace(s)))
}

// CloneItems copies items including each item's audit notes.
func CloneItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	for i, it := range items {
		it.AuditNotes = slices.Clone(it.AuditNotes)
		out[i] = it
	}
	return out
}
