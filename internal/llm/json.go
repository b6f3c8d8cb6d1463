package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	reFenceOpen  = regexp.MustCompile("^```(?:json)?\\s*\\n?")
	reFenceClose = regexp.MustCompile("\\n?```\\s*$")
)

// ExtractJSON pulls the JSON object out of a model reply that may be wrapped
// in prose or a markdown code fence.
func ExtractJSON(content string) string {
	content = strings.TrimSpace(content)
	first := strings.Index(content, "{")
	last := strings.LastIndex(content, "}")
	if first != -1 && last > first {
		return content[first : last+1]
	}
	content = reFenceOpen.ReplaceAllString(content, "")
	content = reFenceClose.ReplaceAllString(content, "")
	return strings.TrimSpace(content)
}

// DecodeJSON extracts and unmarshals a JSON object from a model reply.
func DecodeJSON(content string, v any) error {
	raw := ExtractJSON(content)
	if raw == "" {
		return fmt.Errorf("decode model json: empty response")
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode model json: %w", err)
	}
	return nil
}
