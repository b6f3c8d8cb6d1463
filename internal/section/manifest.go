package section

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"medi/internal/batch"
)

// ErrEmptyManifest is returned when a manifest lists no usable sections.
var ErrEmptyManifest = errors.New("manifest has no sections")

// LoadManifest reads a pre-split section list from a YAML or JSON file.
func LoadManifest(path string) ([]batch.Section, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	return ParseManifest(f)
}

// ParseManifest decodes a list of {title, content} entries. Entries with
// empty content are skipped; an empty title becomes "Section N".
func ParseManifest(r io.Reader) ([]batch.Section, error) {
	var raw []batch.Section
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyManifest
		}
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	out := make([]batch.Section, 0, len(raw))
	for i, s := range raw {
		s.Content = strings.TrimSpace(s.Content)
		if s.Content == "" {
			continue
		}
		s.Title = strings.TrimSpace(s.Title)
		if s.Title == "" {
			s.Title = fmt.Sprintf("Section %d", i+1)
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, ErrEmptyManifest
	}
	return out, nil
}
