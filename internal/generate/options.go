// Package generate turns one section into audited-ready multiple-choice
// items through a single model call guarded by comparator locking.
package generate

import (
	"errors"
	"fmt"

	"medi/internal/prompt"
)

// Mode selects the question style.
type Mode string

const (
	ModeTheory   Mode = "theory"
	ModeClinical Mode = "clinical"
)

// Defaults for Options.
const (
	DefaultSpecialty = "Nội khoa"
	DefaultModel     = "gemini-3-pro-preview"
	Temperature      = 0.2
)

// DefaultWeights is the difficulty mix used when none is configured.
var DefaultWeights = prompt.Weights{Easy: 10, Medium: 40, Hard: 35, VeryHard: 15}

// Options are the batch-wide generation parameters.
type Options struct {
	Specialty          string         `json:"specialty"`
	Mode               Mode           `json:"mode"`
	Weights            prompt.Weights `json:"weights"`
	ExternalSources    bool           `json:"allow_external_sources"`
	CustomInstructions string         `json:"custom_instructions,omitempty"`
	Model              string         `json:"model"`
	ThinkMore          bool           `json:"think_more"`
}

// DefaultOptions returns the options of a fresh run.
func DefaultOptions() Options {
	return Options{
		Specialty: DefaultSpecialty,
		Mode:      ModeTheory,
		Weights:   DefaultWeights,
		Model:     DefaultModel,
		ThinkMore: true,
	}
}

// Validate checks the options before a batch starts.
func (o Options) Validate() error {
	var errs []error
	if o.Specialty == "" {
		errs = append(errs, errors.New("specialty is required"))
	}
	if o.Mode != ModeTheory && o.Mode != ModeClinical {
		errs = append(errs, fmt.Errorf("mode must be %q or %q, got %q", ModeTheory, ModeClinical, o.Mode))
	}
	w := o.Weights
	if w.Easy < 0 || w.Medium < 0 || w.Hard < 0 || w.VeryHard < 0 {
		errs = append(errs, errors.New("difficulty weights must not be negative"))
	}
	if sum := w.Easy + w.Medium + w.Hard + w.VeryHard; sum != 100 {
		errs = append(errs, fmt.Errorf("difficulty weights must sum to 100, got %d", sum))
	}
	if o.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	return errors.Join(errs...)
}
